package session

import (
	"encoding/json"
	"net"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/udp"
)

// IsOpen reports whether the upstream WebSocket is still up.
func (s *Session) IsOpen() bool {
	return !s.closed.Load()
}

// ForwardFromDevice handles a non-hello PUBLISH payload already routed to
// this Session: goodbye tears the Session down without forwarding,
// everything else goes upstream verbatim as a text frame.
func (s *Session) ForwardFromDevice(payload []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(payload, &probe) == nil && probe.Type == "goodbye" {
		s.Close()
		return
	}

	s.writeMu.Lock()
	err := s.ws.WriteMessage(websocket.TextMessage, payload)
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Debug("session %s: forwarding to upstream failed: %v", s.sessionID, err)
		s.Close()
	}
}

// HandleUDP validates an ingress datagram's cookie and sequence, decrypts
// it, remembers peer as the current egress address, and forwards the
// opus payload upstream as a binary frame.
func (s *Session) HandleUDP(peer *net.UDPAddr, header udp.Header, ciphertext []byte) {
	if header.Cookie != s.cookie {
		if s.logInvalidCookie != nil && s.logInvalidCookie() {
			s.logger.Warn("session %s: udp cookie 不匹配 got=%04x want=%04x peer=%s", s.sessionID, header.Cookie, s.cookie, peer)
		}
		return
	}
	if header.Sequence < s.remoteSeq.Load() {
		return
	}

	plaintext, err := udp.Decrypt(s.key, header.Bytes(), ciphertext)
	if err != nil {
		return
	}
	s.remoteSeq.Store(header.Sequence)

	s.peerMu.Lock()
	s.peer = wirePeer{addr: peer, seen: time.Now()}
	s.peerMu.Unlock()

	s.writeMu.Lock()
	err = s.ws.WriteMessage(websocket.BinaryMessage, plaintext)
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Debug("session %s: forwarding audio upstream failed: %v", s.sessionID, err)
		s.Close()
	}
}

// readLoop drains the upstream WebSocket until it closes or errors. Text
// frames are published to the device; binary frames are emitted as UDP.
// Exactly one goroutine runs this per Session, so frames are relayed in
// arrival order on each side.
func (s *Session) readLoop() {
	defer s.teardown()

	for {
		msgType, data, err := s.ws.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			if err := s.link.PublishReply(data); err != nil {
				return
			}
		case websocket.BinaryMessage:
			s.emitUDP(data)
		}
	}
}

func (s *Session) emitUDP(payload []byte) {
	sender := s.link.UDPSender()
	if sender == nil {
		return
	}

	s.peerMu.Lock()
	peer := s.peer.addr
	s.peerMu.Unlock()
	if peer == nil {
		return
	}

	seq := s.localSeq.Add(1)
	header := udp.BuildHeader(s.macBytes, s.cookie, seq, len(payload))
	if err := udp.Send(sender, s.key, header, payload, peer); err != nil {
		s.logger.Debug("session %s: udp send failed: %v", s.sessionID, err)
	}
}

// Close tears the Session down idempotently: it marks the Session closed
// and closes the upstream WebSocket, which makes readLoop exit and run
// teardown. readLoop's own teardown path and an explicit caller (duplicate
// hello, device goodbye, Connection close) both funnel here safely.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.ws.Close()
	})
}

// teardown runs exactly once, from readLoop's exit, regardless of whether
// the close was initiated locally or by the upstream.
func (s *Session) teardown() {
	s.Close()

	goodbye, _ := json.Marshal(goodbyeMessage{Type: "goodbye", SessionID: s.sessionID})
	if err := s.link.PublishReply(goodbye); err != nil {
		s.logger.Debug("session %s: goodbye publish failed: %v", s.sessionID, err)
	}

	elapsed := time.Since(s.startedAt)
	s.logger.Info("session closed mac=%s session_id=%s elapsed=%s", s.mac, s.sessionID, elapsed.Round(time.Millisecond))

	if s.recorder != nil {
		s.recorder.Record(s.mac, s.sessionID, s.startedAt, time.Now(), s.audio)
	}

	s.link.SessionClosed(s)
}
