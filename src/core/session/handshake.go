package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/udp"
	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/utils"
)

// Session is one active voice/command dialogue between a device and the
// upstream chat service, bounded by a hello/goodbye pair.
type Session struct {
	link DeviceLink
	mac  string
	macBytes [6]byte

	ws        *websocket.Conn
	sessionID string
	key       [16]byte
	cookie    uint16
	nonce     udp.Header

	localSeq  atomic.Uint32
	remoteSeq atomic.Uint32

	peerMu sync.Mutex
	peer   wirePeer

	startedAt time.Time
	audio     AudioParams

	recorder *Recorder
	logger   *utils.Logger

	// logInvalidCookie reports whether a UDP cookie mismatch should be
	// logged; it reads the config manager's live snapshot, so toggling
	// log_invalid_cookie in mqtt.json takes effect for an in-flight
	// Session without restarting it.
	logInvalidCookie func() bool

	writeMu  sync.Mutex
	closed   atomic.Bool
	closeOnce sync.Once
}

// Builder constructs Sessions for a hello handshake. It is the
// connection.SessionFactory the Connection package drives: Builder.New
// has exactly that shape.
type Builder struct {
	Selector    *Selector
	Recorder    *Recorder
	Logger      *utils.Logger
	AuthToken   string
	PublicIP    string
	UDPPort     int
	DialTimeout time.Duration

	// LogInvalidCookie reports whether UDP cookie mismatches should be
	// logged, read from the live config snapshot on every Session this
	// Builder constructs.
	LogInvalidCookie func() bool
}

// New dials the selected upstream chat server, performs the hello
// handshake, and on success publishes the device's hello reply. It
// blocks on the network round-trip; Connection.startSession calls it on
// the Connection's read loop, so that socket reads no further packets
// until it returns.
func (b *Builder) New(link DeviceLink, hello HelloRequest) (*Session, error) {
	mac := link.MAC()
	macBytes, err := udp.ParseMAC(mac)
	if err != nil {
		return nil, fmt.Errorf("session: invalid registered mac %q: %w", mac, err)
	}

	url, err := b.Selector.Pick(mac)
	if err != nil {
		return nil, err
	}

	var cookie uint16
	var key [16]byte
	if err := randomInto(&cookie); err != nil {
		return nil, err
	}
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("session: generating key: %w", err)
	}
	nonce := udp.BuildHeader(macBytes, cookie, 0, 0)

	headers := http.Header{}
	headers.Set("device-id", mac)
	headers.Set("protocol-version", "1")
	headers.Set("authorization", "Bearer "+b.AuthToken)

	ctx, cancel := context.WithTimeout(context.Background(), b.dialTimeout())
	defer cancel()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, fmt.Errorf("session: dial upstream %s: %w", url, err)
	}

	s := &Session{
		link:             link,
		mac:              mac,
		macBytes:         macBytes,
		ws:               ws,
		key:              key,
		cookie:           cookie,
		nonce:            nonce,
		startedAt:        time.Now(),
		recorder:         b.Recorder,
		logger:           b.Logger,
		logInvalidCookie: b.LogInvalidCookie,
		audio:            hello.AudioParams,
	}

	helloOut, _ := json.Marshal(struct {
		Type        string      `json:"type"`
		Version     int         `json:"version"`
		Transport   string      `json:"transport"`
		AudioParams AudioParams `json:"audio_params"`
	}{Type: "hello", Version: 1, Transport: "websocket", AudioParams: hello.AudioParams})

	if err := s.ws.WriteMessage(websocket.TextMessage, helloOut); err != nil {
		ws.Close()
		return nil, fmt.Errorf("session: sending hello: %w", err)
	}

	_, msg, err := s.ws.ReadMessage()
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("session: awaiting hello reply: %w", err)
	}
	var upstream upstreamHello
	if err := json.Unmarshal(msg, &upstream); err != nil || upstream.Type != "hello" {
		ws.Close()
		return nil, fmt.Errorf("session: malformed upstream hello")
	}

	s.sessionID = upstream.SessionID
	if upstream.AudioParams != nil {
		s.audio = upstream.AudioParams
	}

	reply := helloReply{
		Type:        "hello",
		Transport:   "udp",
		SessionID:   s.sessionID,
		AudioParams: s.audio,
		UDP: udpBlock{
			Server:     b.PublicIP,
			Port:       b.UDPPort,
			Encryption: "aes-128-ctr",
			Key:        hex.EncodeToString(key[:]),
			Nonce:      hex.EncodeToString(nonce.Bytes()),
		},
	}
	payload, err := json.Marshal(reply)
	if err != nil {
		ws.Close()
		return nil, fmt.Errorf("session: encoding hello reply: %w", err)
	}
	if err := link.PublishReply(payload); err != nil {
		ws.Close()
		return nil, err
	}

	go s.readLoop()
	return s, nil
}

func (b *Builder) dialTimeout() time.Duration {
	if b.DialTimeout <= 0 {
		return 10 * time.Second
	}
	return b.DialTimeout
}

func randomInto(v *uint16) error {
	var buf [2]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Errorf("session: generating cookie: %w", err)
	}
	*v = uint16(buf[0])<<8 | uint16(buf[1])
	return nil
}
