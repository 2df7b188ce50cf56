package udp

import (
	"net"

	"golang.org/x/time/rate"

	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/utils"
)

// Target is whatever a device's live Connection exposes to the mux: enough
// to hand it a decoded ingress datagram without udp importing the
// connection package (which in turn imports this one to emit frames).
type Target interface {
	DeliverUDP(peer *net.UDPAddr, header Header, ciphertext []byte)
}

// Lookup resolves a datagram's embedded MAC to its live Target, if any.
type Lookup func(mac string) (Target, bool)

// Sender is the minimal interface on the shared UDP socket that Send
// writes through. *net.UDPConn satisfies it.
type Sender interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// Mux routes inbound UDP datagrams to the Connection registered for their
// MAC. It holds no socket: Sessions write egress frames with Send through
// the Sender their Connection provides. Malformed-packet logging is
// rate-limited so a single misbehaving sender can't flood the log.
type Mux struct {
	lookup      Lookup
	logger      *utils.Logger
	malformedRL *rate.Limiter
}

// NewMux constructs a Mux over lookup, which the server wires to the
// device registry's MAC lookup.
func NewMux(lookup Lookup, logger *utils.Logger) *Mux {
	return &Mux{
		lookup:      lookup,
		logger:      logger,
		malformedRL: rate.NewLimiter(rate.Limit(5), 10),
	}
}

// HandleDatagram parses one inbound datagram and, if well-formed and
// addressed to a registered device, forwards it to that device's
// Connection for session-level decryption and sequence checking. Malformed
// datagrams and unknown MACs are dropped; a malformed one also gets a
// rate-limited debug log line, an unknown MAC gets none.
func (m *Mux) HandleDatagram(peer *net.UDPAddr, raw []byte) {
	header, ciphertext, err := ParseHeader(raw)
	if err != nil {
		if m.malformedRL.Allow() {
			m.logger.Debug("丢弃畸形 UDP 数据包 addr=%s: %v", peer, err)
		}
		return
	}

	target, ok := m.lookup(header.MACString())
	if !ok {
		return
	}
	target.DeliverUDP(peer, header, ciphertext)
}

// Send encrypts payload under the Session's key using header as both wire
// prefix and AES-CTR IV, and writes header+ciphertext to peer.
func Send(conn Sender, key [16]byte, header Header, payload []byte, peer *net.UDPAddr) error {
	headerBytes := header.Bytes()
	ciphertext, err := Encrypt(key, headerBytes, payload)
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(headerBytes)+len(ciphertext))
	frame = append(frame, headerBytes...)
	frame = append(frame, ciphertext...)
	_, err = conn.WriteToUDP(frame, peer)
	return err
}
