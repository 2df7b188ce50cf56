// Package udp implements the 16-byte framed datagram format the gateway
// relays opus audio over, grounded on the header-as-nonce encrypted UDP
// relay's framing and crypto helpers (udp_crypto.go,
// udp_session.go), adapted to this header layout (MAC instead of a
// connection-id, a cookie instead of a free-running nonce template).
package udp

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// HeaderSize is the fixed framing prefix: type, flags, payload length, MAC,
// cookie, sequence.
const HeaderSize = 16

const typeAudio byte = 1

// Header is the parsed 16-byte datagram prefix. It doubles as the AES-CTR
// IV for the payload it prefixes.
type Header struct {
	Type          byte
	Flags         byte
	PayloadLength uint16
	MAC           [6]byte
	Cookie        uint16
	Sequence      uint32
}

// ErrMalformed reports a datagram that is too short, too short for its
// declared payload length, or carries an unsupported type byte.
type ErrMalformed struct{ Reason string }

func (e *ErrMalformed) Error() string { return "udp: malformed datagram: " + e.Reason }

// ParseHeader decodes the 16-byte header from the front of datagram and
// validates it against the datagram's actual length. It does not touch the
// ciphertext.
func ParseHeader(datagram []byte) (Header, []byte, error) {
	if len(datagram) < HeaderSize {
		return Header{}, nil, &ErrMalformed{Reason: fmt.Sprintf("length %d < %d", len(datagram), HeaderSize)}
	}
	h := Header{
		Type:          datagram[0],
		Flags:         datagram[1],
		PayloadLength: binary.BigEndian.Uint16(datagram[2:4]),
	}
	copy(h.MAC[:], datagram[4:10])
	h.Cookie = binary.BigEndian.Uint16(datagram[10:12])
	h.Sequence = binary.BigEndian.Uint32(datagram[12:16])

	if h.Type != typeAudio {
		return Header{}, nil, &ErrMalformed{Reason: fmt.Sprintf("unsupported type 0x%02x", h.Type)}
	}
	if len(datagram) < HeaderSize+int(h.PayloadLength) {
		return Header{}, nil, &ErrMalformed{Reason: "payload shorter than declared length"}
	}
	ciphertext := datagram[HeaderSize : HeaderSize+int(h.PayloadLength)]
	return h, ciphertext, nil
}

// Bytes encodes the header into its 16-byte wire form. Every call allocates
// a fresh slice: a shared pre-allocated scratch buffer is a hazard once a
// writer can retain the slice past the call, so this implementation never
// shares backing storage between encodes in the first place.
func (h Header) Bytes() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = h.Type
	buf[1] = h.Flags
	binary.BigEndian.PutUint16(buf[2:4], h.PayloadLength)
	copy(buf[4:10], h.MAC[:])
	binary.BigEndian.PutUint16(buf[10:12], h.Cookie)
	binary.BigEndian.PutUint32(buf[12:16], h.Sequence)
	return buf
}

// MACString renders the header's MAC as lowercase colon-separated hex,
// matching the registry's key format.
func (h Header) MACString() string {
	s := hex.EncodeToString(h.MAC[:])
	return s[0:2] + ":" + s[2:4] + ":" + s[4:6] + ":" + s[6:8] + ":" + s[8:10] + ":" + s[10:12]
}

// ParseMAC converts a colon-separated hex MAC into its 6-byte form.
func ParseMAC(mac string) ([6]byte, error) {
	var out [6]byte
	clean := make([]byte, 0, 12)
	for i := 0; i < len(mac); i++ {
		if mac[i] == ':' {
			continue
		}
		clean = append(clean, mac[i])
	}
	if len(clean) != 12 {
		return out, fmt.Errorf("udp: invalid MAC %q", mac)
	}
	decoded, err := hex.DecodeString(string(clean))
	if err != nil {
		return out, fmt.Errorf("udp: invalid MAC %q: %w", mac, err)
	}
	copy(out[:], decoded)
	return out, nil
}

// BuildHeader constructs the egress header for one frame: type 1, the
// session cookie, the current MAC and local sequence, and the plaintext
// length.
func BuildHeader(mac [6]byte, cookie uint16, sequence uint32, payloadLength int) Header {
	return Header{
		Type:          typeAudio,
		PayloadLength: uint16(payloadLength),
		MAC:           mac,
		Cookie:        cookie,
		Sequence:      sequence,
	}
}
