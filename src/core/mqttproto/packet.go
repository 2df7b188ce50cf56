// Package mqttproto implements the subset of MQTT 3.1.1 framing this
// gateway needs: CONNECT, CONNACK, PUBLISH (QoS 0, 1 and 2 decoded; QoS 0
// encoded), SUBSCRIBE, SUBACK,
// PINGREQ, PINGRESP, DISCONNECT. It is deliberately hand-rolled rather than
// built on a client library: framing the device protocol is the gateway's
// own job, not something a generic MQTT client package does for a broker
// (see DESIGN.md, component A).
package mqttproto

import "fmt"

// PacketType is the fixed-header control type (top 4 bits of byte 0),
// combined here with its flags since every type this module supports uses
// a single canonical flag nibble, except PUBLISH: its low nibble carries
// the DUP/QoS/RETAIN flags, so the decoder matches it on the top 4 bits.
type PacketType byte

const (
	TypeConnect     PacketType = 0x10
	TypeConnAck     PacketType = 0x20
	TypePublish     PacketType = 0x30
	TypeSubscribe   PacketType = 0x82
	TypeSubAck      PacketType = 0x90
	TypePingReq     PacketType = 0xC0
	TypePingResp    PacketType = 0xD0
	TypeDisconnect  PacketType = 0xE0
)

// MaxPacketSize bounds a single control packet to a sane ceiling for a
// device link.
const MaxPacketSize = 64 * 1024

// ProtocolError is returned for any framing violation; callers must tear
// down the Connection without a CONNACK when it happens pre-registration,
// or via an ordinary close otherwise.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "mqttproto: protocol error: " + e.Reason }

func protoErr(format string, args ...interface{}) error {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// ConnectPacket is the parsed CONNECT payload.
type ConnectPacket struct {
	ProtocolName  string
	ProtocolLevel byte
	Flags         byte
	KeepAlive     uint16
	ClientID      string
	Username      string
	HasUsername   bool
	Password      []byte
	HasPassword   bool
}

const (
	connectFlagUsername = 0x80
	connectFlagPassword = 0x40
)

// PublishPacket is a parsed QoS-0 or QoS>0 PUBLISH; PacketID is only valid
// when QoS > 0.
type PublishPacket struct {
	Topic    string
	QoS      byte
	PacketID uint16
	Payload  []byte
}

// SubscribePacket is a parsed SUBSCRIBE; the gateway never actually
// maintains subscription state, it only needs the packet id to ack.
type SubscribePacket struct {
	PacketID    uint16
	TopicFilter string
	RequestedQoS byte
}

// Packet is the decoded result of one frame: exactly one of the typed
// fields is non-nil, selected by Type.
type Packet struct {
	Type      PacketType
	Connect   *ConnectPacket
	Publish   *PublishPacket
	Subscribe *SubscribePacket
}
