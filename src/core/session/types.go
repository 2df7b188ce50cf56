// Package session owns the device-to-upstream voice dialogue: one
// WebSocket client per Session, shuttling device JSON to pub/sub and
// device audio to UDP and back. Adapted from a single long-lived app
// session into a short-lived per-dialogue bridge with its own UDP
// transport instead of an in-process audio pipeline.
package session

import (
	"net"
	"time"

	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/udp"
)

// DeviceLink is everything a Session needs from its owning Connection,
// kept as an interface so this package never imports connection (which
// imports session to hold a *Session and drive the handshake).
type DeviceLink interface {
	MAC() string
	ReplyTopic() string
	PublishReply(payload []byte) error
	SessionClosed(s *Session)
	IsClosing() bool
	CloseTransport()
	UDPSender() udp.Sender
}

// AudioParams is passed through verbatim between the device hello and the
// upstream hello; the gateway never inspects its fields.
type AudioParams map[string]interface{}

// HelloRequest is the device's parsed hello payload.
type HelloRequest struct {
	Type        string      `json:"type"`
	Version     int         `json:"version"`
	AudioParams AudioParams `json:"audio_params"`
}

// upstreamHello is what the chat server answers with once the WebSocket
// handshake completes.
type upstreamHello struct {
	Type        string      `json:"type"`
	SessionID   string      `json:"session_id"`
	AudioParams AudioParams `json:"audio_params"`
}

// udpBlock is embedded in the hello reply sent back to the device.
type udpBlock struct {
	Server     string `json:"server"`
	Port       int    `json:"port"`
	Encryption string `json:"encryption"`
	Key        string `json:"key"`
	Nonce      string `json:"nonce"`
}

// helloReply is published on the device's reply topic once the upstream
// handshake succeeds.
type helloReply struct {
	Type        string      `json:"type"`
	Transport   string      `json:"transport"`
	SessionID   string      `json:"session_id"`
	AudioParams AudioParams `json:"audio_params,omitempty"`
	UDP         udpBlock    `json:"udp"`
}

type goodbyeMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// ErrorMessage is the reply a Connection publishes to the device when
// something it drives on the device's behalf (building a Session, for
// instance) fails.
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// wirePeer tracks the most recent UDP address a device has been seen
// sending from, so egress frames have somewhere to go.
type wirePeer struct {
	addr *net.UDPAddr
	seen time.Time
}
