// Package connection implements the per-socket protocol state machine:
// AWAIT_CONNECT -> REGISTERED -> CLOSED, using the same atomic-closed-flag
// and lastActive-timestamp idiom as the rest of this module's connection
// handling, generalized from a thin MQTT-library wrapper into the
// gateway's own frame-level state machine.
package connection

import (
	"encoding/json"
	"net"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/mqttproto"
	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/registry"
	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/session"
	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/udp"
	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/utils"
)

// State is the Connection's position in its lifecycle.
type State int32

const (
	StateAwaitConnect State = iota
	StateRegistered
	StateClosed
)

var macPattern = regexp.MustCompile(`^[0-9a-f]{2}(:[0-9a-f]{2}){5}$`)

// Registrar is the slice of the device registry a Connection needs:
// register itself on successful CONNECT, and unregister on close. It is
// satisfied by *registry.Registry; the method set is registry.Conn's,
// which *Connection implements below (MAC, Close, IsAlive).
type Registrar interface {
	Insert(mac string, conn registry.Conn)
	Remove(mac string, conn registry.Conn)
}

// SessionFactory builds a new Session for a hello handshake. It is a
// collaborator so connection never imports the chat-server selector or
// websocket dialer directly.
type SessionFactory func(link session.DeviceLink, hello session.HelloRequest) (*session.Session, error)

// Correlator is the admin HTTP collaborator's hook into device PUBLISH
// traffic: Deliver is offered every non-hello PUBLISH that has no live
// Session, and returns true if it consumed the payload as the response
// to a pending command-push, which suppresses the usual goodbye echo.
type Correlator interface {
	Deliver(mac string, payload []byte) bool
}

// Connection is one accepted pub/sub socket. Exactly one Session may be
// live on it at a time; the Session belongs to the Connection for its
// entire life.
type Connection struct {
	conn    net.Conn
	decoder mqttproto.Decoder
	logger  *utils.Logger
	traceID string

	registry         Registrar
	newSession       SessionFactory
	correlator       Correlator
	replacementDrain time.Duration
	udpSender        udp.Sender

	state        atomic.Int32
	lastActivity atomic.Int64

	mac            string
	replyTopic     string
	keepAlive      time.Duration
	writeMu        sync.Mutex
	closeOnce      sync.Once

	mu      sync.Mutex
	sess    *session.Session
	closing bool
}

// New wraps an accepted TCP socket. The Connection starts in
// StateAwaitConnect and does nothing until Run is called.
func New(conn net.Conn, reg Registrar, newSession SessionFactory, correlator Correlator, replacementDrain time.Duration, udpSender udp.Sender, logger *utils.Logger) *Connection {
	c := &Connection{
		conn:             conn,
		logger:           logger,
		traceID:          mustTraceID(),
		registry:         reg,
		newSession:       newSession,
		correlator:       correlator,
		replacementDrain: replacementDrain,
		udpSender:        udpSender,
	}
	c.state.Store(int32(StateAwaitConnect))
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

func mustTraceID() string {
	id, err := gonanoid.New(8)
	if err != nil {
		return "trace-unavailable"
	}
	return id
}

// MAC returns the device MAC this Connection registered under, or "" if
// it never completed CONNECT.
func (c *Connection) MAC() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mac
}

// IsAlive means "has a Session whose WebSocket is open".
func (c *Connection) IsAlive() bool {
	c.mu.Lock()
	s := c.sess
	c.mu.Unlock()
	return s != nil && s.IsOpen()
}

// Run reads frames off the socket until it closes or a protocol error
// tears it down. It blocks until the Connection is finished.
func (c *Connection) Run() {
	defer c.Close()

	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			c.lastActivity.Store(time.Now().UnixNano())
			packets, decodeErr := c.decoder.Feed(buf[:n])
			for _, pkt := range packets {
				if c.state.Load() == int32(StateClosed) {
					return
				}
				if herr := c.handlePacket(pkt); herr != nil {
					c.logger.Debug("[%s] 处理数据包出错，关闭连接: %v", c.traceID, herr)
					return
				}
			}
			if decodeErr != nil {
				c.logger.Debug("[%s] 帧解析失败，关闭连接: %v", c.traceID, decodeErr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Connection) handlePacket(pkt mqttproto.Packet) error {
	switch pkt.Type {
	case mqttproto.TypeConnect:
		return c.handleConnect(pkt.Connect)
	default:
		if c.state.Load() != int32(StateRegistered) {
			return &mqttproto.ProtocolError{Reason: "packet before CONNECT"}
		}
		switch pkt.Type {
		case mqttproto.TypePublish:
			return c.handlePublish(pkt.Publish)
		case mqttproto.TypeSubscribe:
			return c.handleSubscribe(pkt.Subscribe)
		case mqttproto.TypePingReq:
			return c.handlePing()
		case mqttproto.TypeDisconnect:
			c.state.Store(int32(StateClosed))
			return nil
		default:
			return &mqttproto.ProtocolError{Reason: "unexpected packet in REGISTERED"}
		}
	}
}

func (c *Connection) handleConnect(pkt *mqttproto.ConnectPacket) error {
	if c.state.Load() != int32(StateAwaitConnect) {
		return &mqttproto.ProtocolError{Reason: "duplicate CONNECT"}
	}

	mac, ok := deriveMAC(pkt.ClientID)
	if !ok {
		c.logger.Debug("[%s] 非法 client-id，静默关闭: %s", c.traceID, pkt.ClientID)
		c.state.Store(int32(StateClosed))
		return &mqttproto.ProtocolError{Reason: "invalid client-id"}
	}

	c.mu.Lock()
	c.mac = mac
	c.replyTopic = "devices/p2p/" + mac
	c.keepAlive = time.Duration(pkt.KeepAlive) * time.Second
	c.mu.Unlock()

	if err := c.write(mqttproto.EncodeConnAck(mqttproto.ConnAckAccepted, false)); err != nil {
		return err
	}

	c.logJWTClaims(pkt)

	c.registry.Insert(mac, c)
	c.state.Store(int32(StateRegistered))
	c.logger.Info("[%s] 设备已注册 mac=%s keepalive=%s", c.traceID, mac, c.keepAlive)
	return nil
}

// logJWTClaims is observability only: pub/sub authentication is out of
// scope, so a CONNECT password shaped like a JWT is parsed without
// signature verification purely to surface its claims in the log. It
// never rejects a connection.
func (c *Connection) logJWTClaims(pkt *mqttproto.ConnectPacket) {
	if !pkt.HasPassword || len(pkt.Password) == 0 {
		return
	}
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(string(pkt.Password), claims)
	if err != nil {
		return
	}
	c.logger.Debug("[%s] CONNECT 密码携带 JWT claims: %v", c.traceID, claims)
}

// deriveMAC splits a client-id of the form <board>@@@<mac>@@@<uuid> and
// validates the MAC substring.
func deriveMAC(clientID string) (string, bool) {
	parts := strings.Split(clientID, "@@@")
	if len(parts) != 3 {
		return "", false
	}
	mac := strings.ReplaceAll(parts[1], "_", ":")
	if !macPattern.MatchString(mac) {
		return "", false
	}
	return mac, true
}

func (c *Connection) handleSubscribe(pkt *mqttproto.SubscribePacket) error {
	return c.write(mqttproto.EncodeSubAck(pkt.PacketID, mqttproto.ConnAckAccepted))
}

func (c *Connection) handlePing() error {
	return c.write(mqttproto.EncodePingResp())
}

func (c *Connection) handlePublish(pkt *mqttproto.PublishPacket) error {
	if pkt.QoS != 0 {
		return &mqttproto.ProtocolError{Reason: "QoS != 0 not supported"}
	}

	var probe struct {
		Type      string `json:"type"`
		Version   int    `json:"version"`
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(pkt.Payload, &probe); err != nil {
		return &mqttproto.ProtocolError{Reason: "non-JSON PUBLISH payload"}
	}

	if probe.Type == "hello" {
		if probe.Version != 3 {
			return &mqttproto.ProtocolError{Reason: "unsupported hello version"}
		}
		var hello session.HelloRequest
		if err := json.Unmarshal(pkt.Payload, &hello); err != nil {
			return &mqttproto.ProtocolError{Reason: "malformed hello payload"}
		}
		c.startSession(hello)
		return nil
	}

	cur := c.currentSession()
	if cur != nil {
		cur.ForwardFromDevice(pkt.Payload)
		return nil
	}

	if c.correlator != nil && c.correlator.Deliver(c.MAC(), pkt.Payload) {
		return nil
	}
	if probe.Type != "goodbye" {
		c.publishReply([]byte(`{"type":"goodbye","session_id":"` + probe.SessionID + `"}`))
	}
	return nil
}

func (c *Connection) currentSession() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

// startSession drives the duplicate-hello replacement: close any live
// Session, wait briefly for its teardown to publish goodbye, then build
// the new one. A production device rarely races two hellos, so the wait
// runs synchronously on the read loop without starving other sockets.
func (c *Connection) startSession(hello session.HelloRequest) {
	c.mu.Lock()
	prior := c.sess
	c.mu.Unlock()

	if prior != nil {
		prior.Close()
		time.Sleep(c.replacementDrain)
	}

	newSess, err := c.newSession(c, hello)
	if err != nil {
		c.logger.Warn("[%s] 创建会话失败: %v", c.traceID, err)
		errPayload, _ := json.Marshal(session.ErrorMessage{Type: "error", Message: "处理 hello 消息失败"})
		c.publishReply(errPayload)
		return
	}

	c.mu.Lock()
	c.sess = newSess
	c.mu.Unlock()
}

// DeviceLink implementation, consumed by session.Session.

func (c *Connection) ReplyTopic() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replyTopic
}

func (c *Connection) PublishReply(payload []byte) error {
	return c.publishReply(payload)
}

func (c *Connection) publishReply(payload []byte) error {
	topic := c.ReplyTopic()
	return c.write(mqttproto.EncodePublish(topic, payload))
}

func (c *Connection) SessionClosed(s *session.Session) {
	c.mu.Lock()
	if c.sess == s {
		c.sess = nil
	}
	closing := c.closing
	c.mu.Unlock()

	if closing {
		c.CloseTransport()
	}
}

func (c *Connection) IsClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Connection) CloseTransport() {
	c.conn.Close()
}

// UDPSender is the shared outbound UDP socket, wired in by the server at
// construction time so a Session can reach a device without opening its own
// socket per connection.
func (c *Connection) UDPSender() udp.Sender { return c.udpSender }

// DeliverUDP forwards a decoded ingress datagram to the live Session, if
// any. The Session itself validates the cookie and sequence.
func (c *Connection) DeliverUDP(peer *net.UDPAddr, header udp.Header, ciphertext []byte) {
	s := c.currentSession()
	if s == nil {
		return
	}
	s.HandleUDP(peer, header, ciphertext)
}

// checkKeepAlive is invoked by the sweeper at roughly 1 Hz. It intentionally
// compares against the literal keep-alive interval with no slack.
func (c *Connection) checkKeepAlive(now time.Time) {
	if c.state.Load() == int32(StateClosed) {
		return
	}
	c.mu.Lock()
	interval := c.keepAlive
	c.mu.Unlock()
	if interval <= 0 {
		return
	}

	last := time.Unix(0, c.lastActivity.Load())
	if now.Sub(last) > interval {
		c.logger.Info("[%s] keep-alive 超时，关闭连接 mac=%s", c.traceID, c.mac)
		c.Close()
	}
}

// CheckKeepAlive exposes checkKeepAlive to the sweeper package.
func (c *Connection) CheckKeepAlive(now time.Time) { c.checkKeepAlive(now) }

func (c *Connection) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(frame)
	return err
}

// Close tears the Connection down: marks it closing, closes any live
// Session (which will publish goodbye and, on teardown, close the
// transport), or closes the transport directly if there was none.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		sess := c.sess
		mac := c.mac
		c.mu.Unlock()

		c.state.Store(int32(StateClosed))

		if mac != "" {
			c.registry.Remove(mac, c)
		}

		if sess != nil {
			sess.Close()
			return
		}
		c.CloseTransport()
	})
}
