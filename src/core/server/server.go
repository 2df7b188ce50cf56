// Package server wires the gateway's listeners, sweeper, and admin
// collaborator into one coordinated lifecycle, using the same
// Start/Stop pairing idiom as the rest of this module's transports,
// generalized from an outbound-broker client into the TCP+UDP acceptor
// this gateway itself terminates.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/dhso/xiaozhi-mqtt-gateway/src/configs"
	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/connection"
	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/registry"
	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/session"
	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/udp"
	"github.com/dhso/xiaozhi-mqtt-gateway/src/core/utils"
	"github.com/dhso/xiaozhi-mqtt-gateway/src/httpsvr/admin"
)

// Server owns the gateway's TCP listener, UDP socket, device registry,
// keep-alive sweeper, and admin HTTP collaborator.
type Server struct {
	cfgManager *configs.Manager
	logger     *utils.Logger

	registry   *registry.Registry
	sweeper    *connection.Sweeper
	builder    *session.Builder
	correlator *admin.Correlator
	admin      *admin.Server
	recorder   *session.Recorder

	tcpListener net.Listener
	udpConn     *net.UDPConn
	mux         *udp.Mux
}

// New assembles every collaborator but does not yet bind a socket.
func New(cfgManager *configs.Manager, logger *utils.Logger) (*Server, error) {
	cfg := cfgManager.Current()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	rdbTTL := time.Duration(cfg.Redis.TTLSecs) * time.Second

	reg, err := registry.New(cfg.BboltDBPath, rdb, rdbTTL, logger)
	if err != nil {
		return nil, fmt.Errorf("server: opening registry: %w", err)
	}

	var recorder *session.Recorder
	if cfg.Recorder.Enabled {
		recorder, err = session.OpenRecorder(cfg.Recorder.DSN, logger)
		if err != nil {
			return nil, fmt.Errorf("server: opening session recorder: %w", err)
		}
	}

	selector := session.NewSelector(cfgManager.Current)
	builder := &session.Builder{
		Selector:         selector,
		Recorder:         recorder,
		Logger:           logger,
		AuthToken:        cfg.Session.UpstreamAuthToken,
		PublicIP:         cfg.PublicIP,
		UDPPort:          cfg.UDPPort,
		LogInvalidCookie: func() bool { return cfgManager.Current().LogInvalidCookie },
	}

	correlator := admin.NewCorrelator()
	sweeper := connection.NewSweeper(reg, time.Second, logger)

	s := &Server{
		cfgManager: cfgManager,
		logger:     logger,
		registry:   reg,
		sweeper:    sweeper,
		builder:    builder,
		correlator: correlator,
		recorder:   recorder,
	}

	s.mux = udp.NewMux(s.lookupTarget, logger)

	if cfg.Admin.Enabled {
		s.admin = admin.NewServer(cfg.Admin.Addr, (*core)(s), correlator, cfg.SignatureKey, logger)
	}

	return s, nil
}

// lookupTarget adapts the registry's MAC -> Conn map to udp.Lookup: the
// registry's value is registry.Conn, but the mux only cares that it can
// be asked to deliver a datagram.
func (s *Server) lookupTarget(mac string) (udp.Target, bool) {
	conn, ok := s.registry.Get(mac)
	if !ok {
		return nil, false
	}
	target, ok := conn.(udp.Target)
	return target, ok
}

// Run starts the TCP listener, UDP socket, sweeper, and admin server as
// one errgroup: a fatal error in any one triggers coordinated shutdown
// of the rest.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfgManager.Current()

	tcpAddr := fmt.Sprintf(":%d", cfg.MqttPort)
	ln, err := net.Listen("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("server: listening tcp %s: %w", tcpAddr, err)
	}
	s.tcpListener = ln

	udpAddr := &net.UDPAddr{IP: net.IPv4zero, Port: cfg.UDPPort}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		ln.Close()
		return fmt.Errorf("server: listening udp %s: %w", udpAddr, err)
	}
	s.udpConn = udpConn

	s.logger.Info("pub/sub 监听 %s, UDP 监听 %s", tcpAddr, udpAddr)

	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error { return s.acceptTCP(gctx) })
	group.Go(func() error { return s.readUDP(gctx) })
	group.Go(func() error { s.sweeper.Run(gctx); return nil })
	if s.admin != nil {
		group.Go(func() error {
			err := s.admin.Start()
			if err != nil && gctx.Err() == nil {
				return fmt.Errorf("admin http server: %w", err)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-gctx.Done()
		s.shutdownListeners()
		return nil
	})

	return group.Wait()
}

// shutdownListeners closes every live Connection first (which publishes
// each Session's goodbye over its still-open socket), gives that ~300ms
// to flush, then closes the listeners so no new work can start.
func (s *Server) shutdownListeners() {
	s.registry.Iterate(func(mac string, conn registry.Conn) {
		conn.Close()
	})
	time.Sleep(300 * time.Millisecond)

	if s.admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		s.admin.Shutdown(shutdownCtx)
	}
	if s.tcpListener != nil {
		s.tcpListener.Close()
	}
	if s.udpConn != nil {
		s.udpConn.Close()
	}
}

func (s *Server) acceptTCP(ctx context.Context) error {
	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Warn("接受连接失败: %v", err)
			continue
		}
		go s.serveConn(conn)
	}
}

func (s *Server) serveConn(conn net.Conn) {
	cfg := s.cfgManager.Current()
	drain := time.Duration(cfg.Session.ReplacementDrainMillis) * time.Millisecond

	c := connection.New(conn, s.registry, s.builder.New, s.correlator, drain, s.udpConn, s.logger)
	c.Run()
}

func (s *Server) readUDP(ctx context.Context) error {
	buf := make([]byte, 65535)
	for {
		n, peer, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("UDP 读取失败: %v", err)
			return fmt.Errorf("server: udp read: %w", err)
		}
		datagram := make([]byte, n)
		copy(datagram, buf[:n])
		s.mux.HandleDatagram(peer, datagram)
	}
}

// Close releases collaborators that outlive a single Run call.
func (s *Server) Close() error {
	if s.recorder != nil {
		s.recorder.Close()
	}
	return s.registry.Close()
}

// core adapts *Server to admin.Core without exposing the rest of
// Server's surface to the admin package.
type core Server

func (c *core) PublishToDevice(mac string, payload []byte) error {
	conn, ok := (*Server)(c).registry.Get(mac)
	if !ok {
		return fmt.Errorf("server: device %s not registered", mac)
	}
	publisher, ok := conn.(interface{ PublishReply([]byte) error })
	if !ok {
		return fmt.Errorf("server: device %s connection cannot publish", mac)
	}
	return publisher.PublishReply(payload)
}

func (c *core) IsAlive(mac string) bool {
	return (*Server)(c).registry.IsAlive(mac)
}
