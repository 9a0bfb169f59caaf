package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opswire/socksgate/internal/logging"
	"github.com/opswire/socksgate/internal/metrics"
	"github.com/opswire/socksgate/internal/resolver"
)

// ServerConfig holds server configuration.
type ServerConfig struct {
	// Address to listen on (e.g., "0.0.0.0:1080")
	Address string

	// BufferSize is the per-direction relay buffer capacity.
	BufferSize int

	// MaxConnections limits concurrent sessions (0 = unlimited). It is
	// checked on TCP accept only: WebSocket sessions count toward it but
	// are never refused by it.
	MaxConnections int

	// ConnectTimeout for outbound connections
	ConnectTimeout time.Duration

	// RateLimit caps relay throughput per direction in bytes per second
	// (0 = unlimited)
	RateLimit int64

	// Resolver for target hostnames
	Resolver *resolver.Resolver

	// Dialer for making outbound connections
	Dialer Dialer

	// Logger for logging
	Logger *slog.Logger

	// Metrics collector
	Metrics *metrics.Metrics
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        "0.0.0.0:1080",
		BufferSize:     8192,
		MaxConnections: 0,
		ConnectTimeout: 30 * time.Second,
		Dialer:         &DirectDialer{},
	}
}

// Server is a SOCKS5 proxy server: it owns the accept loop and hands each
// accepted connection to a freshly constructed Session.
type Server struct {
	cfg      ServerConfig
	listener net.Listener
	logger   *slog.Logger

	// WebSocket listener (optional)
	wsListener *WebSocketListener

	registry *sessionRegistry

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a new SOCKS5 server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 8192
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &DirectDialer{}
	}
	if cfg.Resolver == nil {
		cfg.Resolver = resolver.New(resolver.DefaultConfig())
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Default()
	}

	return &Server{
		cfg:      cfg,
		logger:   cfg.Logger.With(logging.KeyComponent, "socks5"),
		registry: newSessionRegistry(),
		stopCh:   make(chan struct{}),
	}
}

// Start starts the SOCKS5 server.
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server already running")
	}

	lc := net.ListenConfig{Control: setSocketOptions}
	listener, err := lc.Listen(context.Background(), "tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Address, err)
	}

	s.listener = listener
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("server started", logging.KeyAddress, listener.Addr().String())

	return nil
}

// Stop stops the server and tears down all active sessions.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)

		if s.listener != nil {
			err = s.listener.Close()
		}

		// Close live sessions before shutting the WebSocket listener
		// down: its HTTP handlers only return once their sessions end.
		s.registry.closeAll()

		if s.wsListener != nil {
			s.wsListener.Stop()
		}

		s.logger.Info("server stopped")
	})

	s.wg.Wait()
	return err
}

// StopWithContext stops with a timeout.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- s.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the listening address.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of active sessions.
func (s *Server) ConnectionCount() int64 {
	return s.registry.active()
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// StartWebSocket starts a WebSocket listener that tunnels the same SOCKS5
// protocol over binary WebSocket messages.
func (s *Server) StartWebSocket(cfg WebSocketConfig) error {
	if s.wsListener != nil && s.wsListener.IsRunning() {
		return fmt.Errorf("WebSocket listener already running")
	}

	listener, err := NewWebSocketListener(cfg, s)
	if err != nil {
		return fmt.Errorf("create WebSocket listener: %w", err)
	}

	if err := listener.Start(); err != nil {
		return fmt.Errorf("start WebSocket listener: %w", err)
	}

	s.wsListener = listener
	return nil
}

// WebSocketAddress returns the WebSocket listener address, or empty if not running.
func (s *Server) WebSocketAddress() string {
	if s.wsListener == nil || !s.wsListener.IsRunning() {
		return ""
	}
	return s.wsListener.Address()
}

// acceptLoop accepts connections until the listener closes. Accept errors
// never terminate the loop while the server is running. Registration happens
// here, before the hand-off, so the connection limit check cannot be raced
// past by a burst of accepts.
func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("accept loop panic",
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()))
		}
	}()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn("accept error", logging.KeyError, err)
				continue
			}
		}

		if s.cfg.MaxConnections > 0 && s.registry.active() >= int64(s.cfg.MaxConnections) {
			s.logger.Warn("connection limit reached, rejecting",
				logging.KeyRemoteAddr, conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		id := s.registry.register(conn)
		s.wg.Add(1)
		go s.handleConn(id, conn)
	}
}

// handleConn runs a Session for one accepted TCP connection.
func (s *Server) handleConn(id uint32, conn net.Conn) {
	defer s.wg.Done()
	defer s.registry.release(id)

	s.runSession(id, conn)
}

// runSession constructs and runs the Session for a registered connection
// from any listener (TCP or WebSocket). A panicking session is contained
// here so it can never take down the accept loop or a sibling session.
func (s *Server) runSession(id uint32, conn net.Conn) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("session panic",
				logging.KeySessionID, id,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()))
			conn.Close()
		}
	}()

	s.cfg.Metrics.SessionsTotal.Inc()
	s.cfg.Metrics.SessionsActive.Inc()
	defer s.cfg.Metrics.SessionsActive.Dec()

	sess := NewSession(id, conn, SessionConfig{
		BufferSize:     s.cfg.BufferSize,
		ConnectTimeout: s.cfg.ConnectTimeout,
		RateLimit:      s.cfg.RateLimit,
		Resolver:       s.cfg.Resolver,
		Dialer:         s.cfg.Dialer,
		Logger:         s.cfg.Logger,
		Metrics:        s.cfg.Metrics,
	})
	sess.Run()
}
