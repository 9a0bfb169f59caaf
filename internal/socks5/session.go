package socks5

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/opswire/socksgate/internal/logging"
	"github.com/opswire/socksgate/internal/metrics"
	"github.com/opswire/socksgate/internal/resolver"
)

// Phase identifies where a session is in its lifecycle. Phases before Relay
// are strictly serial; Relay runs the two directional copy loops.
type Phase uint8

// Session phases.
const (
	PhaseHandshakeRead Phase = iota
	PhaseHandshakeWrite
	PhaseRequestRead
	PhaseResolve
	PhaseConnect
	PhaseReplyWrite
	PhaseRelay
	PhaseClosed
)

// String returns the phase name for logging.
func (p Phase) String() string {
	switch p {
	case PhaseHandshakeRead:
		return "handshake_read"
	case PhaseHandshakeWrite:
		return "handshake_write"
	case PhaseRequestRead:
		return "request_read"
	case PhaseResolve:
		return "resolve"
	case PhaseConnect:
		return "connect"
	case PhaseReplyWrite:
		return "reply_write"
	case PhaseRelay:
		return "relay"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session drives one accepted client connection from SOCKS5 negotiation
// through the bidirectional relay. It exclusively owns the inbound socket,
// the outbound socket once connected, and its two relay buffers.
type Session struct {
	id       uint32
	inbound  net.Conn
	outbound net.Conn

	resolver *resolver.Resolver
	dialer   Dialer

	// inBuf doubles as scratch for negotiation framing and carries the
	// client-to-target direction during relay; outBuf carries
	// target-to-client.
	inBuf  []byte
	outBuf []byte

	remoteHost string
	remotePort string

	phase Phase

	connectTimeout time.Duration
	rateLimit      int64

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// SessionConfig carries the shared collaborators a Session needs.
type SessionConfig struct {
	BufferSize     int
	ConnectTimeout time.Duration
	RateLimit      int64
	Resolver       *resolver.Resolver
	Dialer         Dialer
	Logger         *slog.Logger
	Metrics        *metrics.Metrics
}

// NewSession creates a session for an accepted inbound connection.
func NewSession(id uint32, inbound net.Conn, cfg SessionConfig) *Session {
	bufSize := cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 8192
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &DirectDialer{}
	}
	res := cfg.Resolver
	if res == nil {
		res = resolver.New(resolver.DefaultConfig())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}

	return &Session{
		id:             id,
		inbound:        inbound,
		resolver:       res,
		dialer:         dialer,
		inBuf:          make([]byte, bufSize),
		outBuf:         make([]byte, bufSize),
		phase:          PhaseHandshakeRead,
		connectTimeout: cfg.ConnectTimeout,
		rateLimit:      cfg.RateLimit,
		logger:         logger.With(logging.KeySessionID, id),
		metrics:        m,
	}
}

// ID returns the session identifier.
func (s *Session) ID() uint32 {
	return s.id
}

// Phase returns the session's current phase.
func (s *Session) Phase() Phase {
	return s.phase
}

// Run executes the session to completion: negotiation, outbound connect,
// then relay. It closes both sockets before returning.
func (s *Session) Run() {
	defer s.close()

	if !s.negotiate() {
		return
	}
	if !s.establish() {
		return
	}

	s.phase = PhaseRelay
	s.relay()
}

// negotiate performs the method-selection handshake. Returns false when the
// session must close.
func (s *Session) negotiate() bool {
	selected, err := readGreeting(s.inbound, s.inBuf)
	if err != nil {
		s.failHandshake("greeting", err)
		return false
	}

	// Store the selected method next to the version byte and echo the
	// 2-byte selection from the same scratch buffer.
	s.phase = PhaseHandshakeWrite
	s.inBuf[0] = Version
	s.inBuf[1] = selected
	if _, err := s.inbound.Write(s.inBuf[:2]); err != nil {
		s.failHandshake("greeting_write", err)
		return false
	}

	if selected == MethodNoAcceptable {
		s.logger.Warn("no acceptable authentication method offered")
		s.metrics.HandshakeErrors.WithLabelValues("method").Inc()
		return false
	}

	return true
}

// establish reads the request, resolves the target, connects, and sends the
// success reply. Returns false when the session must close.
func (s *Session) establish() bool {
	s.phase = PhaseRequestRead
	req, err := readRequest(s.inbound, s.inBuf)
	if err != nil {
		if req != nil && req.AddrType != AddrTypeIPv4 && req.AddrType != AddrTypeDomain {
			writeReply(s.inbound, s.inBuf, ReplyAddrNotSupported, nil, 0)
		}
		s.failHandshake("request", err)
		return false
	}
	if req.Command != CmdConnect {
		writeReply(s.inbound, s.inBuf, ReplyCmdNotSupported, nil, 0)
		s.logger.Warn("unsupported command", "command", req.Command)
		s.metrics.HandshakeErrors.WithLabelValues("command").Inc()
		return false
	}

	s.remoteHost = req.DestHost
	s.remotePort = strconv.Itoa(int(req.DestPort))

	s.phase = PhaseResolve
	dnsStart := time.Now()
	ip, err := s.resolver.Resolve(context.Background(), s.remoteHost)
	if err != nil {
		writeReply(s.inbound, s.inBuf, ReplyHostUnreachable, nil, 0)
		s.logger.Warn("failed to resolve target",
			logging.KeyTarget, net.JoinHostPort(s.remoteHost, s.remotePort),
			logging.KeyError, err)
		s.metrics.HandshakeErrors.WithLabelValues("resolve").Inc()
		return false
	}
	s.metrics.DNSLatency.Observe(time.Since(dnsStart).Seconds())

	s.phase = PhaseConnect
	ctx := context.Background()
	if s.connectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.connectTimeout)
		defer cancel()
	}

	dialStart := time.Now()
	target, err := s.dialer.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), s.remotePort))
	if err != nil {
		writeReply(s.inbound, s.inBuf, mapErrorToReply(err), nil, 0)
		s.logger.Warn("failed to connect",
			logging.KeyTarget, net.JoinHostPort(s.remoteHost, s.remotePort),
			logging.KeyError, err)
		s.metrics.DialErrors.Inc()
		return false
	}
	s.metrics.DialLatency.Observe(time.Since(dialStart).Seconds())
	s.outbound = target

	s.logger.Info("connected",
		logging.KeyTarget, net.JoinHostPort(s.remoteHost, s.remotePort))

	// The reply reports the outbound socket's remote endpoint. Most
	// clients ignore BND.ADDR for CONNECT, and the target endpoint is
	// more useful in captures than the proxy's ephemeral bound address.
	s.phase = PhaseReplyWrite
	bindIP, bindPort := ip, req.DestPort
	if tcpAddr, ok := target.RemoteAddr().(*net.TCPAddr); ok {
		bindIP, bindPort = tcpAddr.IP, uint16(tcpAddr.Port)
	}
	if err := writeReply(s.inbound, s.inBuf, ReplySucceeded, bindIP, bindPort); err != nil {
		s.failHandshake("reply_write", err)
		return false
	}

	// Negotiation deadlines (if any) must not outlive the handshake;
	// relayed connections stay open indefinitely.
	s.inbound.SetDeadline(time.Time{})
	s.outbound.SetDeadline(time.Time{})

	return true
}

// failHandshake logs a pre-relay failure once and records it.
func (s *Session) failHandshake(reason string, err error) {
	s.logger.Warn("negotiation failed",
		logging.KeyPhase, s.phase.String(),
		logging.KeyError, err)
	s.metrics.HandshakeErrors.WithLabelValues(reason).Inc()
}

// close releases both sockets. Safe to call when the outbound connect never
// happened.
func (s *Session) close() {
	s.phase = PhaseClosed
	s.inbound.Close()
	if s.outbound != nil {
		s.outbound.Close()
	}
}

// logRelayDone emits the end-of-session summary.
func (s *Session) logRelayDone(sent, received int64) {
	s.logger.Info("session closed",
		logging.KeyTarget, net.JoinHostPort(s.remoteHost, s.remotePort),
		"sent", humanize.Bytes(uint64(sent)),
		"received", humanize.Bytes(uint64(received)))
}
