package socks5

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
)

// WebSocketConfig configures the WebSocket SOCKS5 listener.
type WebSocketConfig struct {
	// Address to listen on (e.g., "127.0.0.1:8443")
	Address string

	// Path for WebSocket upgrade (default: "/socks5")
	Path string

	// TLSConfig for TLS termination (nil requires PlainText: true)
	TLSConfig *tls.Config

	// PlainText allows running without TLS, for use behind a
	// TLS-terminating reverse proxy
	PlainText bool

	// OnError is called when the server encounters an error after
	// starting. Optional.
	OnError func(err error)
}

// wsSubprotocol is the negotiated WebSocket subprotocol carrying SOCKS5.
const wsSubprotocol = "socks5"

// WebSocketListener accepts SOCKS5 connections tunneled over WebSocket.
// Its sessions live in the server's registry alongside the TCP ones, sharing
// the same id space; the listener itself only counts them.
type WebSocketListener struct {
	cfg    WebSocketConfig
	server *Server
	httpd  *http.Server

	// Actual listener address (set after binding)
	addr net.Addr

	conns atomic.Int64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewWebSocketListener creates a new WebSocket SOCKS5 listener feeding
// sessions into the given server.
func NewWebSocketListener(cfg WebSocketConfig, server *Server) (*WebSocketListener, error) {
	if cfg.TLSConfig == nil && !cfg.PlainText {
		return nil, fmt.Errorf("TLS config required (use PlainText: true for reverse proxy mode)")
	}

	if cfg.Path == "" {
		cfg.Path = "/socks5"
	}

	return &WebSocketListener{
		cfg:    cfg,
		server: server,
		stopCh: make(chan struct{}),
	}, nil
}

// Start starts the WebSocket listener.
func (l *WebSocketListener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("listener already running")
	}

	mux := http.NewServeMux()
	mux.HandleFunc(l.cfg.Path, l.handleWebSocket)

	l.httpd = &http.Server{
		Addr:      l.cfg.Address,
		Handler:   mux,
		TLSConfig: l.cfg.TLSConfig,
	}

	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	l.addr = ln.Addr()
	l.running.Store(true)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		var serveErr error
		if l.cfg.TLSConfig != nil {
			serveErr = l.httpd.ServeTLS(ln, "", "")
		} else {
			serveErr = l.httpd.Serve(ln)
		}

		if serveErr != nil && serveErr != http.ErrServerClosed {
			if l.cfg.OnError != nil {
				l.cfg.OnError(serveErr)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the listener. The server closes the registered
// sessions before calling this, so the blocked upgrade handlers have already
// unwound by the time Shutdown waits on them.
func (l *WebSocketListener) Stop() error {
	if !l.running.Swap(false) {
		return nil
	}

	close(l.stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	l.httpd.Shutdown(ctx)

	l.wg.Wait()
	return nil
}

// Address returns the actual listening address.
func (l *WebSocketListener) Address() string {
	if l.addr != nil {
		return l.addr.String()
	}
	return l.cfg.Address
}

// ConnectionCount returns the number of active WebSocket SOCKS5 connections.
func (l *WebSocketListener) ConnectionCount() int64 {
	return l.conns.Load()
}

// IsRunning returns true if the listener is running.
func (l *WebSocketListener) IsRunning() bool {
	return l.running.Load()
}

// handleWebSocket upgrades the request and runs the SOCKS5 session over it.
// The handler must block for the lifetime of the WebSocket connection: the
// upgrade library closes the connection once the HTTP handler returns.
func (l *WebSocketListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return
	}

	// Reject clients that did not negotiate the expected subprotocol.
	if conn.Subprotocol() != wsSubprotocol {
		conn.Close(websocket.StatusProtocolError, "socks5 subprotocol required")
		return
	}

	wc := newWsConn(conn)

	l.conns.Add(1)
	l.wg.Add(1)
	defer l.wg.Done()
	defer l.conns.Add(-1)
	defer wc.Close()

	id := l.server.registry.register(wc)
	defer l.server.registry.release(id)

	l.server.runSession(id, wc)
}

// wsConn wraps websocket.Conn to implement net.Conn. SOCKS5 frames and
// relayed bytes travel as binary messages; message boundaries are not
// preserved across Read calls, matching stream semantics.
type wsConn struct {
	conn       *websocket.Conn
	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu             sync.RWMutex
	deadlineCtx    context.Context
	deadlineCancel context.CancelFunc

	readMu sync.Mutex
	reader io.Reader
}

func newWsConn(conn *websocket.Conn) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsConn{
		conn:       conn,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// getContext returns a context for the current operation, respecting any deadline.
func (c *wsConn) getContext() context.Context {
	c.mu.RLock()
	ctx := c.deadlineCtx
	c.mu.RUnlock()

	if ctx != nil {
		return ctx
	}
	return c.baseCtx
}

// Read reads data from the WebSocket connection.
func (c *wsConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	// Drain any partially consumed message first.
	if c.reader != nil {
		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			// Fall through to read the next message.
		} else {
			return n, err
		}
	}

	ctx := c.getContext()

	msgType, reader, err := c.conn.Reader(ctx)
	if err != nil {
		return 0, c.translateError(err)
	}

	if msgType != websocket.MessageBinary {
		return 0, fmt.Errorf("unexpected message type: %v", msgType)
	}

	n, err := reader.Read(b)
	if err == io.EOF {
		return n, nil
	}
	if err != nil {
		return n, err
	}

	// Message larger than b; keep the reader for the next call.
	c.reader = reader
	return n, nil
}

// Write writes data as a binary WebSocket message.
func (c *wsConn) Write(b []byte) (int, error) {
	err := c.conn.Write(c.getContext(), websocket.MessageBinary, b)
	if err != nil {
		return 0, c.translateError(err)
	}
	return len(b), nil
}

// Close closes the WebSocket connection.
func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.deadlineCancel != nil {
		c.deadlineCancel()
	}
	c.mu.Unlock()

	c.baseCancel()
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// LocalAddr returns nil; the WebSocket library does not expose the
// underlying TCP address. Callers handle nil gracefully.
func (c *wsConn) LocalAddr() net.Addr {
	return nil
}

// RemoteAddr returns nil; the WebSocket library does not expose the
// underlying TCP address. Callers handle nil gracefully.
func (c *wsConn) RemoteAddr() net.Addr {
	return nil
}

// SetDeadline sets both read and write deadlines.
func (c *wsConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deadlineCancel != nil {
		c.deadlineCancel()
		c.deadlineCancel = nil
		c.deadlineCtx = nil
	}

	if !t.IsZero() {
		c.deadlineCtx, c.deadlineCancel = context.WithDeadline(c.baseCtx, t)
	}

	return nil
}

// SetReadDeadline delegates to SetDeadline.
func (c *wsConn) SetReadDeadline(t time.Time) error { return c.SetDeadline(t) }

// SetWriteDeadline delegates to SetDeadline.
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.SetDeadline(t) }

// wsTimeoutError implements net.Error for WebSocket deadline timeouts.
type wsTimeoutError struct {
	err error
}

func (e *wsTimeoutError) Error() string   { return e.err.Error() }
func (e *wsTimeoutError) Timeout() bool   { return true }
func (e *wsTimeoutError) Temporary() bool { return true }

// translateError converts WebSocket-specific errors to standard net errors.
// Close statuses become io.EOF; context expiry becomes a net.Error timeout
// so deadline-aware callers behave the same as they do on TCP.
func (c *wsConn) translateError(err error) error {
	if websocket.CloseStatus(err) != -1 {
		return io.EOF
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &wsTimeoutError{err: err}
	}
	return err
}
