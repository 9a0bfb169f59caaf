package socks5

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/opswire/socksgate/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// pipeDialer hands out the server half of a net.Pipe and records the dialed
// address.
type pipeDialer struct {
	remote net.Conn
	dialed string
	err    error
}

func (d *pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.dialed = address
	local, remote := net.Pipe()
	d.remote = remote
	return local, nil
}

func testSessionConfig(d Dialer) SessionConfig {
	return SessionConfig{
		BufferSize: 8192,
		Dialer:     d,
		Metrics:    metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	}
}

func TestPhaseString(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseHandshakeRead, "handshake_read"},
		{PhaseHandshakeWrite, "handshake_write"},
		{PhaseRequestRead, "request_read"},
		{PhaseResolve, "resolve"},
		{PhaseConnect, "connect"},
		{PhaseReplyWrite, "reply_write"},
		{PhaseRelay, "relay"},
		{PhaseClosed, "closed"},
		{Phase(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", tt.phase, got, tt.want)
		}
	}
}

func TestNewSession_Defaults(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	sess := NewSession(42, server, SessionConfig{})
	if sess.ID() != 42 {
		t.Errorf("ID() = %d, want 42", sess.ID())
	}
	if sess.Phase() != PhaseHandshakeRead {
		t.Errorf("Phase() = %v, want HandshakeRead", sess.Phase())
	}
	if len(sess.inBuf) != 8192 || len(sess.outBuf) != 8192 {
		t.Errorf("buffer sizes = %d/%d, want 8192/8192", len(sess.inBuf), len(sess.outBuf))
	}
}

func TestSession_HandshakeNoAuth(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	dialer := &pipeDialer{}
	sess := NewSession(1, server, testSessionConfig(dialer))

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run()
	}()

	// Greeting: no-auth offered.
	client.Write([]byte{0x05, 0x01, 0x00})

	reply := make([]byte, 2)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read method selection: %v", err)
	}
	if !bytes.Equal(reply, []byte{0x05, 0x00}) {
		t.Errorf("method selection = % X, want 05 00", reply)
	}

	// Request: CONNECT 127.0.0.1:80.
	client.Write([]byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})

	connectReply := make([]byte, 10)
	if _, err := io.ReadFull(client, connectReply); err != nil {
		t.Fatalf("read connect reply: %v", err)
	}
	if connectReply[1] != ReplySucceeded {
		t.Errorf("REP = %#x, want 0", connectReply[1])
	}
	if dialer.dialed != "127.0.0.1:80" {
		t.Errorf("dialed = %q, want 127.0.0.1:80", dialer.dialed)
	}

	// net.Pipe addresses are not *net.TCPAddr, so the reply falls back to
	// the resolved endpoint.
	want := []byte{0x05, 0x00, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50}
	if !bytes.Equal(connectReply, want) {
		t.Errorf("reply = % X, want % X", connectReply, want)
	}

	// Relay a payload through both directions.
	go client.Write([]byte("ping"))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(dialer.remote, buf); err != nil {
		t.Fatalf("target read: %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("target received %q, want %q", buf, "ping")
	}

	go dialer.remote.Write([]byte("pong"))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if string(buf) != "pong" {
		t.Errorf("client received %q, want %q", buf, "pong")
	}

	// Closing the client ends the session and closes the target side.
	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate after client close")
	}

	if _, err := dialer.remote.Read(buf); err == nil {
		t.Error("target socket should be closed after session end")
	}
	if sess.Phase() != PhaseClosed {
		t.Errorf("Phase() = %v, want Closed", sess.Phase())
	}
}

func TestSession_NoAcceptableMethod(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	sess := NewSession(2, server, testSessionConfig(&pipeDialer{}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run()
	}()

	// Only GSSAPI offered.
	client.Write([]byte{0x05, 0x01, 0x01})

	reply := make([]byte, 2)
	if _, err := io.ReadFull(client, reply); err != nil {
		t.Fatalf("read method selection: %v", err)
	}
	if !bytes.Equal(reply, []byte{0x05, 0xFF}) {
		t.Errorf("method selection = % X, want 05 FF", reply)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after rejecting methods")
	}

	// The inbound socket must be closed.
	if _, err := client.Read(reply); err == nil {
		t.Error("client socket should be closed")
	}
}

func TestSession_WrongVersionCloses(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	sess := NewSession(3, server, testSessionConfig(&pipeDialer{}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run()
	}()

	client.Write([]byte{0x04, 0x01, 0x00})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close on bad version")
	}
}

func TestSession_UnsupportedCommand(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	sess := NewSession(4, server, testSessionConfig(&pipeDialer{}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run()
	}()

	client.Write([]byte{0x05, 0x01, 0x00})
	reply := make([]byte, 2)
	io.ReadFull(client, reply)

	// BIND request.
	client.Write([]byte{0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})

	cmdReply := make([]byte, 10)
	if _, err := io.ReadFull(client, cmdReply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if cmdReply[1] != ReplyCmdNotSupported {
		t.Errorf("REP = %#x, want %#x", cmdReply[1], ReplyCmdNotSupported)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after unsupported command")
	}
}

func TestSession_IPv6Rejected(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	sess := NewSession(5, server, testSessionConfig(&pipeDialer{}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run()
	}()

	client.Write([]byte{0x05, 0x01, 0x00})
	reply := make([]byte, 2)
	io.ReadFull(client, reply)

	// The session rejects the request after the 4-byte header, so the
	// remaining pipe write must not block this goroutine.
	req := append([]byte{0x05, 0x01, 0x00, 0x04}, make([]byte, 18)...)
	go client.Write(req)

	addrReply := make([]byte, 10)
	if _, err := io.ReadFull(client, addrReply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if addrReply[1] != ReplyAddrNotSupported {
		t.Errorf("REP = %#x, want %#x", addrReply[1], ReplyAddrNotSupported)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after IPv6 request")
	}
}

func TestSession_DialFailure(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	dialer := &pipeDialer{err: &net.OpError{Op: "dial", Err: io.ErrUnexpectedEOF}}
	sess := NewSession(6, server, testSessionConfig(dialer))

	done := make(chan struct{})
	go func() {
		defer close(done)
		sess.Run()
	}()

	client.Write([]byte{0x05, 0x01, 0x00})
	reply := make([]byte, 2)
	io.ReadFull(client, reply)

	client.Write([]byte{0x05, 0x01, 0x00, 0x01, 127, 0, 0, 1, 0x00, 0x50})

	failReply := make([]byte, 10)
	if _, err := io.ReadFull(client, failReply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if failReply[1] != ReplyHostUnreachable {
		t.Errorf("REP = %#x, want %#x", failReply[1], ReplyHostUnreachable)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close after dial failure")
	}
}
