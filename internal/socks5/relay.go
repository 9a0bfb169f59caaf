package socks5

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/opswire/socksgate/internal/metrics"
	"github.com/opswire/socksgate/internal/ratelimit"
)

// relay runs the two directional copy loops until both complete. Either
// direction's read error, write error, or end-of-stream tears down both
// sockets, which unwinds the peer direction.
func (s *Session) relay() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type result struct {
		n   int64
		err error
	}

	c2t := make(chan result, 1)
	t2c := make(chan result, 1)

	go func() {
		n, err := s.copyDirection(ctx, s.outbound, s.inbound, s.inBuf, metrics.DirClientToTarget)
		c2t <- result{n, err}
	}()

	go func() {
		n, err := s.copyDirection(ctx, s.inbound, s.outbound, s.outBuf, metrics.DirTargetToClient)
		t2c <- result{n, err}
	}()

	sent := <-c2t
	received := <-t2c

	if isRelayError(sent.err) || isRelayError(received.err) {
		s.metrics.RelayErrors.Inc()
	}

	s.logRelayDone(sent.n, received.n)
}

// copyDirection shuttles bytes one way: read at most one buffer's worth,
// write all of it, repeat. On completion it half-closes the destination when
// supported, then closes both sockets so the peer direction terminates too.
func (s *Session) copyDirection(ctx context.Context, dst, src net.Conn, buf []byte, direction string) (int64, error) {
	var w io.Writer = dst
	if s.rateLimit > 0 {
		w = ratelimit.NewWriter(ctx, dst, s.rateLimit, len(buf))
	}

	n, err := copyLoop(w, src, buf)
	s.metrics.BytesRelayed.WithLabelValues(direction).Add(float64(n))

	if err != nil {
		s.logger.Debug("relay direction failed",
			"direction", direction,
			"error", err)
	}

	// Flush a FIN toward the destination first so a well-behaved peer
	// sees a clean end-of-stream before the hard close lands.
	if hc, ok := dst.(halfCloser); ok {
		hc.CloseWrite()
	}
	s.inbound.Close()
	s.outbound.Close()

	return n, err
}

// copyLoop is the per-direction progress engine: each iteration reads once
// into buf and writes exactly the bytes read before reading again. A read
// returning io.EOF ends the direction without error.
func copyLoop(dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if w < n {
				return written, io.ErrShortWrite
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return written, nil
			}
			return written, rerr
		}
	}
}

// isRelayError reports whether a direction ended with a genuine failure
// rather than EOF or the expected teardown of an already-closed socket.
func isRelayError(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, net.ErrClosed)
}
