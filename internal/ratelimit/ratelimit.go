// Package ratelimit throttles relay directions with a token bucket.
package ratelimit

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// Writer caps the throughput of one relay direction. The relay hands it at
// most one buffer's worth of bytes per Write, so the bucket's burst is sized
// to the session buffer and each chunk is paid for with a single wait before
// the bytes move. That wait is also what stalls the direction's reader: the
// relay loop does not read again until the write returns.
type Writer struct {
	w       io.Writer
	limiter *rate.Limiter
	ctx     context.Context
}

// NewWriter wraps w so at most bytesPerSecond bytes pass per second. burst
// must be the largest single Write the caller will issue — for a relay
// direction, its buffer size. A zero or negative rate returns w unwrapped.
func NewWriter(ctx context.Context, w io.Writer, bytesPerSecond int64, burst int) io.Writer {
	if bytesPerSecond <= 0 {
		return w
	}
	if burst < 1 {
		burst = 1
	}

	return &Writer{
		w:       w,
		limiter: rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
		ctx:     ctx,
	}
}

// Write waits until the whole chunk fits the budget, then writes it in one
// piece. A chunk larger than the configured burst violates the constructor
// contract and fails with the limiter's error, tearing the direction down.
func (w *Writer) Write(p []byte) (int, error) {
	if err := w.limiter.WaitN(w.ctx, len(p)); err != nil {
		return 0, err
	}
	return w.w.Write(p)
}
