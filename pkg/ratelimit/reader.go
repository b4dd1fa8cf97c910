package ratelimit

import (
	"context"
	"io"
)

// Reader throttles an io.Reader through a Limiter
type Reader struct {
	ctx     context.Context
	reader  io.Reader
	limiter *Limiter
	observe func(waiting bool)
}

// NewReader wraps r; with a nil limiter r is returned unchanged
func NewReader(ctx context.Context, r io.Reader, limiter *Limiter) io.Reader {
	return NewObservedReader(ctx, r, limiter, nil)
}

// NewObservedReader is NewReader with observe called with true before and
// false after every wait for tokens
func NewObservedReader(ctx context.Context, r io.Reader, limiter *Limiter, observe func(waiting bool)) io.Reader {
	if limiter == nil {
		return r
	}
	return &Reader{ctx: ctx, reader: r, limiter: limiter, observe: observe}
}

// Read waits for tokens, then reads at most one bucket of data
func (r *Reader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	if int64(len(p)) > r.limiter.bucketSize {
		p = p[:r.limiter.bucketSize]
	}
	if r.observe != nil {
		r.observe(true)
	}
	err := r.limiter.Wait(r.ctx, int64(len(p)))
	if r.observe != nil {
		r.observe(false)
	}
	if err != nil {
		return 0, err
	}
	n, err := r.reader.Read(p)
	if n > 0 {
		r.limiter.consume(int64(n))
	}
	return n, err
}
