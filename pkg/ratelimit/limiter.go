// Package ratelimit caps transfer throughput with a token bucket shared
// by every stream of a job.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// minBucket keeps the burst large enough for whole SFTP packets
const minBucket = 64 * 1024

// Limiter is a token bucket measured in bytes. A nil *Limiter never limits.
type Limiter struct {
	bytesPerSecond int64
	bucketSize     int64

	mu         sync.Mutex
	tokens     int64
	lastUpdate time.Time
}

// NewLimiter returns a limiter for bytesPerSecond, or nil when the rate is
// not positive. The bucket holds one second of data and starts full.
func NewLimiter(bytesPerSecond int64) *Limiter {
	if bytesPerSecond <= 0 {
		return nil
	}
	bucketSize := bytesPerSecond
	if bucketSize < minBucket {
		bucketSize = minBucket
	}
	return &Limiter{
		bytesPerSecond: bytesPerSecond,
		bucketSize:     bucketSize,
		tokens:         bucketSize,
		lastUpdate:     time.Now(),
	}
}

// Rate returns the configured bytes per second, 0 for a nil limiter
func (l *Limiter) Rate() int64 {
	if l == nil {
		return 0
	}
	return l.bytesPerSecond
}

// Wait blocks until n bytes may pass or ctx is done. Requests larger than
// the bucket are capped at the bucket size.
func (l *Limiter) Wait(ctx context.Context, n int64) error {
	if l == nil {
		return nil
	}
	if n > l.bucketSize {
		n = l.bucketSize
	}
	for {
		l.mu.Lock()
		l.refill(time.Now())
		if l.tokens >= n {
			l.mu.Unlock()
			return nil
		}
		deficit := n - l.tokens
		l.mu.Unlock()

		wait := time.Duration(float64(deficit) / float64(l.bytesPerSecond) * float64(time.Second))
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// consume removes n tokens after bytes were actually moved
func (l *Limiter) consume(n int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tokens -= n
	if l.tokens < 0 {
		l.tokens = 0
	}
}

// refill adds the tokens earned since the last update. Caller holds l.mu.
func (l *Limiter) refill(now time.Time) {
	earned := int64(float64(now.Sub(l.lastUpdate)) / float64(time.Second) * float64(l.bytesPerSecond))
	if earned <= 0 {
		return
	}
	l.tokens += earned
	if l.tokens > l.bucketSize {
		l.tokens = l.bucketSize
	}
	l.lastUpdate = now
}
