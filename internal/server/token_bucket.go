package server

import (
	"sync"
	"time"
)

// tokenBucket throttles inbound frames on a single connection. A connection
// starts with a full burst of tokens, each accepted frame spends one, and
// tokens flow back at burst-per-interval so sustained traffic settles at
// the configured rate. Sized from RateLimitConfig at connection setup.
type tokenBucket struct {
	mu     sync.Mutex
	tokens float64
	burst  float64
	perSec float64
	last   time.Time
}

// newTokenBucket sanitizes degenerate knobs to one token per second rather
// than producing a bucket that blocks every frame.
func newTokenBucket(burst int, interval time.Duration) *tokenBucket {
	if burst <= 0 {
		burst = 1
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &tokenBucket{
		tokens: float64(burst),
		burst:  float64(burst),
		perSec: float64(burst) / interval.Seconds(),
		last:   time.Now(),
	}
}

// take spends one token, reporting false when the bucket is empty.
func (b *tokenBucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.tokens += now.Sub(b.last).Seconds() * b.perSec
	b.last = now
	if b.tokens > b.burst {
		b.tokens = b.burst
	}

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}
