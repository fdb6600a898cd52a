// Package ratelimit throttles admin API calls per operator with a token
// bucket. No background goroutines; buckets refill lazily on each Allow call.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when an operator has exhausted their bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited (Allow always succeeds).
	BurstSize         int // Maximum tokens in a bucket. 0 = defaults to RequestsPerMinute.
}

// Limiter holds one token bucket per operator, so a chatty operator can
// never exhaust another's quota. Safe for concurrent use.
type Limiter struct {
	mu        sync.Mutex
	operators map[string]*bucket
	rate      float64 // tokens per second
	burst     float64 // bucket capacity
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a limiter. With RequestsPerMinute 0 every call is
// admitted.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		operators: make(map[string]*bucket),
		rate:      float64(cfg.RequestsPerMinute) / 60.0,
		burst:     float64(burst),
	}
}

// Allow consumes one token from the operator's bucket, refilling it first
// for the time elapsed since the last call. Returns ErrRateLimited when the
// bucket is empty.
func (l *Limiter) Allow(operatorID string) error {
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.operators[operatorID]
	if !ok {
		// An operator's first request starts from a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.operators[operatorID] = b
	}

	b.tokens += now.Sub(b.lastFill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}
