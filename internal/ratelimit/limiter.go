// Package ratelimit provides the token-bucket rate limiting consumed by
// ingestion and the reflection pipeline.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Decision is the outcome of a limit check.
type Decision struct {
	OK         bool
	RetryAfter time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// KeyedLimiter applies an independent token bucket per key (owner).
// Idle buckets are dropped after a TTL so the map stays bounded.
type KeyedLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rps      rate.Limit
	burst    int
	ttl      time.Duration
	now      func() time.Time
}

// NewKeyedLimiter creates a per-key limiter allowing rps events per
// second with the given burst.
func NewKeyedLimiter(rps float64, burst int) *KeyedLimiter {
	return &KeyedLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(rps),
		burst:    burst,
		ttl:      10 * time.Minute,
		now:      time.Now,
	}
}

// Allow consumes one token from key's bucket.
func (l *KeyedLimiter) Allow(key string) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now

	l.sweepLocked(now)

	r := v.limiter.ReserveN(now, 1)
	if !r.OK() {
		return Decision{OK: false, RetryAfter: time.Second}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{OK: false, RetryAfter: delay}
	}
	return Decision{OK: true}
}

func (l *KeyedLimiter) sweepLocked(now time.Time) {
	for key, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.ttl {
			delete(l.visitors, key)
		}
	}
}

// TokenBudget is a single global bucket metered in tokens rather than
// requests, used to cap completion-call spend.
type TokenBudget struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// NewTokenBudget creates a budget refilling at tokensPerMinute with the
// given burst capacity.
func NewTokenBudget(tokensPerMinute, burst int) *TokenBudget {
	return &TokenBudget{
		limiter: rate.NewLimiter(rate.Limit(float64(tokensPerMinute)/60.0), burst),
		now:     time.Now,
	}
}

// AllowN consumes n tokens if the budget permits. When the budget is
// exhausted the caller is expected to skip the work, not fail the run.
func (b *TokenBudget) AllowN(n int) Decision {
	now := b.now()

	r := b.limiter.ReserveN(now, n)
	if !r.OK() {
		// n exceeds burst capacity; it can never be served.
		return Decision{OK: false, RetryAfter: -1}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{OK: false, RetryAfter: delay}
	}
	return Decision{OK: true}
}
