// Package ratelimit implements the Rate Limiter (§4.3): a three-axis
// token bucket (per-minute, per-hour, burst) per connection, with
// per-message-type overrides, global ceilings, violation counting and
// penalty windows.
//
// Grounded on control_plane/scheduler/limiter.go's TokenBucketLimiter
// (golang.org/x/time/rate wrapped per key), generalized from one axis
// to three and from a bare Allow/Reserve to the policy layer described
// in §4.3.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter wraps golang.org/x/time/rate.Limiter, one bucket
// per key, exactly as in the teacher's scheduler/limiter.go.
type TokenBucketLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	r        rate.Limit
	b        int
}

func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	return &TokenBucketLimiter{
		limiters: make(map[string]*rate.Limiter),
		r:        rate.Limit(r),
		b:        b,
	}
}

func (l *TokenBucketLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiterFor(key).Allow()
}

// Reserve checks permission and returns a delay if the limit is
// exceeded, cancelling the reservation so it never actually consumes a
// token when denied.
func (l *TokenBucketLimiter) Reserve(key string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r := l.limiterFor(key).Reserve()
	if delay := r.Delay(); delay > 0 {
		r.Cancel()
		return false, delay
	}
	return true, 0
}

func (l *TokenBucketLimiter) limiterFor(key string) *rate.Limiter {
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.r, l.b)
		l.limiters[key] = lim
	}
	return lim
}

// removeIdle drops buckets whose key hasn't been touched; called from
// the periodic cleanup sweep (§4.3: "cleanup sweep removes expired
// per-type counters every minute").
func (l *TokenBucketLimiter) removeAll(keys []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range keys {
		delete(l.limiters, k)
	}
}

func (l *TokenBucketLimiter) keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.limiters))
	for k := range l.limiters {
		out = append(out, k)
	}
	return out
}
