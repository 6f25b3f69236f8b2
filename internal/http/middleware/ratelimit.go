package middleware

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	visitorIdleTTL = 2 * time.Hour
	sweepInterval  = 5 * time.Minute
)

// RateLimiter keeps one token bucket per key. The webhook keys it by sender
// after the delivery signature has been verified.
type RateLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	limit     rate.Limit
	burst     int
	now       func() time.Time
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows rps events per second per key with the given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		visitors:  make(map[string]*visitor),
		limit:     rate.Limit(rps),
		burst:     burst,
		now:       time.Now,
		lastSweep: time.Now(),
	}
}

// Allow reports whether one more event for key fits within its bucket.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	now := rl.now()
	v, ok := rl.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	if now.Sub(rl.lastSweep) >= sweepInterval {
		rl.sweep(now)
	}
	rl.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

// Len reports how many buckets are tracked.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

func (rl *RateLimiter) sweep(now time.Time) {
	for key, v := range rl.visitors {
		if now.Sub(v.lastSeen) >= visitorIdleTTL {
			delete(rl.visitors, key)
		}
	}
	rl.lastSweep = now
}
