package routing

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is the process-local per-user token bucket §4.6 and §5
// describe, keyed by userId. Entries are never reaped; a user who never
// returns simply leaves one idle *rate.Limiter behind, which §5 explicitly
// accepts ("a stale-entry reaper is not required").
type RateLimiter struct {
	window time.Duration
	max    int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter builds an empty limiter registry allowing max requests per
// window, per user.
func NewRateLimiter(window time.Duration, max int) *RateLimiter {
	return &RateLimiter{window: window, max: max, limiters: make(map[string]*rate.Limiter)}
}

func (rl *RateLimiter) forUser(userID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	l, ok := rl.limiters[userID]
	if !ok {
		l = rate.NewLimiter(rate.Every(rl.window/time.Duration(rl.max)), rl.max)
		rl.limiters[userID] = l
	}
	return l
}

// Allow reports whether one more request for userID is permitted right
// now, plus the remaining bucket size and the time the bucket is back at
// full capacity, for the X-RateLimit-* response headers.
func (rl *RateLimiter) Allow(userID string) (allowed bool, remaining int, resetAt time.Time) {
	l := rl.forUser(userID)
	now := time.Now()
	allowed = l.AllowN(now, 1)

	remaining = int(l.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	if remaining > rl.max {
		remaining = rl.max
	}

	missing := rl.max - remaining
	resetAt = now.Add(time.Duration(missing) * (rl.window / time.Duration(rl.max)))
	return allowed, remaining, resetAt
}
