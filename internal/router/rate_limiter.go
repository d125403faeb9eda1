package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per connection. A bucket holds a full
// minute of quota and refills continuously.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewRateLimiter allows perMinute events per connection. Zero or less
// disables limiting.
func NewRateLimiter(perMinute int) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Inf,
	}
	if perMinute > 0 {
		rl.limit = rate.Every(time.Minute / time.Duration(perMinute))
		rl.burst = perMinute
	}
	return rl
}

// Allow reports whether id may spend one event at now.
func (rl *RateLimiter) Allow(id string, now time.Time) bool {
	if rl.limit == rate.Inf {
		return true
	}

	rl.mu.Lock()
	limiter, ok := rl.limiters[id]
	if !ok {
		limiter = rate.NewLimiter(rl.limit, rl.burst)
		rl.limiters[id] = limiter
	}
	rl.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Forget drops the bucket of a closed connection.
func (rl *RateLimiter) Forget(id string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.limiters, id)
}

// Len is the number of tracked connections.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}
