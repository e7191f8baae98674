package api

import (
	"sync"

	"cinebook/internal/config"

	"golang.org/x/time/rate"
)

const defaultBurst = 5

// rateLimiter keeps one token bucket per client identity. Keys sharing a client name
// share a bucket, so rotating an API key does not reset the budget.
type rateLimiter struct {
	limit    rate.Limit
	burst    int
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newRateLimiter(cfg config.APIRateLimitConfig) *rateLimiter {
	burst := cfg.Burst
	if burst <= 0 {
		burst = defaultBurst
	}
	return &rateLimiter{
		limit:    rate.Limit(cfg.RPS),
		burst:    burst,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (l *rateLimiter) enabled() bool {
	return l.limit > 0
}

func (l *rateLimiter) allow(identity string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[identity]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[identity] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
