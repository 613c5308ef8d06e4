package relay

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter hands out one token bucket per key (a signer address or a peer host)
type RateLimiter struct {
	limiters map[string]*bucket
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

// NewRateLimiter creates a limiter allowing perSecond requests per key with the given burst.
// A zero rate disables limiting.
func NewRateLimiter(perSecond float64, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*bucket),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		now:      time.Now,
	}
}

// Allow reports whether key may make another request now
func (rl *RateLimiter) Allow(key string) bool {
	if rl == nil || rl.rate <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.limiters[key]
	if !exists {
		b = &bucket{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// Cleanup trims the map to at most max keys. Refilled buckets are dropped first,
// then the least recently seen keys one at a time.
func (rl *RateLimiter) Cleanup(max int) {
	if rl == nil {
		return
	}
	if max < 0 {
		max = 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if len(rl.limiters) <= max {
		return
	}

	now := rl.now()
	for key, b := range rl.limiters {
		if b.limiter.TokensAt(now) >= float64(rl.burst) {
			delete(rl.limiters, key)
		}
	}
	if len(rl.limiters) <= max {
		return
	}

	keys := make([]string, 0, len(rl.limiters))
	for key := range rl.limiters {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		return rl.limiters[keys[i]].lastSeen.Before(rl.limiters[keys[j]].lastSeen)
	})
	for _, key := range keys[:len(keys)-max] {
		delete(rl.limiters, key)
	}
}
