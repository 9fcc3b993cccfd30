package gateway

import (
	"context"
	"sync"
	"time"
)

// LocalRateLimiter is an in-process token bucket per user, used when Redis
// is not configured. Buckets refill continuously at requestsPerMinute.
type LocalRateLimiter struct {
	capacity   int
	refillRate time.Duration
	now        func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens        int
	lastRefreshed time.Time
	lastUsed      time.Time
}

// NewLocalRateLimiter creates a limiter allowing requestsPerMinute per user.
func NewLocalRateLimiter(requestsPerMinute int) *LocalRateLimiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 120
	}
	return &LocalRateLimiter{
		capacity:   requestsPerMinute,
		refillRate: time.Minute / time.Duration(requestsPerMinute),
		now:        time.Now,
		buckets:    make(map[string]*bucket),
	}
}

// Allow takes one token from the user's bucket.
func (r *LocalRateLimiter) Allow(_ context.Context, userID string) (bool, *RateLimitInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.buckets[userID]
	if !ok {
		b = &bucket{tokens: r.capacity, lastRefreshed: now}
		r.buckets[userID] = b
	}
	b.lastUsed = now

	if elapsed := now.Sub(b.lastRefreshed); elapsed >= r.refillRate {
		tokensToAdd := int(elapsed / r.refillRate)
		b.tokens = min(r.capacity, b.tokens+tokensToAdd)
		b.lastRefreshed = b.lastRefreshed.Add(time.Duration(tokensToAdd) * r.refillRate)
	}

	info := &RateLimitInfo{
		Limit:   int64(r.capacity),
		ResetAt: b.lastRefreshed.Add(r.refillRate).Unix(),
	}
	if b.tokens <= 0 {
		retry := b.lastRefreshed.Add(r.refillRate).Sub(now)
		info.RetryAfter = int64((retry + time.Second - 1) / time.Second)
		if info.RetryAfter < 1 {
			info.RetryAfter = 1
		}
		return false, info, nil
	}

	b.tokens--
	info.Remaining = int64(b.tokens)
	return true, info, nil
}

// Prune forgets buckets idle for longer than idle.
func (r *LocalRateLimiter) Prune(idle time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-idle)
	removed := 0
	for id, b := range r.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(r.buckets, id)
			removed++
		}
	}
	return removed
}
