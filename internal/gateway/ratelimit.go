package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ArunRamesh-GITHUB/interview-app-sub000/pkg/cache"
	"go.uber.org/zap"
)

// RateLimitInfo contains rate limit information for response headers
type RateLimitInfo struct {
	// Limit is the maximum number of requests allowed per window
	Limit int64
	// Remaining is the number of requests remaining in the current window
	Remaining int64
	// ResetAt is the Unix timestamp when the window resets
	ResetAt int64
	// RetryAfter is the number of seconds to wait before retrying (only set when limited)
	RetryAfter int64
}

// Limiter decides whether a user may make another request.
type Limiter interface {
	Allow(ctx context.Context, userID string) (bool, *RateLimitInfo, error)
}

// rateLimitWindowTTL outlives the minute a counter belongs to.
const rateLimitWindowTTL = 65 * time.Second

// RateLimiter is a per-user fixed-window limiter kept in Redis, so the
// window is shared by every replica.
type RateLimiter struct {
	cache  *cache.Cache
	limit  int64
	now    func() time.Time
	logger *zap.Logger
}

// NewRateLimiter creates a limiter allowing requestsPerMinute per user.
func NewRateLimiter(c *cache.Cache, requestsPerMinute int, logger *zap.Logger) *RateLimiter {
	limit := int64(requestsPerMinute)
	if limit <= 0 {
		limit = 120
	}
	return &RateLimiter{cache: c, limit: limit, now: time.Now, logger: logger}
}

// Allow counts the request against the user's current minute.
func (rl *RateLimiter) Allow(ctx context.Context, userID string) (bool, *RateLimitInfo, error) {
	now := rl.now()
	resetAt := now.Truncate(time.Minute).Add(time.Minute).Unix()
	info := &RateLimitInfo{Limit: rl.limit, ResetAt: resetAt}

	minuteKey := fmt.Sprintf("ratelimit:user:%s:minute:%s", userID, now.UTC().Format("2006-01-02T15:04"))
	count, err := rl.cache.IncrWindow(ctx, minuteKey, rateLimitWindowTTL)
	if err != nil {
		return false, nil, err
	}

	if count > rl.limit {
		if count == rl.limit+1 {
			rl.logger.Debug("rate limit window exhausted",
				zap.String("user_id", userID),
				zap.String("window", minuteKey),
			)
		}
		info.RetryAfter = resetAt - now.Unix()
		if info.RetryAfter < 1 {
			info.RetryAfter = 1
		}
		return false, info, nil
	}

	info.Remaining = rl.limit - count
	return true, info, nil
}

// GetRateLimitHeaders returns HTTP headers for rate limit information
func (info *RateLimitInfo) GetRateLimitHeaders() map[string]string {
	if info == nil {
		return nil
	}

	headers := map[string]string{
		"X-RateLimit-Limit":     strconv.FormatInt(info.Limit, 10),
		"X-RateLimit-Remaining": strconv.FormatInt(info.Remaining, 10),
		"X-RateLimit-Reset":     strconv.FormatInt(info.ResetAt, 10),
	}

	if info.RetryAfter > 0 {
		headers["Retry-After"] = strconv.FormatInt(info.RetryAfter, 10)
	}

	return headers
}

// rateLimitMiddleware fails open: a limiter outage must not stop metering.
func (g *Gateway) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.opts.Limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		userID := userFromContext(ctx)

		allowed, info, err := g.opts.Limiter.Allow(ctx, userID)
		if err != nil {
			g.logger.Warn("rate limit check failed, allowing request",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			next.ServeHTTP(w, r)
			return
		}

		for k, v := range info.GetRateLimitHeaders() {
			w.Header().Set(k, v)
		}

		if !allowed {
			g.logger.Warn("user rate limit exceeded", zap.String("user_id", userID))
			g.writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "rate_limit_exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
