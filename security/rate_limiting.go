package security

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"
	"github.com/pocketbase/pocketbase/tools/hook"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	redis  *redis.Client
	limit  int64
	window time.Duration
}

func NewRateLimiter(redisClient *redis.Client, perMinute int) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 30
	}
	return &RateLimiter{redis: redisClient, limit: int64(perMinute), window: time.Minute}
}

// AntiBot rejects bot user agents and callers exceeding the per-minute budget.
func (r *RateLimiter) AntiBot() *hook.Handler[*core.RequestEvent] {
	return &hook.Handler[*core.RequestEvent]{
		Id:   "peerprepAntiBot",
		Func: r.check,
	}
}

func (r *RateLimiter) check(e *core.RequestEvent) error {
	if isSuspiciousUserAgent(e.Request.Header.Get("User-Agent")) {
		return apis.NewForbiddenError("Access denied", nil)
	}

	id := strings.TrimSpace(e.Request.Header.Get("X-User-ID"))
	if id == "" {
		id = e.RealIP()
	}

	allowed, err := r.Allow(e.Request.Context(), id)
	if err != nil {
		// the limiter fails open; matching itself still works without it
		slog.Warn("rate limit check", "id", id, "error", err)
		return e.Next()
	}
	if !allowed {
		return apis.NewTooManyRequestsError("Too many requests", nil)
	}
	return e.Next()
}

// rateLimitScript counts a hit and makes sure the counter carries a TTL, so a
// key can never outlive its window.
// KEYS[1] counter key, ARGV[1] window seconds
const rateLimitScript = `
local count = redis.call('INCR', KEYS[1])
if redis.call('TTL', KEYS[1]) < 0 then
	redis.call('EXPIRE', KEYS[1], ARGV[1])
end
return count
`

// Allow counts one request for id in the current window.
func (r *RateLimiter) Allow(ctx context.Context, id string) (bool, error) {
	key := fmt.Sprintf("antibot:%s", id)

	count, err := r.redis.Eval(ctx, rateLimitScript, []string{key}, int(r.window.Seconds())).Int64()
	if err != nil {
		return false, err
	}
	return count <= r.limit, nil
}

func isSuspiciousUserAgent(ua string) bool {
	suspicious := []string{"bot", "crawler", "spider", "scraper"}
	for _, pattern := range suspicious {
		if strings.Contains(strings.ToLower(ua), pattern) {
			return true
		}
	}
	return false
}
