package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"agency-portal-backend/internal/delivery/http/response"
	"agency-portal-backend/pkg/security"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds configuration for one limiter.
type RateLimitConfig struct {
	// Name labels the limiter in metrics and security logs
	Name string
	// Requests per window
	Limit  int
	Window time.Duration
	// Custom key extractor (default: IP-based)
	KeyFunc   func(*gin.Context) string
	KeyPrefix string
	// Reject requests when Redis errors instead of falling back to memory
	FailClosed bool
}

// RateLimitMetrics is satisfied by metrics.Collector.
type RateLimitMetrics interface {
	RateLimited(limiter string, allowed bool)
}

// RateLimiter counts requests in Redis with a fixed window and falls back to
// per-key token buckets when Redis is absent or erroring.
type RateLimiter struct {
	redis    *goredis.Client
	security *security.SecurityLogger
	metrics  RateLimitMetrics

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Lua script for atomic increment with TTL on first set
// KEYS[1] = counter key
// ARGV[1] = TTL in seconds
// Returns: [current_count, ttl_remaining]
const rateLimitLuaScript = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('EXPIRE', KEYS[1], ARGV[1])
end
local ttl = redis.call('TTL', KEYS[1])
return {count, ttl}
`

func NewRateLimiter(client *goredis.Client, secLog *security.SecurityLogger, metrics RateLimitMetrics) *RateLimiter {
	return &RateLimiter{
		redis:    client,
		security: secLog,
		metrics:  metrics,
		buckets:  make(map[string]*bucket),
	}
}

// GlobalRateLimitConfig applies to every route.
func GlobalRateLimitConfig(limit int, window time.Duration) RateLimitConfig {
	return RateLimitConfig{
		Name:      "global",
		Limit:     limit,
		Window:    window,
		KeyPrefix: "rl:ip:",
		KeyFunc:   func(c *gin.Context) string { return c.ClientIP() },
	}
}

// AuthRateLimitConfig is the strict limiter for credential endpoints.
func AuthRateLimitConfig(limit int, window time.Duration) RateLimitConfig {
	return RateLimitConfig{
		Name:       "auth",
		Limit:      limit,
		Window:     window,
		KeyPrefix:  "rl:auth:",
		FailClosed: true,
		KeyFunc:    func(c *gin.Context) string { return c.ClientIP() },
	}
}

func (rl *RateLimiter) Middleware(config RateLimitConfig) gin.HandlerFunc {
	if config.KeyFunc == nil {
		config.KeyFunc = func(c *gin.Context) string { return c.ClientIP() }
	}

	return func(c *gin.Context) {
		fullKey := config.KeyPrefix + config.KeyFunc(c)

		var (
			count   int
			resetAt time.Time
			allowed bool
			err     error
		)
		if rl.redis != nil {
			count, resetAt, err = rl.checkRedis(c.Request.Context(), fullKey, config)
			if err != nil && config.FailClosed {
				rl.logError(c, err)
				response.Abort(c, http.StatusServiceUnavailable, "Service temporarily unavailable. Please try again.")
				return
			}
			allowed = count <= config.Limit
		}
		if rl.redis == nil || err != nil {
			allowed, resetAt = rl.checkMemory(fullKey, config, time.Now())
		}

		if rl.metrics != nil {
			rl.metrics.RateLimited(config.Name, allowed)
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(config.Limit))
		c.Header("X-RateLimit-Reset", resetAt.Format(time.RFC3339))

		if !allowed {
			retryAfter := int(time.Until(resetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("X-RateLimit-Remaining", "0")
			c.Header("Retry-After", strconv.Itoa(retryAfter))

			rl.security.LogRateLimitTriggered(c.Request.Context(), securityRequest(c), c.FullPath())

			response.Abort(c, http.StatusTooManyRequests, "Rate limit exceeded. Please try again later.")
			return
		}

		if rl.redis != nil && err == nil {
			c.Header("X-RateLimit-Remaining", strconv.Itoa(max(config.Limit-count, 0)))
		}
		c.Next()
	}
}

// Sweep drops in-memory buckets idle for longer than maxIdle.
func (rl *RateLimiter) Sweep(now time.Time, maxIdle time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, b := range rl.buckets {
		if now.Sub(b.lastSeen) > maxIdle {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

func (rl *RateLimiter) checkRedis(ctx context.Context, key string, config RateLimitConfig) (int, time.Time, error) {
	ttlSeconds := int(config.Window.Seconds())

	result, err := rl.redis.Eval(ctx, rateLimitLuaScript, []string{key}, ttlSeconds).Result()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis rate limit eval failed: %w", err)
	}

	arr, ok := result.([]interface{})
	if !ok || len(arr) < 2 {
		return 0, time.Time{}, fmt.Errorf("unexpected redis result format")
	}

	count, _ := arr[0].(int64)
	ttl, _ := arr[1].(int64)

	return int(count), time.Now().Add(time.Duration(ttl) * time.Second), nil
}

func (rl *RateLimiter) checkMemory(key string, config RateLimitConfig, now time.Time) (bool, time.Time) {
	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		every := rate.Every(config.Window / time.Duration(max(config.Limit, 1)))
		b = &bucket{limiter: rate.NewLimiter(every, config.Limit)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	r := b.limiter.ReserveN(now, 1)
	if !r.OK() {
		return false, now.Add(config.Window)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return false, now.Add(delay)
	}
	return true, now.Add(config.Window)
}

func (rl *RateLimiter) logError(c *gin.Context, err error) {
	req := securityRequest(c)
	rl.security.Log(c.Request.Context(), security.SecurityEvent{
		Event:       security.EventRateLimitTriggered,
		SubjectType: "system",
		IP:          req.IP,
		RequestID:   req.RequestID,
		Details: map[string]any{
			"error_type": "redis_error",
			"error":      err.Error(),
		},
	})
}

func securityRequest(c *gin.Context) security.Request {
	return security.Request{
		IP:        c.ClientIP(),
		UserAgent: c.GetHeader("User-Agent"),
		RequestID: requestIDFrom(c),
	}
}
