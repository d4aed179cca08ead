// Package middleware provides the gin middleware in front of the guard API.
package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/irfndi/hrguard/internal/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	RateLimitHeader          = "X-RateLimit-Limit"
	RateLimitRemainingHeader = "X-RateLimit-Remaining"
	RateLimitResetHeader     = "X-RateLimit-Reset"
	RateLimitPolicyHeader    = "X-RateLimit-Policy"

	rateLimitKeyPrefix = "hrguard:ratelimit:"
	// localSweepSize is the local table size above which expired windows are swept.
	localSweepSize = 100
)

// RateLimitConfig defines a fixed-window limit.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
	// KeyFunc extracts the bucket key. Defaults to route plus client IP.
	KeyFunc func(*gin.Context) string
	// SkipFunc bypasses the limiter for a request.
	SkipFunc func(*gin.Context) bool
	// OnLimited runs when a request is rejected.
	OnLimited func(c *gin.Context, key string)
}

// RouteAndIPKey buckets by route pattern and client IP, so issuing and
// verifying codes are limited separately.
func RouteAndIPKey(c *gin.Context) string {
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	return route + ":" + c.ClientIP()
}

// DefaultRateLimitConfig allows 10 requests per minute per route and IP.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Requests: 10,
		Window:   time.Minute,
		KeyFunc:  RouteAndIPKey,
		SkipFunc: func(c *gin.Context) bool {
			return c.Request.URL.Path == "/health"
		},
	}
}

// RateLimitConfigFrom maps the rate_limit config section.
func RateLimitConfigFrom(cfg config.RateLimitConfig) RateLimitConfig {
	rc := DefaultRateLimitConfig()
	if cfg.Requests > 0 {
		rc.Requests = cfg.Requests
	}
	if cfg.Window > 0 {
		rc.Window = cfg.Window
	}
	return rc
}

// RateLimiter counts requests in Redis when a client is configured and in
// process memory otherwise.
type RateLimiter struct {
	config RateLimitConfig
	redis  *redis.Client
	logger *zap.Logger

	mu       sync.Mutex
	localMap map[string]*rateLimitEntry
}

type rateLimitEntry struct {
	count     int
	resetTime time.Time
}

func NewRateLimiter(cfg RateLimitConfig, redisClient *redis.Client, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = RouteAndIPKey
	}
	return &RateLimiter{
		config:   cfg,
		redis:    redisClient,
		logger:   logger.With(zap.String("component", "rate_limiter")),
		localMap: make(map[string]*rateLimitEntry),
	}
}

func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if rl.config.SkipFunc != nil && rl.config.SkipFunc(c) {
			c.Next()
			return
		}

		key := rl.config.KeyFunc(c)
		allowed, remaining, resetTime, err := rl.checkAndUpdate(c.Request.Context(), key)
		if err != nil {
			// Fail open.
			rl.logger.Error("Rate limit check failed", zap.Error(err), zap.String("key", key))
			c.Next()
			return
		}

		c.Header(RateLimitHeader, strconv.Itoa(rl.config.Requests))
		c.Header(RateLimitRemainingHeader, strconv.Itoa(remaining))
		c.Header(RateLimitResetHeader, strconv.FormatInt(resetTime.Unix(), 10))

		if !allowed {
			rl.logger.Warn("Rate limit exceeded", zap.String("key", key))
			if rl.config.OnLimited != nil {
				rl.config.OnLimited(c, key)
			}
			c.Header(RateLimitPolicyHeader, "rate_limit_exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": max(resetTime.Unix()-time.Now().Unix(), 0),
			})
			return
		}
		c.Next()
	}
}

func (rl *RateLimiter) checkAndUpdate(ctx context.Context, key string) (bool, int, time.Time, error) {
	if rl.redis != nil {
		return rl.checkAndUpdateRedis(ctx, key)
	}
	return rl.checkAndUpdateLocal(key)
}

// fixedWindowScript returns {allowed, remaining, ttl_ms}.
var fixedWindowScript = redis.NewScript(`
local current = tonumber(redis.call("GET", KEYS[1]) or "0")
local limit = tonumber(ARGV[1])
if current >= limit then
  return {0, 0, redis.call("PTTL", KEYS[1])}
end
current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {1, limit - current, redis.call("PTTL", KEYS[1])}
`)

func (rl *RateLimiter) checkAndUpdateRedis(ctx context.Context, key string) (bool, int, time.Time, error) {
	result, err := fixedWindowScript.Run(ctx, rl.redis, []string{rateLimitKeyPrefix + key},
		rl.config.Requests, rl.config.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("failed to run rate limit script: %w", err)
	}
	if len(result) != 3 {
		return false, 0, time.Time{}, fmt.Errorf("unexpected rate limit response: %v", result)
	}
	ttl := time.Duration(max(result[2], 0)) * time.Millisecond
	return result[0] == 1, int(result[1]), time.Now().Add(ttl), nil
}

func (rl *RateLimiter) checkAndUpdateLocal(key string) (bool, int, time.Time, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if len(rl.localMap) > localSweepSize {
		for k, entry := range rl.localMap {
			if now.After(entry.resetTime) {
				delete(rl.localMap, k)
			}
		}
	}

	entry, exists := rl.localMap[key]
	if !exists || now.After(entry.resetTime) {
		reset := now.Add(rl.config.Window)
		rl.localMap[key] = &rateLimitEntry{count: 1, resetTime: reset}
		return true, rl.config.Requests - 1, reset, nil
	}
	if entry.count >= rl.config.Requests {
		return false, 0, entry.resetTime, nil
	}
	entry.count++
	return true, rl.config.Requests - entry.count, entry.resetTime, nil
}

// Reset clears the window for key.
func (rl *RateLimiter) Reset(ctx context.Context, key string) error {
	if rl.redis != nil {
		return rl.redis.Del(ctx, rateLimitKeyPrefix+key).Err()
	}
	rl.mu.Lock()
	delete(rl.localMap, key)
	rl.mu.Unlock()
	return nil
}
