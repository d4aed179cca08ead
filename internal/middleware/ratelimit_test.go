package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/irfndi/hrguard/internal/config"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestDefaultRateLimitConfig(t *testing.T) {
	cfg := DefaultRateLimitConfig()
	assert.Equal(t, 10, cfg.Requests)
	assert.Equal(t, time.Minute, cfg.Window)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/health", nil)
	assert.True(t, cfg.SkipFunc(c))

	c.Request = httptest.NewRequest(http.MethodPost, "/api/v1/otp/verify", nil)
	c.Request.RemoteAddr = "10.1.2.3:5555"
	assert.False(t, cfg.SkipFunc(c))
	assert.Equal(t, "/api/v1/otp/verify:10.1.2.3", cfg.KeyFunc(c))
}

func TestRateLimitConfigFrom(t *testing.T) {
	rc := RateLimitConfigFrom(config.RateLimitConfig{Enabled: true, Requests: 3, Window: 30 * time.Second})
	assert.Equal(t, 3, rc.Requests)
	assert.Equal(t, 30*time.Second, rc.Window)
	assert.NotNil(t, rc.KeyFunc)

	rc = RateLimitConfigFrom(config.RateLimitConfig{})
	assert.Equal(t, 10, rc.Requests)
}

func newLimitedRouter(rl *RateLimiter) *gin.Engine {
	router := gin.New()
	router.Use(rl.Middleware())
	router.POST("/otp/verify", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	router.POST("/otp/challenges", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	return router
}

func post(router http.Handler, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	req.RemoteAddr = "192.0.2.10:1234"
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimiterMiddleware_Redis(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	var limited []string
	cfg := RateLimitConfig{
		Requests:  2,
		Window:    time.Minute,
		OnLimited: func(_ *gin.Context, key string) { limited = append(limited, key) },
	}
	rl := NewRateLimiter(cfg, client, zap.NewNop())
	router := newLimitedRouter(rl)

	for i := 0; i < 2; i++ {
		w := post(router, "/otp/verify")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get(RateLimitHeader))
	}
	w := post(router, "/otp/verify")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get(RateLimitRemainingHeader))
	assert.Equal(t, "rate_limit_exceeded", w.Header().Get(RateLimitPolicyHeader))
	assert.Equal(t, []string{"/otp/verify:192.0.2.10"}, limited)

	// Other routes have their own bucket.
	assert.Equal(t, http.StatusOK, post(router, "/otp/challenges").Code)

	assert.True(t, s.Exists("hrguard:ratelimit:/otp/verify:192.0.2.10"))
	s.FastForward(time.Minute + time.Second)
	assert.Equal(t, http.StatusOK, post(router, "/otp/verify").Code)
}

func TestRateLimiterMiddleware_FailsOpen(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	s.Close()

	core, logs := observer.New(zap.ErrorLevel)
	rl := NewRateLimiter(RateLimitConfig{Requests: 1, Window: time.Minute}, client, zap.New(core))
	router := newLimitedRouter(rl)

	assert.Equal(t, http.StatusOK, post(router, "/otp/verify").Code)
	assert.Equal(t, http.StatusOK, post(router, "/otp/verify").Code)
	assert.Equal(t, 2, logs.FilterMessage("Rate limit check failed").Len())
}

func TestRateLimiterMiddleware_Skip(t *testing.T) {
	cfg := RateLimitConfig{
		Requests: 1,
		Window:   time.Minute,
		SkipFunc: func(c *gin.Context) bool { return c.Request.URL.Path == "/otp/challenges" },
	}
	router := newLimitedRouter(NewRateLimiter(cfg, nil, nil))
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, post(router, "/otp/challenges").Code)
	}
}

func TestCheckAndUpdateLocal(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Requests: 3, Window: time.Minute}, nil, nil)
	key := "test-local-key"

	for _, want := range []int{2, 1, 0} {
		allowed, remaining, reset, err := rl.checkAndUpdateLocal(key)
		require.NoError(t, err)
		assert.True(t, allowed)
		assert.Equal(t, want, remaining)
		assert.False(t, reset.IsZero())
	}

	allowed, remaining, _, err := rl.checkAndUpdateLocal(key)
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, 0, remaining)
}

func TestCheckAndUpdateLocal_SweepsExpired(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Requests: 10, Window: time.Minute}, nil, nil)
	for i := 0; i <= localSweepSize; i++ {
		rl.localMap[string(rune('a'+i%26))+string(rune('A'+i/26))] = &rateLimitEntry{count: 1, resetTime: time.Now().Add(-time.Second)}
	}
	_, _, _, err := rl.checkAndUpdateLocal("fresh")
	require.NoError(t, err)
	assert.Len(t, rl.localMap, 1)
}

func TestRateLimiter_Reset(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{Requests: 2, Window: time.Minute}, nil, nil)
	key := "reset-test"
	_, _, _, _ = rl.checkAndUpdateLocal(key)
	_, _, _, _ = rl.checkAndUpdateLocal(key)
	allowed, _, _, _ := rl.checkAndUpdateLocal(key)
	assert.False(t, allowed)

	require.NoError(t, rl.Reset(t.Context(), key))
	allowed, remaining, _, err := rl.checkAndUpdateLocal(key)
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, 1, remaining)
}
