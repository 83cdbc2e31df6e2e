package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *engine.RateLimitConfig {
	return &engine.RateLimitConfig{
		Enabled:          true,
		Rate:             2,
		WindowMinutes:    1,
		BurstSize:        1,
		CleanupInterval:  10,
		RetryAfterHeader: true,
	}
}

func TestMemoryRateLimiter_BucketPerKey(t *testing.T) {
	rl := newMemoryRateLimiter(testConfig())
	defer rl.Close()
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, _ := rl.Allow("T1")
		assert.True(t, ok, "delivery %d", i)
	}
	ok, retry := rl.Allow("T1")
	assert.False(t, ok)
	assert.Equal(t, 30*time.Second, retry)

	ok, _ = rl.Allow("T2")
	assert.True(t, ok, "other keys have their own bucket")

	now = now.Add(30 * time.Second)
	ok, _ = rl.Allow("T1")
	assert.True(t, ok, "one token refilled")
	ok, _ = rl.Allow("T1")
	assert.False(t, ok)

	rl.Reset("T1")
	ok, _ = rl.Allow("T1")
	assert.True(t, ok)
}

func TestMemoryRateLimiter_Cleanup(t *testing.T) {
	rl := newMemoryRateLimiter(testConfig())
	defer rl.Close()
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	rl.Allow("T1")
	now = now.Add(3 * time.Minute)
	rl.Allow("T2")
	rl.cleanupBuckets()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	assert.NotContains(t, rl.buckets, "T1")
	assert.Contains(t, rl.buckets, "T2")
}

func TestNewRateLimiter_Backends(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	assert.IsType(t, &noopRateLimiter{}, NewRateLimiter(cfg, nil))

	cfg = testConfig()
	cfg.Backend = "redis"
	rl := NewRateLimiter(cfg, nil)
	defer rl.Close()
	assert.IsType(t, &memoryRateLimiter{}, rl)
}

func TestIsKeyExcluded(t *testing.T) {
	assert.True(t, IsKeyExcluded("T1", "T0, T1"))
	assert.False(t, IsKeyExcluded("T2", "T0, T1"))
	assert.False(t, IsKeyExcluded("", "T0"))
	assert.False(t, IsKeyExcluded("T1", ""))
}

func TestMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.ExcludedKeys = "internal"
	rl := newMemoryRateLimiter(cfg)
	defer rl.Close()

	e := echo.New()
	e.POST("/hooks/drive", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}, Middleware(cfg, rl, HeaderKey("X-Goog-Channel-Token")))

	send := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/hooks/drive", nil)
		if token != "" {
			req.Header.Set("X-Goog-Channel-Token", token)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, send("T1").Code)
	}
	rec := send("T1")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Limit"))
	assert.Contains(t, rec.Body.String(), "Rate limit exceeded")

	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusOK, send("internal").Code)
		assert.Equal(t, http.StatusOK, send("").Code)
	}
}
