// Package ratelimit bounds how many webhook deliveries each credential key
// may push into the engine per window.
package ratelimit

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/arturoeanton/nflow-automate/engine"
	"github.com/arturoeanton/nflow-automate/logger"
	"github.com/go-redis/redis"
)

// RateLimiter decides whether one more delivery for key is accepted.
type RateLimiter interface {
	Allow(key string) (allowed bool, retryAfter time.Duration)
	Reset(key string)
	Close()
}

// NewRateLimiter picks the backend named in config. A redis backend without
// a client falls back to memory.
func NewRateLimiter(config *engine.RateLimitConfig, redisClient *redis.Client) RateLimiter {
	if !config.Enabled {
		return &noopRateLimiter{}
	}

	switch config.Backend {
	case "redis":
		if redisClient == nil {
			logger.Error("redis client not available, rate limiter falls back to memory")
			return newMemoryRateLimiter(config)
		}
		return newRedisRateLimiter(config, redisClient)
	default:
		return newMemoryRateLimiter(config)
	}
}

type noopRateLimiter struct{}

func (n *noopRateLimiter) Allow(string) (bool, time.Duration) { return true, 0 }
func (n *noopRateLimiter) Reset(string)                       {}
func (n *noopRateLimiter) Close()                             {}

func window(config *engine.RateLimitConfig) time.Duration {
	if config.WindowMinutes <= 0 {
		return time.Minute
	}
	return time.Duration(config.WindowMinutes) * time.Minute
}

// memoryRateLimiter is a token bucket per key holding up to Rate+BurstSize
// tokens and refilled at Rate tokens per window.
type memoryRateLimiter struct {
	config        *engine.RateLimitConfig
	buckets       map[string]*bucket
	mu            sync.Mutex
	cleanupTicker *time.Ticker
	done          chan struct{}
	now           func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
	mu       sync.Mutex
}

func newMemoryRateLimiter(config *engine.RateLimitConfig) *memoryRateLimiter {
	rl := &memoryRateLimiter{
		config:  config,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
		now:     time.Now,
	}

	cleanupInterval := time.Duration(config.CleanupInterval) * time.Minute
	if cleanupInterval <= 0 {
		cleanupInterval = 10 * time.Minute
	}
	rl.cleanupTicker = time.NewTicker(cleanupInterval)
	go rl.cleanup()
	return rl
}

func (m *memoryRateLimiter) capacity() float64 {
	return float64(m.config.Rate + m.config.BurstSize)
}

func (m *memoryRateLimiter) Allow(key string) (bool, time.Duration) {
	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.capacity(), lastFill: m.now()}
		m.buckets[key] = b
	}
	m.mu.Unlock()

	return m.take(b)
}

func (m *memoryRateLimiter) take(b *bucket) (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	win := window(m.config)
	perToken := win / time.Duration(max(m.config.Rate, 1))
	now := m.now()
	if elapsed := now.Sub(b.lastFill); elapsed > 0 {
		b.tokens = math.Min(b.tokens+float64(elapsed)/float64(perToken), m.capacity())
		b.lastFill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	missing := 1 - b.tokens
	return false, time.Duration(missing * float64(perToken))
}

func (m *memoryRateLimiter) Reset(key string) {
	m.mu.Lock()
	delete(m.buckets, key)
	m.mu.Unlock()
}

func (m *memoryRateLimiter) Close() {
	close(m.done)
	m.cleanupTicker.Stop()
}

func (m *memoryRateLimiter) cleanup() {
	for {
		select {
		case <-m.cleanupTicker.C:
			m.cleanupBuckets()
		case <-m.done:
			return
		}
	}
}

// cleanupBuckets drops buckets idle for two windows; they would be full again.
func (m *memoryRateLimiter) cleanupBuckets() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	idle := 2 * window(m.config)
	for key, b := range m.buckets {
		b.mu.Lock()
		if now.Sub(b.lastFill) > idle {
			delete(m.buckets, key)
		}
		b.mu.Unlock()
	}
	logger.Verbosef("rate limiter cleanup: %d buckets", len(m.buckets))
}

// redisRateLimiter keeps a sliding window log per key in a sorted set so
// every replica shares the same counts.
type redisRateLimiter struct {
	config      *engine.RateLimitConfig
	redisClient *redis.Client
}

func newRedisRateLimiter(config *engine.RateLimitConfig, redisClient *redis.Client) *redisRateLimiter {
	return &redisRateLimiter{config: config, redisClient: redisClient}
}

func redisKey(key string) string {
	return "ratelimit:credential:" + key
}

func (r *redisRateLimiter) Allow(key string) (bool, time.Duration) {
	rkey := redisKey(key)
	limit := int64(r.config.Rate + r.config.BurstSize)
	win := window(r.config)
	now := time.Now()

	r.redisClient.ZRemRangeByScore(rkey, "0", fmt.Sprintf("%d", now.Add(-win).UnixNano()))

	count, err := r.redisClient.ZCard(rkey).Result()
	if err != nil {
		logger.Error("redis rate limit error", logger.Err(err))
		return true, 0
	}

	if count >= limit {
		oldest, err := r.redisClient.ZRangeWithScores(rkey, 0, 0).Result()
		if err == nil && len(oldest) > 0 {
			expires := time.Unix(0, int64(oldest[0].Score)).Add(win)
			if retry := expires.Sub(now); retry > 0 {
				return false, retry
			}
		}
		return false, win
	}

	r.redisClient.ZAdd(rkey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: now.UnixNano(),
	})
	r.redisClient.Expire(rkey, win)
	return true, 0
}

func (r *redisRateLimiter) Reset(key string) {
	r.redisClient.Del(redisKey(key))
}

// Close leaves the shared client open; main owns it.
func (r *redisRateLimiter) Close() {}

// IsKeyExcluded reports whether key is in the comma-separated exclusion list.
func IsKeyExcluded(key string, excluded string) bool {
	if excluded == "" || key == "" {
		return false
	}
	for _, k := range strings.Split(excluded, ",") {
		if strings.TrimSpace(k) == key {
			return true
		}
	}
	return false
}
