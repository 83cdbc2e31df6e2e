package engine

import (
	"context"
	"time"

	"github.com/arturoeanton/nflow-automate/cache"
	"github.com/go-redis/redis"
)

// Deduper drops redeliveries of an event id.
type Deduper interface {
	// FirstSeen records eventID and reports whether it was new.
	FirstSeen(ctx context.Context, eventID string) (bool, error)
}

type MemoryDeduper struct {
	seen *cache.Cache[string, struct{}]
	ttl  time.Duration
}

func NewMemoryDeduper(ttl time.Duration) *MemoryDeduper {
	return &MemoryDeduper{seen: cache.New[string, struct{}](ttl), ttl: ttl}
}

func (d *MemoryDeduper) FirstSeen(_ context.Context, eventID string) (bool, error) {
	return d.seen.SetIfAbsent(eventID, struct{}{}, d.ttl), nil
}

func (d *MemoryDeduper) Close() {
	d.seen.Close()
}

// RedisDeduper shares seen ids between instances with SETNX.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl, prefix: "nflow:event:"}
}

func (d *RedisDeduper) FirstSeen(_ context.Context, eventID string) (bool, error) {
	return d.client.SetNX(d.prefix+eventID, 1, d.ttl).Result()
}

// NewDeduper picks the backend named in cfg, falling back to memory when
// redis is requested but no client is configured.
func NewDeduper(cfg EngineConfig, client *redis.Client) Deduper {
	ttl := cfg.DedupeTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if cfg.DedupeBackend == "redis" && client != nil {
		return NewRedisDeduper(client, ttl)
	}
	return NewMemoryDeduper(ttl)
}
