package cache

import (
	"sync"
	"time"
)

type item[V any] struct {
	value      V
	expiration time.Time
}

// Cache is a thread-safe in-memory TTL cache. A background goroutine evicts
// expired entries until Close is called.
type Cache[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]*item[V]
	ttl   time.Duration
	now   func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a cache whose entries live for ttl unless set otherwise
func New[K comparable, V any](ttl time.Duration) *Cache[K, V] {
	return newCache[K, V](ttl, time.Minute, time.Now)
}

func newCache[K comparable, V any](ttl, cleanupEvery time.Duration, now func() time.Time) *Cache[K, V] {
	c := &Cache[K, V]{
		items: make(map[K]*item[V]),
		ttl:   ttl,
		now:   now,
		done:  make(chan struct{}),
	}
	go c.cleanupExpired(cleanupEvery)
	return c
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[key]
	if !ok || c.now().After(it.expiration) {
		var zero V
		return zero, false
	}
	return it.value, true
}

func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.ttl)
}

func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = &item[V]{value: value, expiration: c.now().Add(ttl)}
}

// SetIfAbsent stores value only when key is missing or expired and reports
// whether it did.
func (c *Cache[K, V]) SetIfAbsent(key K, value V, ttl time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if it, ok := c.items[key]; ok && !now.After(it.expiration) {
		return false
	}
	c.items[key] = &item[V]{value: value, expiration: now.Add(ttl)}
	return true
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
}

// DeleteFunc removes every entry whose key satisfies match
func (c *Cache[K, V]) DeleteFunc(match func(K) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for k := range c.items {
		if match(k) {
			delete(c.items, k)
			n++
		}
	}
	return n
}

func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[K]*item[V])
}

// Size counts stored entries, expired ones included until the next sweep
func (c *Cache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}

// GetOrCompute returns the cached value for key or stores the result of
// compute. Errors are not cached.
func (c *Cache[K, V]) GetOrCompute(key K, compute func() (V, error)) (V, error) {
	if val, ok := c.Get(key); ok {
		return val, nil
	}
	val, err := compute()
	if err != nil {
		var zero V
		return zero, err
	}
	c.Set(key, val)
	return val, nil
}

func (c *Cache[K, V]) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Cache[K, V]) cleanupExpired(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *Cache[K, V]) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for key, it := range c.items {
		if now.After(it.expiration) {
			delete(c.items, key)
		}
	}
}
