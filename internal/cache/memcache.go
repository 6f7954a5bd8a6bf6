package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value   []byte
	counter int64
	isCount bool
	expires time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

// MemCache is an in-process Cache guarded by a single RWMutex with lazy
// TTL eviction, satisfying the Cache contract without a network
// dependency. Used by the test suite in place of RedisCache.
type MemCache struct {
	mu   sync.RWMutex
	data map[string]entry
}

// NewMem returns an empty in-process cache.
func NewMem() *MemCache {
	return &MemCache{data: make(map[string]entry)}
}

func (c *MemCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.RLock()
	e, ok := c.data[key]
	c.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return nil, ErrMiss
	}
	return e.value, nil
}

func (c *MemCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = entry{value: value, expires: expiryFor(ttl)}
	return nil
}

func (c *MemCache) AtomicSwap(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = entry{value: value, expires: expiryFor(ttl)}
	return nil
}

func (c *MemCache) GetCounter(_ context.Context, key string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.data[key]
	if !ok || e.expired(time.Now()) {
		return 0, nil
	}
	return e.counter, nil
}

func (c *MemCache) IncrCounter(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok || e.expired(time.Now()) {
		e = entry{isCount: true, expires: expiryFor(ttl)}
	}
	e.counter += delta
	e.isCount = true
	c.data[key] = e
	return e.counter, nil
}

func (c *MemCache) Expire(_ context.Context, key string, at time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok {
		return nil
	}
	e.expires = at
	c.data[key] = e
	return nil
}

func expiryFor(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(ttl)
}
