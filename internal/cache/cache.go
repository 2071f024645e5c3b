package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// LoadFunc fetches a fresh value when the cached one has expired
type LoadFunc[T any] func(ctx context.Context) (T, error)

// TTL holds a single value for a fixed time. Concurrent loads of an expired
// value share one call to the loader.
type TTL[T any] struct {
	mu       sync.RWMutex
	value    T
	valid    bool
	cachedAt time.Time
	ttl      time.Duration
	now      func() time.Time
	group    singleflight.Group
}

// NewTTL creates a cache whose entries live for ttl
func NewTTL[T any](ttl time.Duration) *TTL[T] {
	return &TTL[T]{ttl: ttl, now: time.Now}
}

// Get returns the cached value and whether it is still fresh
func (c *TTL[T]) Get() (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.valid || c.now().Sub(c.cachedAt) > c.ttl {
		var zero T
		return zero, false
	}
	return c.value, true
}

// Set stores value and restarts its lifetime
func (c *TTL[T]) Set(value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = value
	c.valid = true
	c.cachedAt = c.now()
}

// Invalidate drops the cached value
func (c *TTL[T]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	c.value = zero
	c.valid = false
}

// GetOrLoad returns the cached value, calling load when it has expired.
// A failed load leaves the cache empty.
func (c *TTL[T]) GetOrLoad(ctx context.Context, load LoadFunc[T]) (T, error) {
	if v, ok := c.Get(); ok {
		return v, nil
	}

	v, err, _ := c.group.Do("load", func() (interface{}, error) {
		if v, ok := c.Get(); ok {
			return v, nil
		}
		v, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(v)
		return v, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}
