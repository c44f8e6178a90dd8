// SPDX-License-Identifier: MIT
// Package oncecache is a compute-once, read-many keyed cache.
//
// Concurrent callers asking for the same missing key share one computation
// (singleflight); the first successful result is stored and every later
// call returns it unchanged. Failed computations are not cached.

package oncecache

import (
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache maps string keys to values computed at most once.
type Cache[V any] struct {
	mu    sync.RWMutex
	items map[string]V
	group singleflight.Group
}

// New returns an empty cache.
func New[V any]() *Cache[V] {
	return &Cache[V]{items: make(map[string]V)}
}

// Get returns the cached value for key, if any.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	v, ok := c.items[key]
	c.mu.RUnlock()

	return v, ok
}

// GetOrCompute returns the cached value for key or runs compute exactly once
// across concurrent callers. hit reports whether the value was already cached
// when the call started.
func (c *Cache[V]) GetOrCompute(key string, compute func() (V, error)) (v V, hit bool, err error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}
	res, err, _ := c.group.Do(key, func() (any, error) {
		// Re-check: a previous flight may have stored the value after our Get.
		if v, ok := c.Get(key); ok {
			return v, nil
		}
		v, err := compute()
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.items[key] = v
		c.mu.Unlock()

		return v, nil
	})
	if err != nil {
		var zero V

		return zero, false, err
	}

	return res.(V), false, nil
}

// Len returns the number of cached values.
func (c *Cache[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.items)
}
