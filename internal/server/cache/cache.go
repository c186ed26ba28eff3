// Package cache is a small typed wrapper over ttlcache with per-entry TTLs
// that are never extended by reads.
package cache

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type Cache[V any] struct {
	items *ttlcache.Cache[string, V]
}

// New creates a cache. capacity 0 means unbounded.
func New[V any](defaultTTL time.Duration, capacity uint64) *Cache[V] {
	opts := []ttlcache.Option[string, V]{
		ttlcache.WithTTL[string, V](defaultTTL),
		ttlcache.WithDisableTouchOnHit[string, V](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, V](capacity))
	}
	return &Cache[V]{items: ttlcache.New(opts...)}
}

func (c *Cache[V]) Get(key string) (V, bool) {
	item := c.items.Get(key)
	if item == nil || item.IsExpired() {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

// Set stores v for ttl. A non-positive ttl stores nothing.
func (c *Cache[V]) Set(key string, v V, ttl time.Duration) {
	if ttl <= 0 {
		c.items.Delete(key)
		return
	}
	c.items.Set(key, v, ttl)
}

func (c *Cache[V]) Delete(key string) {
	c.items.Delete(key)
}

func (c *Cache[V]) Len() int {
	return c.items.Len()
}

// Start runs the expired-entry janitor until Stop.
func (c *Cache[V]) Start() {
	go c.items.Start()
}

func (c *Cache[V]) Stop() {
	c.items.Stop()
}
