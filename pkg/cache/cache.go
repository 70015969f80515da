// Package cache provides a sharded in-memory cache with optional expiry,
// used for per-symbol exchange metadata that is expensive to re-fetch.
package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// Cache is a sharded string-keyed cache. A zero TTL disables expiry.
type Cache[V any] struct {
	shards [numShards]*shard[V]
	ttl    time.Duration
}

type shard[V any] struct {
	mu    sync.RWMutex
	items map[string]entry[V]
}

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// New creates a cache whose entries expire after ttl (0 = never).
func New[V any](ttl time.Duration) *Cache[V] {
	c := &Cache[V]{ttl: ttl}
	for i := range c.shards {
		c.shards[i] = &shard[V]{items: make(map[string]entry[V])}
	}
	return c
}

func (c *Cache[V]) getShard(key string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a value under key.
func (c *Cache[V]) Set(key string, value V) {
	s := c.getShard(key)
	s.mu.Lock()
	s.items[key] = entry[V]{value: value, storedAt: time.Now()}
	s.mu.Unlock()
}

// Get returns the cached value if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	s := c.getShard(key)
	s.mu.RLock()
	e, ok := s.items[key]
	s.mu.RUnlock()
	if !ok || c.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Delete removes key from the cache.
func (c *Cache[V]) Delete(key string) {
	s := c.getShard(key)
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
}

// Len counts live (unexpired) entries across all shards.
func (c *Cache[V]) Len() int {
	total := 0
	for _, s := range c.shards {
		s.mu.RLock()
		for _, e := range s.items {
			if !c.expired(e) {
				total++
			}
		}
		s.mu.RUnlock()
	}
	return total
}

// Purge drops expired entries and returns how many were removed.
func (c *Cache[V]) Purge() int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for key, e := range s.items {
			if c.expired(e) {
				delete(s.items, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

func (c *Cache[V]) expired(e entry[V]) bool {
	return c.ttl > 0 && time.Since(e.storedAt) > c.ttl
}
