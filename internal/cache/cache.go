// Package cache provides small process-local caches for hot-path lookups.
// Entries are advisory only: nothing here is shared across instances, and
// correctness must never depend on a cache hit.
package cache

import (
	"sort"
	"sync"
	"time"
)

type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Set(key K, value V, ttl time.Duration)
	Delete(key K)
	Len() int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
	setAt     time.Time
}

type ttlCache[K comparable, V any] struct {
	mu         sync.RWMutex
	entries    map[K]entry[V]
	maxEntries int
}

// NewTTLCache returns an unbounded TTL cache.
func NewTTLCache[K comparable, V any]() Cache[K, V] {
	return &ttlCache[K, V]{entries: make(map[K]entry[V])}
}

// NewBoundedTTLCache returns a TTL cache capped at maxEntries. When the cap
// is exceeded the oldest ~10% of entries are evicted, so sustained insert
// pressure cannot grow the map without bound.
func NewBoundedTTLCache[K comparable, V any](maxEntries int) Cache[K, V] {
	return &ttlCache[K, V]{
		entries:    make(map[K]entry[V]),
		maxEntries: maxEntries,
	}
}

func (c *ttlCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	item, ok := c.entries[key]
	c.mu.RUnlock()

	var zero V
	if !ok {
		return zero, false
	}
	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		c.Delete(key)
		return zero, false
	}
	return item.value, true
}

func (c *ttlCache[K, V]) Set(key K, value V, ttl time.Duration) {
	now := time.Now()
	item := entry[V]{value: value, setAt: now}
	if ttl > 0 {
		item.expiresAt = now.Add(ttl)
	}

	c.mu.Lock()
	c.entries[key] = item
	if c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		c.evictOldestLocked()
	}
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *ttlCache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ttlCache[K, V]) evictOldestLocked() {
	count := len(c.entries) / 10
	if count < 1 {
		count = 1
	}

	type aged[T comparable] struct {
		key   T
		setAt time.Time
	}
	all := make([]aged[K], 0, len(c.entries))
	for key, item := range c.entries {
		all = append(all, aged[K]{key: key, setAt: item.setAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].setAt.Before(all[j].setAt) })

	for i := 0; i < count && i < len(all); i++ {
		delete(c.entries, all[i].key)
	}
}
