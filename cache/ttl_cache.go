package cache

import (
	"sync"
	"time"
)

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTLCache stores values in-memory with per-entry TTLs.
type TTLCache[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]cacheEntry[V]
	now   func() time.Time
}

func NewTTLCache[K comparable, V any]() *TTLCache[K, V] {
	return &TTLCache[K, V]{items: make(map[K]cacheEntry[V]), now: time.Now}
}

func (c *TTLCache[K, V]) expired(entry cacheEntry[V]) bool {
	return !entry.expiresAt.IsZero() && c.now().After(entry.expiresAt)
}

// Get returns a cached value if it exists and has not expired.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	var zero V
	c.mu.RLock()
	entry, ok := c.items[key]
	c.mu.RUnlock()
	if !ok {
		return zero, false
	}
	if c.expired(entry) {
		c.Delete(key)
		return zero, false
	}
	return entry.value, true
}

// Set stores a value with the provided TTL; ttl <= 0 never expires.
func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}
	c.mu.Lock()
	c.items[key] = cacheEntry[V]{value: value, expiresAt: expiresAt}
	c.mu.Unlock()
}

// Update rewrites a live entry in place, keeping its expiry. fn returning
// false leaves the entry untouched. Reports whether fn ran and accepted.
func (c *TTLCache[K, V]) Update(key K, fn func(V) (V, bool)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.items[key]
	if !ok {
		return false
	}
	if c.expired(entry) {
		delete(c.items, key)
		return false
	}
	next, accepted := fn(entry.value)
	if !accepted {
		return false
	}
	entry.value = next
	c.items[key] = entry
	return true
}

func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}
