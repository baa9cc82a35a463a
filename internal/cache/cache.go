// Package cache is a small TTL cache with hit/miss accounting.
package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	v      V
	exp    time.Time
	cached time.Time
}

type Cache[V any] struct {
	mu       sync.RWMutex
	data     map[string]entry[V]
	ttl      time.Duration
	now      func() time.Time
	hits     int64
	misses   int64
	inflight int
}

func New[V any](ttl time.Duration) *Cache[V] {
	return &Cache[V]{
		data: make(map[string]entry[V]),
		ttl:  ttl,
		now:  time.Now,
	}
}

// WithClock replaces the time source. Intended for tests.
func (c *Cache[V]) WithClock(now func() time.Time) *Cache[V] {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
	return c
}

// Get returns the value with its expiry and insertion times. Expired
// entries are reported as misses.
func (c *Cache[V]) Get(key string) (V, bool, time.Time, time.Time) {
	c.mu.RLock()
	e, ok := c.data[key]
	now := c.now()
	c.mu.RUnlock()

	var zero V
	if !ok || now.After(e.exp) {
		return zero, false, time.Time{}, time.Time{}
	}
	return e.v, true, e.exp, e.cached
}

func (c *Cache[V]) Set(key string, val V) {
	c.mu.Lock()
	now := c.now()
	c.data[key] = entry[V]{v: val, exp: now.Add(c.ttl), cached: now}
	c.mu.Unlock()
}

// Delete drops key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// Clear drops every entry.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	c.data = make(map[string]entry[V])
	c.mu.Unlock()
}

func (c *Cache[V]) Stats() (size int, hits, misses int64, inflight int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data), c.hits, c.misses, c.inflight
}

func (c *Cache[V]) IncHit()      { c.mu.Lock(); c.hits++; c.mu.Unlock() }
func (c *Cache[V]) IncMiss()     { c.mu.Lock(); c.misses++; c.mu.Unlock() }
func (c *Cache[V]) IncInFlight() { c.mu.Lock(); c.inflight++; c.mu.Unlock() }
func (c *Cache[V]) DecInFlight() {
	c.mu.Lock()
	if c.inflight > 0 {
		c.inflight--
	}
	c.mu.Unlock()
}

func (c *Cache[V]) TTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ttl
}

// CleanupExpired removes expired entries and reports how many went.
func (c *Cache[V]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, e := range c.data {
		if now.After(e.exp) {
			delete(c.data, key)
			removed++
		}
	}
	return removed
}
