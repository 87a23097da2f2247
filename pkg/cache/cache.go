package cache

import (
	"sync"
	"time"
)

type item[V any] struct {
	value     V
	expiresAt time.Time
}

func (i item[V]) expired(now time.Time) bool {
	return !now.Before(i.expiresAt)
}

// Cache is a thread-safe in-memory cache with TTL support. Expired items
// are invisible to readers and swept by a background goroutine until Stop
// is called.
type Cache[K comparable, V any] struct {
	mu              sync.RWMutex
	items           map[K]item[V]
	defaultTTL      time.Duration
	cleanupInterval time.Duration
	now             func() time.Time
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

// New creates a cache whose entries live for defaultTTL unless set with
// SetWithTTL.
func New[K comparable, V any](defaultTTL time.Duration) *Cache[K, V] {
	return newCache[K, V](defaultTTL, time.Now)
}

func newCache[K comparable, V any](defaultTTL time.Duration, now func() time.Time) *Cache[K, V] {
	interval := defaultTTL / 2
	if interval <= 0 {
		interval = time.Minute
	}
	c := &Cache[K, V]{
		items:           make(map[K]item[V]),
		defaultTTL:      defaultTTL,
		cleanupInterval: interval,
		now:             now,
		stopCleanup:     make(chan struct{}),
	}

	go c.cleanup()

	return c
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	it, ok := c.items[key]
	if !ok || it.expired(c.now()) {
		var zero V
		return zero, false
	}
	return it.value, true
}

// Set stores a value in cache with default TTL
func (c *Cache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

func (c *Cache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = item[V]{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
}

func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Invalidate drops every expired item and returns how many were removed.
func (c *Cache[K, V]) Invalidate() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for key, it := range c.items {
		if it.expired(now) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

// Size counts stored items, expired ones included until the next sweep.
func (c *Cache[K, V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stop stops the cleanup goroutine
func (c *Cache[K, V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}

func (c *Cache[K, V]) cleanup() {
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Invalidate()
		case <-c.stopCleanup:
			return
		}
	}
}
