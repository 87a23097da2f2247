package cache

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (m *manualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *manualClock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func TestCache_SetGet(t *testing.T) {
	c := New[string, int](time.Minute)
	defer c.Stop()

	c.Set("a", 1)
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestCache_Expiry(t *testing.T) {
	clock := &manualClock{now: time.Unix(1000, 0)}
	c := newCache[string, string](time.Minute, clock.Now)
	defer c.Stop()

	c.Set("short", "x")
	c.SetWithTTL("long", "y", time.Hour)

	clock.Advance(time.Minute)

	_, ok := c.Get("short")
	assert.False(t, ok, "entry expires exactly at its deadline")
	_, ok = c.Get("long")
	assert.True(t, ok)

	assert.Equal(t, 2, c.Size())
	assert.Equal(t, 1, c.Invalidate())
	assert.Equal(t, 1, c.Size())
}

func TestCache_StopIsIdempotent(t *testing.T) {
	c := New[int, int](0)
	c.Stop()
	assert.NotPanics(t, c.Stop)
}
