package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	batches []map[string]int
}

func (r *recorder) process(_ context.Context, items map[string]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, items)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestBatcher_CoalescesByKey(t *testing.T) {
	rec := &recorder{}
	b := New(100, time.Hour, rec.process, nil)

	b.Add("alice", 1)
	b.Add("alice", 2)
	b.Add("bob", 7)
	assert.Equal(t, 2, b.PendingCount())

	v, ok := b.Get("alice")
	require.True(t, ok)
	assert.Equal(t, 2, v)

	require.NoError(t, b.Flush(context.Background()))
	require.Equal(t, 1, rec.count())
	assert.Equal(t, map[string]int{"alice": 2, "bob": 7}, rec.batches[0])
	assert.Zero(t, b.PendingCount())

	b.Stop()
	assert.Equal(t, 1, rec.count(), "stop with nothing pending does not process")
}

func TestBatcher_FlushesWhenFull(t *testing.T) {
	rec := &recorder{}
	b := New(2, time.Hour, rec.process, nil)
	defer b.Stop()

	b.Add("a", 1)
	b.Add("b", 2)
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBatcher_FlushesOnInterval(t *testing.T) {
	rec := &recorder{}
	b := New(100, 10*time.Millisecond, rec.process, nil)
	defer b.Stop()

	b.Add("a", 1)
	assert.Eventually(t, func() bool { return rec.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestBatcher_RemoveAndStop(t *testing.T) {
	rec := &recorder{}
	b := New(100, time.Hour, rec.process, nil)

	b.Add("a", 1)
	b.Add("b", 2)
	b.Remove("a")
	b.Stop()
	b.Stop()

	require.Equal(t, 1, rec.count())
	assert.Equal(t, map[string]int{"b": 2}, rec.batches[0])
}

func TestBatcher_ReportsErrors(t *testing.T) {
	errCh := make(chan error, 1)
	b := New(1, time.Hour, func(context.Context, map[string]int) error {
		return errors.New("store down")
	}, func(err error) { errCh <- err })
	defer b.Stop()

	b.Add("a", 1)
	select {
	case err := <-errCh:
		assert.EqualError(t, err, "store down")
	case <-time.After(time.Second):
		t.Fatal("error was not reported")
	}
}
