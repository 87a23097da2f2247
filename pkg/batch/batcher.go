package batch

import (
	"context"
	"sync"
	"time"
)

// ProcessFunc handles one flushed batch. The map is owned by the callee.
type ProcessFunc[K comparable, V any] func(ctx context.Context, items map[K]V) error

// Batcher coalesces writes by key: only the latest value per key is kept
// until the next flush. A flush happens every interval, as soon as
// batchSize keys are pending, and once more on Stop.
type Batcher[K comparable, V any] struct {
	batchSize int
	interval  time.Duration
	process   ProcessFunc[K, V]
	onError   func(error)

	mu      sync.Mutex
	pending map[K]V

	flushChan chan struct{}
	stopChan  chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
}

// New starts a batcher that calls process with up to batchSize entries
// every interval. onError may be nil.
func New[K comparable, V any](batchSize int, interval time.Duration, process ProcessFunc[K, V], onError func(error)) *Batcher[K, V] {
	if batchSize <= 0 {
		batchSize = 1
	}
	if onError == nil {
		onError = func(error) {}
	}
	b := &Batcher[K, V]{
		batchSize: batchSize,
		interval:  interval,
		process:   process,
		onError:   onError,
		pending:   make(map[K]V, batchSize),
		flushChan: make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.run()
	return b
}

// Add replaces any pending value for key.
func (b *Batcher[K, V]) Add(key K, value V) {
	b.mu.Lock()
	b.pending[key] = value
	full := len(b.pending) >= b.batchSize
	b.mu.Unlock()

	if full {
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
}

func (b *Batcher[K, V]) Get(key K) (V, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.pending[key]
	return v, ok
}

// Remove drops a pending value so it is never flushed.
func (b *Batcher[K, V]) Remove(key K) {
	b.mu.Lock()
	delete(b.pending, key)
	b.mu.Unlock()
}

// Flush processes everything pending now.
func (b *Batcher[K, V]) Flush(ctx context.Context) error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	items := b.pending
	b.pending = make(map[K]V, b.batchSize)
	b.mu.Unlock()

	return b.process(ctx, items)
}

// PendingCount returns the number of keys waiting for a flush.
func (b *Batcher[K, V]) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *Batcher[K, V]) run() {
	defer close(b.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	flush := func() {
		if err := b.Flush(context.Background()); err != nil {
			b.onError(err)
		}
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case <-b.flushChan:
			flush()
		case <-b.stopChan:
			flush()
			return
		}
	}
}

// Stop flushes what is pending and waits for the loop to exit.
func (b *Batcher[K, V]) Stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
	<-b.done
}
