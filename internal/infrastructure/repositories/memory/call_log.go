package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"proxcall/internal/core/domain"
	"proxcall/pkg/cache"
)

const maxRecentCalls = 1000

// CallLog keeps ended sessions in a TTL cache and remembers the order they
// ended in for Recent.
type CallLog struct {
	calls *cache.Cache[domain.CallID, domain.CallSession]

	mu    sync.Mutex
	order []domain.CallID // oldest first
}

// NewCallLog keeps completed calls in memory for ttl.
func NewCallLog(ttl time.Duration) *CallLog {
	return &CallLog{
		calls: cache.New[domain.CallID, domain.CallSession](ttl),
	}
}

func (l *CallLog) Record(ctx context.Context, call domain.CallSession) error {
	if call.ID == "" {
		return fmt.Errorf("cannot record call without id")
	}
	l.calls.Set(call.ID, call)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.order = append(l.order, call.ID)
	if len(l.order) > maxRecentCalls {
		dropped := l.order[:len(l.order)-maxRecentCalls]
		for _, id := range dropped {
			l.calls.Delete(id)
		}
		l.order = append([]domain.CallID(nil), l.order[len(dropped):]...)
	}
	return nil
}

func (l *CallLog) Get(ctx context.Context, id domain.CallID) (*domain.CallSession, error) {
	call, ok := l.calls.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
	}
	return &call, nil
}

// Recent returns up to limit calls, most recently ended first. Expired
// entries are skipped and pruned from the ordering.
func (l *CallLog) Recent(ctx context.Context, limit int) ([]domain.CallSession, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([]domain.CallSession, 0, min(limit, len(l.order)))
	live := l.order[:0]
	for _, id := range l.order {
		if _, ok := l.calls.Get(id); ok {
			live = append(live, id)
		}
	}
	l.order = live

	for i := len(l.order) - 1; i >= 0 && len(result) < limit; i-- {
		if call, ok := l.calls.Get(l.order[i]); ok {
			result = append(result, call)
		}
	}
	return result, nil
}

// Close stops the expiry goroutine.
func (l *CallLog) Close() {
	l.calls.Stop()
}
