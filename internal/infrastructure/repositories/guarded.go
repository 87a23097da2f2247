package repositories

import (
	"context"
	"errors"

	"proxcall/internal/core/domain"
	"proxcall/internal/core/ports"
	"proxcall/pkg/circuitbreaker"

	"go.uber.org/zap"
)

// One breaker guards every store sharing a backend, so an outage seen by
// position writes also short-circuits call log writes.
func newBackendBreaker(name string, logger *zap.SugaredLogger) *circuitbreaker.CircuitBreaker {
	cb := circuitbreaker.New(circuitbreaker.DefaultConfig())
	cb.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("store circuit breaker state changed",
			"backend", name,
			"from", from.String(),
			"to", to.String(),
		)
	})
	return cb
}

// GuardedPositionStore fails fast while its backend is unhealthy. Position
// snapshots are best effort, so rejected writes are not retried.
type GuardedPositionStore struct {
	store   ports.PositionStore
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedPositionStore runs every store call through breaker.
func NewGuardedPositionStore(store ports.PositionStore, breaker *circuitbreaker.CircuitBreaker) *GuardedPositionStore {
	return &GuardedPositionStore{store: store, breaker: breaker}
}

func (s *GuardedPositionStore) Save(ctx context.Context, user domain.TrackedUser) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.store.Save(ctx, user)
	})
}

func (s *GuardedPositionStore) Load(ctx context.Context, id domain.UserID) (*domain.TrackedUser, error) {
	return circuitbreaker.Do(ctx, s.breaker, func(ctx context.Context) (*domain.TrackedUser, error) {
		return s.store.Load(ctx, id)
	})
}

// SaveMany keeps bulk writes available through the guard.
func (s *GuardedPositionStore) SaveMany(ctx context.Context, users []domain.TrackedUser) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		if bulk, ok := s.store.(bulkPositionSaver); ok {
			return bulk.SaveMany(ctx, users)
		}
		var errs []error
		for _, u := range users {
			if err := s.store.Save(ctx, u); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

func (s *GuardedPositionStore) Delete(ctx context.Context, id domain.UserID) error {
	return s.breaker.Execute(ctx, func(ctx context.Context) error {
		return s.store.Delete(ctx, id)
	})
}

type GuardedCallLog struct {
	log     ports.CallLog
	breaker *circuitbreaker.CircuitBreaker
}

// NewGuardedCallLog runs every log call through breaker.
func NewGuardedCallLog(log ports.CallLog, breaker *circuitbreaker.CircuitBreaker) *GuardedCallLog {
	return &GuardedCallLog{log: log, breaker: breaker}
}

func (l *GuardedCallLog) Record(ctx context.Context, call domain.CallSession) error {
	return l.breaker.Execute(ctx, func(ctx context.Context) error {
		return l.log.Record(ctx, call)
	})
}

// Get passes a not-found result through as a success so lookups of
// unknown calls do not trip the breaker.
func (l *GuardedCallLog) Get(ctx context.Context, id domain.CallID) (*domain.CallSession, error) {
	var notFound error
	call, err := circuitbreaker.Do(ctx, l.breaker, func(ctx context.Context) (*domain.CallSession, error) {
		call, err := l.log.Get(ctx, id)
		if isNotFound(err) {
			notFound = err
			return nil, nil
		}
		return call, err
	})
	if notFound != nil {
		return nil, notFound
	}
	return call, err
}

func (l *GuardedCallLog) Recent(ctx context.Context, limit int) ([]domain.CallSession, error) {
	return circuitbreaker.Do(ctx, l.breaker, func(ctx context.Context) ([]domain.CallSession, error) {
		return l.log.Recent(ctx, limit)
	})
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrCallNotFound)
}
