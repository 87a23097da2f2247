package repositories

import (
	"context"
	"errors"
	"slices"
	"time"

	"proxcall/internal/core/domain"
	"proxcall/internal/core/ports"
	"proxcall/pkg/batch"

	"go.uber.org/zap"
)

type bulkPositionSaver interface {
	SaveMany(ctx context.Context, users []domain.TrackedUser) error
}

// WriteBehindPositionStore keeps position writes off the update path: saves
// are coalesced per user and flushed in the background. Loads see pending
// snapshots first.
//
// A Delete that races an in-flight flush can be overtaken by it; the stale
// snapshot then ages out with the store TTL.
type WriteBehindPositionStore struct {
	store   ports.PositionStore
	pending *batch.Batcher[domain.UserID, domain.TrackedUser]
}

// NewWriteBehindPositionStore buffers saves in front of store and flushes
// them every interval or once batchSize users are pending.
func NewWriteBehindPositionStore(store ports.PositionStore, batchSize int, interval time.Duration, logger *zap.SugaredLogger) *WriteBehindPositionStore {
	s := &WriteBehindPositionStore{store: store}
	s.pending = batch.New(batchSize, interval, s.flush, func(err error) {
		logger.Warnw("failed to flush position snapshots", "error", err)
	})
	return s
}

func (s *WriteBehindPositionStore) Save(ctx context.Context, user domain.TrackedUser) error {
	if current, ok := s.pending.Get(user.UserID); ok && current.Position.Timestamp > user.Position.Timestamp {
		return nil
	}
	s.pending.Add(user.UserID, user)
	return nil
}

// Load prefers a snapshot that has not been flushed yet.
func (s *WriteBehindPositionStore) Load(ctx context.Context, id domain.UserID) (*domain.TrackedUser, error) {
	if user, ok := s.pending.Get(id); ok {
		return &user, nil
	}
	return s.store.Load(ctx, id)
}

func (s *WriteBehindPositionStore) Delete(ctx context.Context, id domain.UserID) error {
	s.pending.Remove(id)
	return s.store.Delete(ctx, id)
}

// Close flushes pending snapshots.
func (s *WriteBehindPositionStore) Close() {
	s.pending.Stop()
}

func (s *WriteBehindPositionStore) flush(ctx context.Context, items map[domain.UserID]domain.TrackedUser) error {
	users := make([]domain.TrackedUser, 0, len(items))
	for _, u := range items {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.TrackedUser) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})

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
}
