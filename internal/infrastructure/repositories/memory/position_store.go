package memory

import (
	"context"
	"sync"

	"proxcall/internal/core/domain"
)

// PositionStore keeps the last snapshot of every user in process memory.
type PositionStore struct {
	users map[domain.UserID]domain.TrackedUser
	mu    sync.RWMutex
}

// NewPositionStore creates an empty in-memory store.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		users: make(map[domain.UserID]domain.TrackedUser),
	}
}

func (s *PositionStore) Save(ctx context.Context, user domain.TrackedUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// An out-of-order save must not roll a snapshot back.
	if prev, ok := s.users[user.UserID]; ok && user.Position.Timestamp < prev.Position.Timestamp {
		return nil
	}
	s.users[user.UserID] = user
	return nil
}

// Load returns nil without error for unknown users.
func (s *PositionStore) Load(ctx context.Context, id domain.UserID) (*domain.TrackedUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &user, nil
}

func (s *PositionStore) Delete(ctx context.Context, id domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, id)
	return nil
}

// Len returns the number of stored snapshots.
func (s *PositionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}
