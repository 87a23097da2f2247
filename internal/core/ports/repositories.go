package ports

import (
	"context"

	"proxcall/internal/core/domain"
)

// PositionStore keeps the last known position of a user across reconnects.
type PositionStore interface {
	Save(ctx context.Context, user domain.TrackedUser) error
	Load(ctx context.Context, id domain.UserID) (*domain.TrackedUser, error)
	Delete(ctx context.Context, id domain.UserID) error
}

// CallLog retains ended sessions for a short while.
type CallLog interface {
	Record(ctx context.Context, call domain.CallSession) error
	Get(ctx context.Context, id domain.CallID) (*domain.CallSession, error)
	Recent(ctx context.Context, limit int) ([]domain.CallSession, error)
}
