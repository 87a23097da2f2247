package ports

import (
	"context"

	"proxcall/internal/core/domain"
)

type ProximityService interface {
	UpdatePosition(ctx context.Context, id domain.UserID, pos domain.Position) error
	SetAvailability(ctx context.Context, id domain.UserID, available bool) error
	Resync(ctx context.Context, id domain.UserID) error
	Restore(ctx context.Context, id domain.UserID) (bool, error)
	RemoveUser(ctx context.Context, id domain.UserID) error
	Leave(ctx context.Context, id domain.UserID) error
	Nearby(id domain.UserID) ([]domain.NearbyUser, error)
	Snapshot() []domain.TrackedUser
	IsTracked(id domain.UserID) bool
}

type CallService interface {
	Initiate(ctx context.Context, from, to domain.UserID, origin domain.CallOrigin) (domain.CallSession, error)
	MarkRinging(ctx context.Context, id domain.CallID, by domain.UserID) error
	Accept(ctx context.Context, id domain.CallID, by domain.UserID) (domain.CallSession, error)
	Reject(ctx context.Context, id domain.CallID, by domain.UserID, reason string) error
	Hangup(ctx context.Context, id domain.CallID, by domain.UserID) error
	End(ctx context.Context, id domain.CallID, reason domain.EndReason) error
	EndAllForUser(ctx context.Context, id domain.UserID, reason domain.EndReason) int
	ReportMediaState(ctx context.Context, id domain.CallID, by domain.UserID, state domain.MediaState) error
	Get(ctx context.Context, id domain.CallID) (domain.CallSession, error)
	ActiveFor(id domain.UserID) (domain.CallSession, bool)
	PendingOffersFor(id domain.UserID) []domain.IncomingCallOffer
	Recent(ctx context.Context, limit int) ([]domain.CallSession, error)
}

type SignalingService interface {
	Relay(ctx context.Context, env domain.SignalingEnvelope) bool
}
