package ports

import (
	"context"

	"proxcall/internal/core/domain"
)

// SignalChannel moves a signaling envelope to a connected user.
type SignalChannel interface {
	Deliver(ctx context.Context, to domain.UserID, env domain.SignalingEnvelope) error
}

// MediaTransport is the peer media capability. Implementations own ICE,
// DTLS and SRTP; callers only see descriptions and candidates.
type MediaTransport interface {
	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetRemoteDescription(ctx context.Context, desc domain.SessionDescription) error
	AddICECandidate(ctx context.Context, candidate domain.ICECandidate) error
	AttachLocalTrack(ctx context.Context, kind domain.TrackKind) error
	SetTrackEnabled(kind domain.TrackKind, enabled bool) error
	ConnectionState() domain.MediaState
	OnConnectionStateChange(fn func(domain.MediaState))
	OnICECandidate(fn func(domain.ICECandidate))
	Close() error
}

// SignalingClient is the client-side view of the signaling server.
type SignalingClient interface {
	SendSignal(ctx context.Context, env domain.SignalingEnvelope) error
	ReportMediaState(ctx context.Context, callID domain.CallID, state domain.MediaState) error
}
