package services

import (
	"context"
	"fmt"

	"proxcall/internal/core/domain"
	"proxcall/internal/core/ports"
	"proxcall/pkg/tracing"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// liveSessions is the part of the registry the relay depends on.
type liveSessions interface {
	Live(id domain.CallID) (domain.CallSession, bool)
	End(ctx context.Context, id domain.CallID, reason domain.EndReason) error
}

// SignalingRelay forwards offer/answer/ICE/end envelopes between the two
// participants of a live call. Invalid envelopes are dropped, never
// returned as errors: they race with teardown in normal operation.
type SignalingRelay struct {
	calls   liveSessions
	channel ports.SignalChannel
	handler ports.EventHandler
	logger  *zap.SugaredLogger
}

// NewSignalingRelay creates a relay that delivers through channel.
func NewSignalingRelay(calls liveSessions, channel ports.SignalChannel, handler ports.EventHandler, logger *zap.SugaredLogger) *SignalingRelay {
	if handler == nil {
		handler = nopHandler{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SignalingRelay{
		calls:   calls,
		channel: channel,
		handler: handler,
		logger:  logger,
	}
}

// Relay reports whether the envelope was forwarded.
func (r *SignalingRelay) Relay(ctx context.Context, env domain.SignalingEnvelope) bool {
	ctx, span := tracing.StartSpan(ctx, "signal.relay")
	defer span.End()
	span.SetAttributes(
		tracing.CallIDKey.String(string(env.CallID)),
		attribute.String("signal.type", string(env.Type)),
	)

	if err := r.check(env); err != nil {
		r.drop(ctx, env, err)
		return false
	}

	if err := r.channel.Deliver(ctx, env.ReceiverID, env); err != nil {
		r.logger.Warnw("failed to deliver signal",
			"call_id", env.CallID,
			"type", env.Type,
			"to", env.ReceiverID,
			"error", err,
		)
	} else {
		r.handler.HandleEvent(ctx, domain.SignalRelayed{Envelope: env})
	}

	if env.Type == domain.SignalEnd {
		if err := r.calls.End(ctx, env.CallID, domain.EndReasonHangup); err != nil {
			r.logger.Debugw("end signal for call that is already gone", "call_id", env.CallID, "error", err)
		}
	}

	r.logger.Debugw("signal relayed",
		"call_id", env.CallID,
		"type", env.Type,
		"from", env.SenderID,
		"to", env.ReceiverID,
		"payload_bytes", len(env.Payload),
	)
	return true
}

func (r *SignalingRelay) check(env domain.SignalingEnvelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	call, ok := r.calls.Live(env.CallID)
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrCallNotFound, env.CallID)
	}
	peer, member := call.Peer(env.SenderID)
	if !member || peer != env.ReceiverID {
		return fmt.Errorf("%w: %s -> %s is not the participant pair of %s",
			domain.ErrSignalingMismatch, env.SenderID, env.ReceiverID, env.CallID)
	}
	// Negotiation starts only after the receiver has accepted.
	if env.Type != domain.SignalEnd && call.Status.AwaitingResponse() {
		return fmt.Errorf("%w: call %s has not been accepted", domain.ErrInvalidTransition, env.CallID)
	}
	return nil
}

func (r *SignalingRelay) drop(ctx context.Context, env domain.SignalingEnvelope, reason error) {
	r.logger.Warnw("dropping signaling envelope",
		"call_id", env.CallID,
		"type", env.Type,
		"from", env.SenderID,
		"to", env.ReceiverID,
		"reason", reason,
	)
	tracing.RecordError(ctx, reason)
	r.handler.HandleEvent(ctx, domain.SignalDropped{Envelope: env, Reason: reason.Error()})
}
