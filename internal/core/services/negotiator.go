package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"proxcall/internal/core/domain"
	"proxcall/internal/core/ports"

	"go.uber.org/zap"
)

// Negotiator runs the client side of one call: it creates the offer or the
// answer on the bound MediaTransport and exchanges them over signaling.
// Remote ICE candidates that arrive before the remote description are
// buffered and applied once it is set.
type Negotiator struct {
	self      domain.UserID
	transport ports.MediaTransport
	signaling ports.SignalingClient
	logger    *zap.SugaredLogger

	mu        sync.Mutex
	call      domain.CallSession
	peer      domain.UserID
	started   bool
	remoteSet bool
	pending   []domain.ICECandidate
	closed    bool
}

// NewNegotiator binds a transport to a signaling client for one user.
func NewNegotiator(self domain.UserID, transport ports.MediaTransport, signaling ports.SignalingClient, logger *zap.SugaredLogger) *Negotiator {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	n := &Negotiator{
		self:      self,
		transport: transport,
		signaling: signaling,
		logger:    logger,
	}
	transport.OnICECandidate(n.onLocalCandidate)
	transport.OnConnectionStateChange(n.onStateChange)
	return n
}

// Start binds an accepted call. The participant chosen by
// ShouldInitiateOffer sends the offer; the other side waits for it.
func (n *Negotiator) Start(ctx context.Context, call domain.CallSession) error {
	peer, ok := call.Peer(n.self)
	if !ok {
		return fmt.Errorf("%w: %s is not in call %s", domain.ErrSignalingMismatch, n.self, call.ID)
	}

	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return nil
	}
	n.call = call
	n.peer = peer
	n.started = true
	n.mu.Unlock()

	if !ShouldInitiateOffer(n.self, peer) {
		n.logger.Debugw("waiting for remote offer", "call_id", call.ID, "peer", peer)
		return nil
	}

	offer, err := n.transport.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", domain.ErrMediaTransport, err)
	}
	return n.send(ctx, domain.SignalOffer, offer)
}

// HandleSignal applies an envelope received from the peer.
func (n *Negotiator) HandleSignal(ctx context.Context, env domain.SignalingEnvelope) error {
	n.mu.Lock()
	bound := n.started && env.CallID == n.call.ID && env.SenderID == n.peer
	n.mu.Unlock()
	if !bound {
		return fmt.Errorf("%w: envelope for %s from %s", domain.ErrSignalingMismatch, env.CallID, env.SenderID)
	}

	switch env.Type {
	case domain.SignalOffer:
		var desc domain.SessionDescription
		if err := json.Unmarshal(env.Payload, &desc); err != nil {
			return fmt.Errorf("invalid offer payload: %w", err)
		}
		if err := n.applyRemote(ctx, desc); err != nil {
			return err
		}
		answer, err := n.transport.CreateAnswer(ctx)
		if err != nil {
			return fmt.Errorf("%w: create answer: %v", domain.ErrMediaTransport, err)
		}
		return n.send(ctx, domain.SignalAnswer, answer)

	case domain.SignalAnswer:
		var desc domain.SessionDescription
		if err := json.Unmarshal(env.Payload, &desc); err != nil {
			return fmt.Errorf("invalid answer payload: %w", err)
		}
		return n.applyRemote(ctx, desc)

	case domain.SignalICECandidate:
		var candidate domain.ICECandidate
		if err := json.Unmarshal(env.Payload, &candidate); err != nil {
			return fmt.Errorf("invalid candidate payload: %w", err)
		}
		n.mu.Lock()
		if !n.remoteSet {
			n.pending = append(n.pending, candidate)
			n.mu.Unlock()
			return nil
		}
		n.mu.Unlock()
		if err := n.transport.AddICECandidate(ctx, candidate); err != nil {
			return fmt.Errorf("%w: add candidate: %v", domain.ErrMediaTransport, err)
		}
		return nil

	case domain.SignalEnd:
		return n.Close()
	}
	return fmt.Errorf("%w: unknown signal type %q", domain.ErrSignalingMismatch, env.Type)
}

// Hangup tells the peer the call is over and releases the transport.
func (n *Negotiator) Hangup(ctx context.Context) error {
	n.mu.Lock()
	started := n.started
	n.mu.Unlock()
	if started {
		if err := n.send(ctx, domain.SignalEnd, nil); err != nil {
			n.logger.Warnw("failed to send end signal", "error", err)
		}
	}
	return n.Close()
}

// ToggleAudio mutes or unmutes the local audio track. Call state is untouched.
func (n *Negotiator) ToggleAudio(enabled bool) error {
	return n.transport.SetTrackEnabled(domain.TrackAudio, enabled)
}

func (n *Negotiator) ToggleVideo(enabled bool) error {
	return n.transport.SetTrackEnabled(domain.TrackVideo, enabled)
}

// Close releases the transport without telling the peer.
func (n *Negotiator) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.pending = nil
	n.mu.Unlock()
	return n.transport.Close()
}

func (n *Negotiator) applyRemote(ctx context.Context, desc domain.SessionDescription) error {
	if err := n.transport.SetRemoteDescription(ctx, desc); err != nil {
		return fmt.Errorf("%w: set remote description: %v", domain.ErrMediaTransport, err)
	}

	n.mu.Lock()
	n.remoteSet = true
	buffered := n.pending
	n.pending = nil
	n.mu.Unlock()

	for _, c := range buffered {
		if err := n.transport.AddICECandidate(ctx, c); err != nil {
			n.logger.Warnw("failed to apply buffered candidate", "call_id", n.call.ID, "error", err)
		}
	}
	if len(buffered) > 0 {
		n.logger.Debugw("flushed buffered candidates", "call_id", n.call.ID, "count", len(buffered))
	}
	return nil
}

func (n *Negotiator) send(ctx context.Context, typ domain.SignalType, payload any) error {
	n.mu.Lock()
	env := domain.SignalingEnvelope{
		Type:       typ,
		CallID:     n.call.ID,
		SenderID:   n.self,
		ReceiverID: n.peer,
	}
	n.mu.Unlock()

	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode %s payload: %w", typ, err)
		}
		env.Payload = raw
	}
	return n.signaling.SendSignal(ctx, env)
}

func (n *Negotiator) onLocalCandidate(c domain.ICECandidate) {
	n.mu.Lock()
	ready := n.started && !n.closed
	n.mu.Unlock()
	if !ready {
		return
	}
	if err := n.send(context.Background(), domain.SignalICECandidate, c); err != nil {
		n.logger.Warnw("failed to send local candidate", "error", err)
	}
}

func (n *Negotiator) onStateChange(state domain.MediaState) {
	n.mu.Lock()
	callID := n.call.ID
	started := n.started
	n.mu.Unlock()
	if !started {
		return
	}
	if err := n.signaling.ReportMediaState(context.Background(), callID, state); err != nil {
		n.logger.Warnw("failed to report media state", "call_id", callID, "state", state, "error", err)
	}
}
