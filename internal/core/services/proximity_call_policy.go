package services

import (
	"context"
	"errors"
	"sync"

	"proxcall/internal/core/domain"

	"go.uber.org/zap"
)

type AutoConnectConfig struct {
	Enabled bool
	// Range is separate from the visibility range and normally much smaller.
	Range      float64
	AutoAccept bool
}

func DefaultAutoConnectConfig() AutoConnectConfig {
	return AutoConnectConfig{
		Enabled:    false,
		Range:      DefaultAutoConnectRange,
		AutoAccept: true,
	}
}

type proximityCalls interface {
	Initiate(ctx context.Context, from, to domain.UserID, origin domain.CallOrigin) (domain.CallSession, error)
	Accept(ctx context.Context, id domain.CallID, by domain.UserID) (domain.CallSession, error)
	HandleProximityLost(ctx context.Context, a, b domain.UserID) bool
}

type availabilityChecker interface {
	IsAvailable(id domain.UserID) bool
}

type userPair [2]domain.UserID

func pairOf(a, b domain.UserID) userPair {
	if a < b {
		return userPair{a, b}
	}
	return userPair{b, a}
}

// ProximityCallPolicy turns proximity events into call lifecycle actions:
// leaving range tears calls down through the registry, and, when enabled,
// getting within the auto-connect range starts a proximity call.
type ProximityCallPolicy struct {
	cfg      AutoConnectConfig
	calls    proximityCalls
	presence availabilityChecker
	logger   *zap.SugaredLogger

	mu sync.Mutex
	// attempted holds pairs already auto-called during the current approach.
	attempted map[userPair]struct{}
}

// NewProximityCallPolicy creates the policy. presence may be nil.
func NewProximityCallPolicy(cfg AutoConnectConfig, calls proximityCalls, presence availabilityChecker, logger *zap.SugaredLogger) *ProximityCallPolicy {
	if cfg.Range <= 0 {
		cfg.Range = DefaultAutoConnectRange
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ProximityCallPolicy{
		cfg:       cfg,
		calls:     calls,
		presence:  presence,
		logger:    logger,
		attempted: make(map[userPair]struct{}),
	}
}

// HandleEvent reacts to range changes and nearby-view updates.
func (p *ProximityCallPolicy) HandleEvent(ctx context.Context, event domain.Event) {
	switch e := event.(type) {
	case domain.UserLeftRange:
		p.forget(pairOf(e.Observer, e.Subject))
		// Going busy or dropping the connection is not proximity loss; the
		// hub ends calls of disconnected users itself.
		if e.Cause == domain.LeaveOutOfRange {
			p.calls.HandleProximityLost(ctx, e.Observer, e.Subject)
		}
	case domain.ProximityUpdated:
		if p.cfg.Enabled {
			p.autoConnect(ctx, e)
		}
	}
}

func (p *ProximityCallPolicy) autoConnect(ctx context.Context, e domain.ProximityUpdated) {
	for _, n := range e.Nearby {
		if !ShouldInitiateOffer(e.UserID, n.UserID) {
			continue
		}
		pair := pairOf(e.UserID, n.UserID)
		if n.Distance > p.cfg.Range {
			p.forget(pair)
			continue
		}
		if !p.claim(pair) {
			continue
		}
		if p.presence != nil && !p.presence.IsAvailable(e.UserID) {
			p.forget(pair)
			continue
		}

		call, err := p.calls.Initiate(ctx, e.UserID, n.UserID, domain.CallOriginProximity)
		if err != nil {
			if errors.Is(err, domain.ErrAlreadyInCall) {
				p.logger.Debugw("auto-connect skipped, user busy", "from", e.UserID, "to", n.UserID)
			} else {
				p.logger.Warnw("auto-connect failed", "from", e.UserID, "to", n.UserID, "error", err)
			}
			continue
		}

		p.logger.Infow("auto-connect call started",
			"call_id", call.ID,
			"from", e.UserID,
			"to", n.UserID,
			"distance", n.Distance,
		)

		if p.cfg.AutoAccept && call.Status.AwaitingResponse() {
			if _, err := p.calls.Accept(ctx, call.ID, n.UserID); err != nil {
				p.logger.Warnw("auto-accept failed", "call_id", call.ID, "error", err)
			}
		}
	}
}

func (p *ProximityCallPolicy) claim(pair userPair) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, done := p.attempted[pair]; done {
		return false
	}
	p.attempted[pair] = struct{}{}
	return true
}

func (p *ProximityCallPolicy) forget(pair userPair) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.attempted, pair)
}
