package services

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"proxcall/internal/core/domain"
	"proxcall/internal/core/ports"
	"proxcall/pkg/tracing"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

type CallConfig struct {
	RequestTimeout time.Duration
	// EndManualOnProximityLoss extends proximity-loss teardown to calls the
	// users placed themselves.
	EndManualOnProximityLoss bool
}

// DefaultCallConfig returns a 30s response timeout and keeps manual calls
// alive when users drift apart.
func DefaultCallConfig() CallConfig {
	return CallConfig{RequestTimeout: DefaultCallRequestTimeout}
}

// Presence reports whether a user is currently known to the server.
type Presence interface {
	IsTracked(id domain.UserID) bool
}

type RegistryOption func(*CallRegistry)

// WithPresence makes Initiate require both users to be tracked.
func WithPresence(p Presence) RegistryOption {
	return func(r *CallRegistry) { r.presence = p }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *CallRegistry) { r.now = now }
}

func WithCallIDGenerator(gen func() domain.CallID) RegistryOption {
	return func(r *CallRegistry) { r.newID = gen }
}

type liveSession struct {
	call  domain.CallSession
	timer *time.Timer
	// token identifies the armed timer; a fired timer whose token no longer
	// matches does nothing.
	token uint64
}

// CallRegistry is the single owner of live call sessions. Every transition
// happens under mu, so the one-live-call-per-user check and the insert are
// atomic.
type CallRegistry struct {
	cfg      CallConfig
	handler  ports.EventHandler
	callLog  ports.CallLog
	presence Presence
	logger   *zap.SugaredLogger
	now      func() time.Time
	newID    func() domain.CallID

	mu        sync.Mutex
	sessions  map[domain.CallID]*liveSession
	byUser    map[domain.UserID]domain.CallID
	offers    map[domain.UserID]domain.IncomingCallOffer
	nextToken uint64

	emitter *orderedEmitter
}

// NewCallRegistry builds a registry. callLog may be nil.
func NewCallRegistry(cfg CallConfig, handler ports.EventHandler, callLog ports.CallLog, logger *zap.SugaredLogger, opts ...RegistryOption) *CallRegistry {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultCallRequestTimeout
	}
	if handler == nil {
		handler = nopHandler{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	r := &CallRegistry{
		cfg:      cfg,
		handler:  handler,
		callLog:  callLog,
		logger:   logger,
		now:      time.Now,
		newID:    func() domain.CallID { return domain.CallID(uuid.NewString()) },
		sessions: make(map[domain.CallID]*liveSession),
		byUser:   make(map[domain.UserID]domain.CallID),
		offers:   make(map[domain.UserID]domain.IncomingCallOffer),
		emitter:  newOrderedEmitter(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initiate places a call from -> to. If to is already calling from and has
// not been answered yet, the two attempts collapse into that session, which
// is accepted on the spot.
func (r *CallRegistry) Initiate(ctx context.Context, from, to domain.UserID, origin domain.CallOrigin) (domain.CallSession, error) {
	ctx, span := tracing.StartSpan(ctx, "call.initiate")
	defer span.End()
	span.SetAttributes(
		tracing.UserIDKey.String(string(from)),
		tracing.PeerUserIDKey.String(string(to)),
		attribute.String("call.origin", string(origin)),
	)

	if from == "" || to == "" {
		return domain.CallSession{}, fmt.Errorf("%w: empty user id", domain.ErrUserNotFound)
	}
	if from == to {
		return domain.CallSession{}, domain.ErrSelfCall
	}
	if origin == "" {
		origin = domain.CallOriginManual
	}

	r.mu.Lock()

	if r.presence != nil {
		for _, id := range []domain.UserID{from, to} {
			if !r.presence.IsTracked(id) {
				r.mu.Unlock()
				return domain.CallSession{}, fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
			}
		}
	}

	var expired []domain.Event
	var expiredCall domain.CallSession
	if existingID, ok := r.byUser[to]; ok {
		s := r.sessions[existingID]
		if s != nil && s.call.InitiatorID == to && s.call.Has(from) && s.call.Status.AwaitingResponse() {
			if offer, ok := r.offers[from]; ok && offer.CallID == s.call.ID && offer.Expired(r.now()) {
				// The timer has not fired yet; end the stale offer and place a fresh call.
				expired = r.endLocked(s, domain.EndReasonTimeout, "")
				expiredCall = s.call
			} else {
				events := r.acceptLocked(s)
				call := s.call
				r.unlockAndEmit(ctx, events)
				r.logger.Infow("glare resolved by joining existing call",
					"call_id", call.ID,
					"initiator", call.InitiatorID,
					"joined_by", from,
					"offerer", call.OffererID,
				)
				return call, nil
			}
		}
	}

	for _, id := range []domain.UserID{from, to} {
		if callID, busy := r.byUser[id]; busy {
			r.unlockAndEmit(ctx, expired)
			r.recordExpired(ctx, expiredCall)
			err := fmt.Errorf("%w: %s is in call %s", domain.ErrAlreadyInCall, id, callID)
			tracing.RecordError(ctx, err)
			return domain.CallSession{}, err
		}
	}

	now := r.now()
	call := domain.CallSession{
		ID:           r.newID(),
		Participants: [2]domain.UserID{from, to},
		Status:       domain.CallStatusPending,
		Origin:       origin,
		InitiatorID:  from,
		OffererID:    Offerer(from, to),
		CreatedAt:    now,
	}
	offer := domain.IncomingCallOffer{
		CallID:    call.ID,
		From:      from,
		To:        to,
		ExpiresAt: now.Add(r.cfg.RequestTimeout),
	}

	s := &liveSession{call: call}
	r.sessions[call.ID] = s
	r.byUser[from] = call.ID
	r.byUser[to] = call.ID
	r.offers[to] = offer
	r.armTimerLocked(s)

	r.unlockAndEmit(ctx, append(expired, domain.CallRequested{Call: call, Offer: offer}))
	r.recordExpired(ctx, expiredCall)

	span.SetAttributes(tracing.CallIDKey.String(string(call.ID)))
	r.logger.Infow("call initiated",
		"call_id", call.ID,
		"from", from,
		"to", to,
		"origin", origin,
		"offerer", call.OffererID,
	)
	return call, nil
}

// MarkRinging records that the receiver's client has surfaced the offer.
func (r *CallRegistry) MarkRinging(ctx context.Context, id domain.CallID, by domain.UserID) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
	}
	if s.call.Receiver() != by {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is not the receiver of %s", domain.ErrInvalidTransition, by, id)
	}
	if err := r.moveLocked(s, domain.CallStatusRinging); err != nil {
		// Already ringing or past it.
		r.mu.Unlock()
		return nil
	}
	call := s.call
	r.unlockAndEmit(ctx, []domain.Event{domain.CallRinging{Call: call}})
	return nil
}

// Accept moves an unanswered call to connecting. Only the receiver may
// accept, and only while its offer is still valid.
func (r *CallRegistry) Accept(ctx context.Context, id domain.CallID, by domain.UserID) (domain.CallSession, error) {
	ctx, span := tracing.StartSpan(ctx, "call.accept")
	defer span.End()
	span.SetAttributes(tracing.CallIDKey.String(string(id)), tracing.UserIDKey.String(string(by)))

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || !s.call.Has(by) {
		r.mu.Unlock()
		return domain.CallSession{}, fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
	}
	if s.call.InitiatorID == by {
		r.mu.Unlock()
		return domain.CallSession{}, fmt.Errorf("%w: initiator cannot accept own call", domain.ErrInvalidTransition)
	}
	if !s.call.Status.CanTransitionTo(domain.CallStatusConnecting) {
		r.mu.Unlock()
		return domain.CallSession{}, fmt.Errorf("%w: call %s is %s", domain.ErrInvalidTransition, id, s.call.Status)
	}

	offer, hasOffer := r.offers[by]
	if !hasOffer || offer.CallID != id {
		r.mu.Unlock()
		return domain.CallSession{}, fmt.Errorf("%w: offer for %s was withdrawn", domain.ErrCallNotFound, id)
	}
	if offer.Expired(r.now()) {
		events := r.endLocked(s, domain.EndReasonTimeout, "")
		completed := s.call
		r.unlockAndEmit(ctx, events)
		r.record(ctx, completed)
		return domain.CallSession{}, fmt.Errorf("%w: offer for %s expired", domain.ErrCallNotFound, id)
	}

	events := r.acceptLocked(s)
	call := s.call
	r.unlockAndEmit(ctx, events)

	r.logger.Infow("call accepted", "call_id", id, "by", by, "offerer", call.OffererID)
	return call, nil
}

// Reject ends an unanswered call. The receiver declines; the initiator
// withdraws.
func (r *CallRegistry) Reject(ctx context.Context, id domain.CallID, by domain.UserID, reason string) error {
	ctx, span := tracing.StartSpan(ctx, "call.reject")
	defer span.End()
	span.SetAttributes(tracing.CallIDKey.String(string(id)), tracing.UserIDKey.String(string(by)))

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || !s.call.Has(by) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
	}
	if !s.call.Status.AwaitingResponse() {
		r.mu.Unlock()
		return fmt.Errorf("%w: call %s is %s", domain.ErrInvalidTransition, id, s.call.Status)
	}

	events := r.endLocked(s, domain.EndReasonRejected, reason)
	completed := s.call
	r.unlockAndEmit(ctx, events)
	r.record(ctx, completed)

	r.logger.Infow("call rejected", "call_id", id, "by", by, "reason", reason)
	return nil
}

// Hangup ends a call on behalf of one of its participants.
func (r *CallRegistry) Hangup(ctx context.Context, id domain.CallID, by domain.UserID) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	member := ok && s.call.Has(by)
	r.mu.Unlock()
	if !member {
		return fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
	}
	return r.End(ctx, id, domain.EndReasonHangup)
}

// End terminates a live call from any state.
func (r *CallRegistry) End(ctx context.Context, id domain.CallID, reason domain.EndReason) error {
	ctx, span := tracing.StartSpan(ctx, "call.end")
	defer span.End()
	span.SetAttributes(tracing.CallIDKey.String(string(id)), attribute.String("call.end_reason", string(reason)))

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
	}
	events := r.endLocked(s, reason, "")
	completed := s.call
	r.unlockAndEmit(ctx, events)
	r.record(ctx, completed)

	r.logger.Infow("call ended", "call_id", id, "reason", reason)
	return nil
}

// EndAllForUser ends every live call the user takes part in and returns how
// many were ended.
func (r *CallRegistry) EndAllForUser(ctx context.Context, userID domain.UserID, reason domain.EndReason) int {
	r.mu.Lock()
	var (
		events    []domain.Event
		completed []domain.CallSession
	)
	for _, id := range r.sortedSessionIDsLocked() {
		s := r.sessions[id]
		if !s.call.Has(userID) {
			continue
		}
		events = append(events, r.endLocked(s, reason, "")...)
		completed = append(completed, s.call)
	}
	r.unlockAndEmit(ctx, events)

	for _, call := range completed {
		r.record(ctx, call)
	}
	if len(completed) > 0 {
		r.logger.Infow("ended calls for user", "user_id", userID, "reason", reason, "count", len(completed))
	}
	return len(completed)
}

// ReportMediaState applies a media transport state reported by one of the
// participants. Only a connected transport makes a call active.
func (r *CallRegistry) ReportMediaState(ctx context.Context, id domain.CallID, by domain.UserID, state domain.MediaState) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
	}
	if !s.call.Has(by) {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s is not a participant of %s", domain.ErrSignalingMismatch, by, id)
	}

	switch state {
	case domain.MediaStateConnected:
		if s.call.Status == domain.CallStatusActive {
			r.mu.Unlock()
			return nil
		}
		if err := r.moveLocked(s, domain.CallStatusActive); err != nil {
			r.mu.Unlock()
			return fmt.Errorf("media connected: %w", err)
		}
		now := r.now()
		s.call.ConnectedAt = &now
		call := s.call
		r.unlockAndEmit(ctx, []domain.Event{domain.CallActivated{Call: call}})
		r.logger.Infow("call active",
			"call_id", id,
			"setup_ms", now.Sub(call.CreatedAt).Milliseconds(),
		)
		return nil

	case domain.MediaStateFailed, domain.MediaStateClosed, domain.MediaStateDisconnected:
		// A transport failure ends any accepted call; a transport that merely
		// closes or drops only matters once media was flowing.
		ends := s.call.Status == domain.CallStatusActive ||
			(state == domain.MediaStateFailed && !s.call.Status.AwaitingResponse())
		if !ends {
			status := s.call.Status
			r.mu.Unlock()
			r.logger.Debugw("media state reported", "call_id", id, "user_id", by, "state", state, "status", status)
			return nil
		}
		cause := fmt.Errorf("%w: %s reported %s", domain.ErrMediaTransport, by, state)
		events := r.endLocked(s, domain.EndReasonError, cause.Error())
		completed := s.call
		r.unlockAndEmit(ctx, events)
		r.record(ctx, completed)
		r.logger.Warnw("call ended by media transport", "call_id", id, "error", cause)
		return nil

	default:
		r.mu.Unlock()
		r.logger.Debugw("media state reported", "call_id", id, "user_id", by, "state", state)
		return nil
	}
}

// HandleProximityLost ends the call between a and b when the proximity
// policy covers it: always for proximity-started calls, and for manual
// calls only when configured.
func (r *CallRegistry) HandleProximityLost(ctx context.Context, a, b domain.UserID) bool {
	r.mu.Lock()
	id, ok := r.byUser[a]
	if !ok {
		r.mu.Unlock()
		return false
	}
	s := r.sessions[id]
	if s == nil || !s.call.Has(b) {
		r.mu.Unlock()
		return false
	}
	if s.call.Origin != domain.CallOriginProximity && !r.cfg.EndManualOnProximityLoss {
		r.mu.Unlock()
		return false
	}

	events := r.endLocked(s, domain.EndReasonProximityLost, "")
	completed := s.call
	r.unlockAndEmit(ctx, events)
	r.record(ctx, completed)

	r.logger.Infow("call ended after proximity loss", "call_id", id, "origin", completed.Origin)
	return true
}

// Live returns the session if it has not ended.
func (r *CallRegistry) Live(id domain.CallID) (domain.CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || !s.call.IsLive() {
		return domain.CallSession{}, false
	}
	return s.call, true
}

// Get returns a live session or, failing that, one from the completed log.
func (r *CallRegistry) Get(ctx context.Context, id domain.CallID) (domain.CallSession, error) {
	if call, ok := r.Live(id); ok {
		return call, nil
	}
	if r.callLog != nil {
		call, err := r.callLog.Get(ctx, id)
		if err == nil && call != nil {
			return *call, nil
		}
	}
	return domain.CallSession{}, fmt.Errorf("%w: %s", domain.ErrCallNotFound, id)
}

// ActiveFor returns the user's live call, whatever its state.
func (r *CallRegistry) ActiveFor(userID domain.UserID) (domain.CallSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byUser[userID]
	if !ok {
		return domain.CallSession{}, false
	}
	return r.sessions[id].call, true
}

// PendingOffersFor lists unexpired offers waiting on userID.
func (r *CallRegistry) PendingOffersFor(userID domain.UserID) []domain.IncomingCallOffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	offer, ok := r.offers[userID]
	if !ok || offer.Expired(r.now()) {
		return nil
	}
	return []domain.IncomingCallOffer{offer}
}

// Recent returns completed calls from the call log, newest first.
func (r *CallRegistry) Recent(ctx context.Context, limit int) ([]domain.CallSession, error) {
	if r.callLog == nil {
		return nil, nil
	}
	return r.callLog.Recent(ctx, limit)
}

// LiveCount returns the number of calls that have not ended.
func (r *CallRegistry) LiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Close stops every pending timer. Live sessions are left as they are.
func (r *CallRegistry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		r.cancelTimerLocked(s)
	}
}

func (r *CallRegistry) acceptLocked(s *liveSession) []domain.Event {
	r.cancelTimerLocked(s)
	receiver := s.call.Receiver()
	if offer, ok := r.offers[receiver]; ok && offer.CallID == s.call.ID {
		delete(r.offers, receiver)
	}
	if err := r.moveLocked(s, domain.CallStatusConnecting); err != nil {
		r.logger.Errorw("accept on call that cannot connect", "call_id", s.call.ID, "error", err)
		return nil
	}
	return []domain.Event{domain.CallAccepted{Call: s.call}}
}

func (r *CallRegistry) endLocked(s *liveSession, reason domain.EndReason, detail string) []domain.Event {
	r.cancelTimerLocked(s)

	if err := r.moveLocked(s, domain.CallStatusEnded); err != nil {
		r.logger.Errorw("ending call twice", "call_id", s.call.ID, "error", err)
		return nil
	}
	now := r.now()
	s.call.EndedAt = &now
	s.call.EndReason = reason

	delete(r.sessions, s.call.ID)
	for _, p := range s.call.Participants {
		if r.byUser[p] == s.call.ID {
			delete(r.byUser, p)
		}
		if offer, ok := r.offers[p]; ok && offer.CallID == s.call.ID {
			delete(r.offers, p)
		}
	}
	return []domain.Event{domain.CallEnded{Call: s.call, Reason: reason, Detail: detail}}
}

// moveLocked applies next if the call state machine allows it.
func (r *CallRegistry) moveLocked(s *liveSession, next domain.CallStatus) error {
	if !s.call.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: call %s cannot go from %s to %s", domain.ErrInvalidTransition, s.call.ID, s.call.Status, next)
	}
	s.call.Status = next
	return nil
}

func (r *CallRegistry) recordExpired(ctx context.Context, call domain.CallSession) {
	if call.ID != "" {
		r.record(ctx, call)
	}
}

func (r *CallRegistry) armTimerLocked(s *liveSession) {
	r.nextToken++
	token := r.nextToken
	id := s.call.ID
	s.token = token
	s.timer = time.AfterFunc(r.cfg.RequestTimeout, func() {
		r.expire(id, token)
	})
}

func (r *CallRegistry) cancelTimerLocked(s *liveSession) {
	if s.timer == nil {
		return
	}
	s.timer.Stop()
	s.timer = nil
	s.token = 0
}

func (r *CallRegistry) expire(id domain.CallID, token uint64) {
	ctx := context.Background()

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok || s.timer == nil || s.token != token || !s.call.Status.AwaitingResponse() {
		r.mu.Unlock()
		return
	}
	s.timer = nil
	events := r.endLocked(s, domain.EndReasonTimeout, domain.ErrCallTimeout.Error())
	completed := s.call
	r.unlockAndEmit(ctx, events)
	r.record(ctx, completed)

	r.logger.Infow("call request timed out", "call_id", id, "timeout", r.cfg.RequestTimeout)
}

func (r *CallRegistry) record(ctx context.Context, call domain.CallSession) {
	if r.callLog == nil {
		return
	}
	if err := r.callLog.Record(ctx, call); err != nil {
		r.logger.Warnw("failed to record completed call", "call_id", call.ID, "error", err)
	}
}

func (r *CallRegistry) sortedSessionIDsLocked() []domain.CallID {
	ids := make([]domain.CallID, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (r *CallRegistry) unlockAndEmit(ctx context.Context, events []domain.Event) {
	if len(events) == 0 {
		r.mu.Unlock()
		return
	}
	ticket := r.emitter.ticket()
	r.mu.Unlock()
	r.emitter.emit(ctx, ticket, r.handler, events)
}
