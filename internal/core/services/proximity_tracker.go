package services

import (
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"proxcall/internal/core/domain"
	"proxcall/internal/core/ports"

	"go.uber.org/zap"
)

type ProximityConfig struct {
	Range             float64
	CellSize          float64
	HeartbeatInterval time.Duration
	RecheckInterval   time.Duration
	SignificantMove   float64
}

// DefaultProximityConfig returns the default range, cell size and cadences.
func DefaultProximityConfig() ProximityConfig {
	return ProximityConfig{
		Range:             DefaultProximityRange,
		CellSize:          DefaultProximityRange,
		HeartbeatInterval: DefaultHeartbeatInterval,
		RecheckInterval:   DefaultRecheckInterval,
		SignificantMove:   DefaultSignificantMove,
	}
}

type trackedState struct {
	user domain.TrackedUser
	// anchor is the position at the last update that triggered a recompute.
	anchor     domain.Position
	nearby     map[domain.UserID]domain.NearbyUser
	reported   map[domain.UserID]float64
	observedBy map[domain.UserID]struct{}
}

// ProximityTracker owns every tracked user's position and nearby view. All
// state changes go through its methods; the spatial index is kept in step.
type ProximityTracker struct {
	cfg     ProximityConfig
	index   *SpatialIndex
	handler ports.EventHandler
	store   ports.PositionStore
	logger  *zap.SugaredLogger

	mu    sync.Mutex
	users map[domain.UserID]*trackedState

	emitter *orderedEmitter
}

// NewProximityTracker builds a tracker. store may be nil.
func NewProximityTracker(cfg ProximityConfig, handler ports.EventHandler, store ports.PositionStore, logger *zap.SugaredLogger) *ProximityTracker {
	if cfg.Range <= 0 {
		cfg.Range = DefaultProximityRange
	}
	if cfg.CellSize <= 0 {
		cfg.CellSize = cfg.Range
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = DefaultRecheckInterval
	}
	if cfg.SignificantMove < 0 {
		cfg.SignificantMove = 0
	}
	if handler == nil {
		handler = nopHandler{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &ProximityTracker{
		cfg:     cfg,
		index:   NewSpatialIndex(cfg.CellSize),
		handler: handler,
		store:   store,
		logger:  logger,
		users:   make(map[domain.UserID]*trackedState),
		emitter: newOrderedEmitter(),
	}
}

// UpdatePosition records a new position for id, creating the user on first
// sight. Moves shorter than the significant-move threshold are stored but
// left to the re-check cycle.
func (t *ProximityTracker) UpdatePosition(ctx context.Context, id domain.UserID, pos domain.Position) error {
	if id == "" {
		return fmt.Errorf("%w: empty user id", domain.ErrUserNotFound)
	}
	if err := pos.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	st, existed := t.users[id]
	if existed && pos.Timestamp < st.user.Position.Timestamp {
		t.mu.Unlock()
		t.logger.Debugw("dropping stale position update",
			"user_id", id,
			"timestamp", pos.Timestamp,
			"current", st.user.Position.Timestamp,
		)
		return nil
	}
	if !existed {
		st = newTrackedState(domain.TrackedUser{
			UserID:         id,
			IsAvailable:    true,
			ProximityRange: t.cfg.Range,
		})
		t.users[id] = st
	}

	st.user.Position = pos
	if err := t.index.Upsert(st.user); err != nil {
		if !existed {
			delete(t.users, id)
		}
		t.mu.Unlock()
		return err
	}

	var events []domain.Event
	if !existed || domain.Distance(st.anchor, pos) >= t.cfg.SignificantMove {
		st.anchor = pos
		events = t.recomputeAroundLocked(id)
	}
	snapshot := st.user
	t.unlockAndEmit(ctx, events)

	t.persist(ctx, snapshot)
	return nil
}

// SetAvailability marks a user busy or free. Unavailable users disappear
// from everyone else's nearby view.
func (t *ProximityTracker) SetAvailability(ctx context.Context, id domain.UserID, available bool) error {
	t.mu.Lock()
	st, ok := t.users[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}
	if st.user.IsAvailable == available {
		t.mu.Unlock()
		return nil
	}

	st.user.IsAvailable = available
	if err := t.index.Upsert(st.user); err != nil {
		t.mu.Unlock()
		return err
	}
	events := t.recomputeAroundLocked(id)
	snapshot := st.user
	t.unlockAndEmit(ctx, events)

	t.logger.Infow("user availability changed", "user_id", id, "available", available)
	t.persist(ctx, snapshot)
	return nil
}

// Resync re-sends the user's current position and nearby view right away.
// Used when a client reconnects.
func (t *ProximityTracker) Resync(ctx context.Context, id domain.UserID) error {
	t.mu.Lock()
	st, ok := t.users[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}

	events := []domain.Event{
		domain.PositionBroadcast{User: st.user, Recipients: sortedKeys(st.observedBy)},
		t.proximityUpdatedLocked(st),
	}
	t.unlockAndEmit(ctx, events)
	return nil
}

// Restore brings a user back from the position store if it is not tracked
// yet. It resyncs users that are still tracked.
func (t *ProximityTracker) Restore(ctx context.Context, id domain.UserID) (bool, error) {
	if t.IsTracked(id) {
		return true, t.Resync(ctx, id)
	}
	if t.store == nil {
		return false, nil
	}

	saved, err := t.store.Load(ctx, id)
	if err != nil {
		return false, fmt.Errorf("failed to load position for %s: %w", id, err)
	}
	if saved == nil {
		return false, nil
	}

	if err := t.UpdatePosition(ctx, id, saved.Position); err != nil {
		return false, err
	}
	if !saved.IsAvailable {
		if err := t.SetAvailability(ctx, id, false); err != nil {
			return false, err
		}
	}
	return true, t.Resync(ctx, id)
}

// RemoveUser drops a disconnected user and tells everyone who had them in
// range that they left. The stored snapshot is kept for a later Restore.
func (t *ProximityTracker) RemoveUser(ctx context.Context, id domain.UserID) error {
	t.mu.Lock()
	st, ok := t.users[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}

	t.index.Remove(id)

	var events []domain.Event
	for _, observerID := range sortedKeys(st.observedBy) {
		observer := t.users[observerID]
		if observer == nil {
			continue
		}
		delete(observer.nearby, id)
		events = append(events,
			domain.UserLeftRange{Observer: observerID, Subject: id, Cause: domain.LeaveDisconnected},
			t.proximityUpdatedLocked(observer),
		)
	}
	for subjectID := range st.nearby {
		if subject := t.users[subjectID]; subject != nil {
			delete(subject.observedBy, id)
		}
	}
	delete(t.users, id)
	t.unlockAndEmit(ctx, events)

	t.logger.Infow("user removed from proximity tracking",
		"user_id", id,
		"observers_notified", len(st.observedBy),
	)
	return nil
}

// Leave is an explicit exit: the user is removed and its snapshot deleted.
func (t *ProximityTracker) Leave(ctx context.Context, id domain.UserID) error {
	if err := t.RemoveUser(ctx, id); err != nil {
		return err
	}
	if t.store != nil {
		if err := t.store.Delete(ctx, id); err != nil {
			t.logger.Warnw("failed to delete position snapshot", "user_id", id, "error", err)
		}
	}
	return nil
}

// Recheck re-evaluates every tracked user's nearby view. It is the
// authoritative path; UpdatePosition only gets there sooner.
func (t *ProximityTracker) Recheck(ctx context.Context) {
	t.mu.Lock()
	var events []domain.Event
	for _, id := range sortedKeys(t.users) {
		events = append(events, t.recomputeLocked(id)...)
	}
	t.unlockAndEmit(ctx, events)
}

// Heartbeat re-broadcasts every tracked position to its observers whether
// or not it changed.
func (t *ProximityTracker) Heartbeat(ctx context.Context) {
	t.mu.Lock()
	events := make([]domain.Event, 0, len(t.users))
	for _, id := range sortedKeys(t.users) {
		st := t.users[id]
		events = append(events, domain.PositionBroadcast{
			User:       st.user,
			Recipients: sortedKeys(st.observedBy),
		})
	}
	t.unlockAndEmit(ctx, events)
}

// Run drives the heartbeat and re-check cycles until ctx is done. Both
// cycles share this goroutine so they never overlap.
func (t *ProximityTracker) Run(ctx context.Context) error {
	heartbeat := time.NewTicker(t.cfg.HeartbeatInterval)
	defer heartbeat.Stop()
	recheck := time.NewTicker(t.cfg.RecheckInterval)
	defer recheck.Stop()

	t.logger.Infow("proximity tracker started",
		"range", t.cfg.Range,
		"cell_size", t.index.CellSize(),
		"heartbeat_interval", t.cfg.HeartbeatInterval,
		"recheck_interval", t.cfg.RecheckInterval,
	)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("proximity tracker stopped")
			return nil
		case <-heartbeat.C:
			t.Heartbeat(ctx)
		case <-recheck.C:
			t.Recheck(ctx)
		}
	}
}

// IsTracked reports whether id currently has a position.
func (t *ProximityTracker) IsTracked(id domain.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.users[id]
	return ok
}

func (t *ProximityTracker) IsAvailable(id domain.UserID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.users[id]
	return ok && st.user.IsAvailable
}

// Nearby returns the materialized view for id, closest first.
func (t *ProximityTracker) Nearby(id domain.UserID) ([]domain.NearbyUser, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUserNotFound, id)
	}
	return sortedNearby(st.nearby), nil
}

// User returns the tracked state of id.
func (t *ProximityTracker) User(id domain.UserID) (domain.TrackedUser, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.users[id]
	if !ok {
		return domain.TrackedUser{}, false
	}
	return st.user, true
}

// Snapshot returns every tracked user ordered by id.
func (t *ProximityTracker) Snapshot() []domain.TrackedUser {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.TrackedUser, 0, len(t.users))
	for _, id := range sortedKeys(t.users) {
		out = append(out, t.users[id].user)
	}
	return out
}

// Len returns the number of tracked users.
func (t *ProximityTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.users)
}

// recomputeAroundLocked refreshes the mover's view and the view of every
// user that had, or now has, the mover in range.
func (t *ProximityTracker) recomputeAroundLocked(id domain.UserID) []domain.Event {
	st := t.users[id]
	affected := make(map[domain.UserID]struct{}, len(st.observedBy))
	for observerID := range st.observedBy {
		affected[observerID] = struct{}{}
	}
	candidates, err := t.index.withinRange(id, t.cfg.Range)
	if err != nil {
		t.logger.Warnw("proximity query failed", "user_id", id, "error", err)
	}
	for _, c := range candidates {
		affected[c.UserID] = struct{}{}
	}

	events := t.recomputeLocked(id)
	for _, observerID := range sortedKeys(affected) {
		if _, ok := t.users[observerID]; ok {
			events = append(events, t.recomputeLocked(observerID)...)
		}
	}
	return events
}

// recomputeLocked diffs id's nearby view against a fresh index query.
func (t *ProximityTracker) recomputeLocked(id domain.UserID) []domain.Event {
	st := t.users[id]
	found, err := t.index.FindNearby(id, t.cfg.Range)
	if err != nil {
		t.logger.Warnw("proximity query failed", "user_id", id, "error", err)
		return nil
	}

	next := make(map[domain.UserID]domain.NearbyUser, len(found))
	for _, n := range found {
		next[n.UserID] = n
	}

	var events []domain.Event
	for _, subjectID := range sortedKeys(next) {
		if _, had := st.nearby[subjectID]; !had {
			events = append(events, domain.UserEnteredRange{
				Observer: id,
				Subject:  subjectID,
				Distance: next[subjectID].Distance,
			})
			if subject := t.users[subjectID]; subject != nil {
				subject.observedBy[id] = struct{}{}
			}
		}
	}
	for _, subjectID := range sortedKeys(st.nearby) {
		if _, still := next[subjectID]; !still {
			events = append(events, domain.UserLeftRange{Observer: id, Subject: subjectID, Cause: t.leaveCauseLocked(st, subjectID)})
			if subject := t.users[subjectID]; subject != nil {
				delete(subject.observedBy, id)
			}
		}
	}
	st.nearby = next

	if len(events) > 0 || t.distancesDriftedLocked(st) {
		events = append(events, t.proximityUpdatedLocked(st))
	}
	return events
}

// leaveCauseLocked separates a subject that is still within range but no
// longer visible from one that actually moved away.
func (t *ProximityTracker) leaveCauseLocked(st *trackedState, subjectID domain.UserID) domain.LeaveCause {
	subject := t.users[subjectID]
	if subject == nil {
		return domain.LeaveDisconnected
	}
	if domain.Distance(st.user.Position, subject.user.Position) <= t.cfg.Range {
		return domain.LeaveUnavailable
	}
	return domain.LeaveOutOfRange
}

func (t *ProximityTracker) distancesDriftedLocked(st *trackedState) bool {
	if len(st.nearby) != len(st.reported) {
		return true
	}
	for id, n := range st.nearby {
		prev, ok := st.reported[id]
		if !ok || math.Abs(prev-n.Distance) >= t.cfg.SignificantMove {
			return true
		}
	}
	return false
}

func (t *ProximityTracker) proximityUpdatedLocked(st *trackedState) domain.ProximityUpdated {
	st.reported = make(map[domain.UserID]float64, len(st.nearby))
	for id, n := range st.nearby {
		st.reported[id] = n.Distance
	}
	return domain.ProximityUpdated{UserID: st.user.UserID, Nearby: sortedNearby(st.nearby)}
}

func (t *ProximityTracker) unlockAndEmit(ctx context.Context, events []domain.Event) {
	if len(events) == 0 {
		t.mu.Unlock()
		return
	}
	ticket := t.emitter.ticket()
	t.mu.Unlock()
	t.emitter.emit(ctx, ticket, t.handler, events)
}

func (t *ProximityTracker) persist(ctx context.Context, user domain.TrackedUser) {
	if t.store == nil {
		return
	}
	if err := t.store.Save(ctx, user); err != nil {
		t.logger.Warnw("failed to save position snapshot", "user_id", user.UserID, "error", err)
	}
}

func newTrackedState(user domain.TrackedUser) *trackedState {
	return &trackedState{
		user:       user,
		nearby:     make(map[domain.UserID]domain.NearbyUser),
		reported:   make(map[domain.UserID]float64),
		observedBy: make(map[domain.UserID]struct{}),
	}
}

func sortedKeys[V any](m map[domain.UserID]V) []domain.UserID {
	keys := make([]domain.UserID, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func sortedNearby(m map[domain.UserID]domain.NearbyUser) []domain.NearbyUser {
	out := make([]domain.NearbyUser, 0, len(m))
	for _, n := range m {
		out = append(out, n)
	}
	slices.SortFunc(out, func(a, b domain.NearbyUser) int {
		switch {
		case a.Distance < b.Distance:
			return -1
		case a.Distance > b.Distance:
			return 1
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return out
}
