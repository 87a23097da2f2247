package services

import (
	"context"
	"sync"

	"proxcall/internal/core/domain"

	"github.com/stretchr/testify/mock"
)

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recorder) HandleEvent(_ context.Context, ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func eventsOf[T domain.Event](r *recorder) []T {
	var out []T
	for _, ev := range r.all() {
		if typed, ok := ev.(T); ok {
			out = append(out, typed)
		}
	}
	return out
}

type MockSignalChannel struct {
	mock.Mock
}

func (m *MockSignalChannel) Deliver(ctx context.Context, to domain.UserID, env domain.SignalingEnvelope) error {
	args := m.Called(ctx, to, env)
	return args.Error(0)
}

type MockPositionStore struct {
	mock.Mock
}

func (m *MockPositionStore) Save(ctx context.Context, user domain.TrackedUser) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockPositionStore) Load(ctx context.Context, id domain.UserID) (*domain.TrackedUser, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.TrackedUser), args.Error(1)
}

func (m *MockPositionStore) Delete(ctx context.Context, id domain.UserID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockCallLog struct {
	mock.Mock
}

func (m *MockCallLog) Record(ctx context.Context, call domain.CallSession) error {
	args := m.Called(ctx, call)
	return args.Error(0)
}

func (m *MockCallLog) Get(ctx context.Context, id domain.CallID) (*domain.CallSession, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CallSession), args.Error(1)
}

func (m *MockCallLog) Recent(ctx context.Context, limit int) ([]domain.CallSession, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.CallSession), args.Error(1)
}

type MockProximityCalls struct {
	mock.Mock
}

func (m *MockProximityCalls) Initiate(ctx context.Context, from, to domain.UserID, origin domain.CallOrigin) (domain.CallSession, error) {
	args := m.Called(ctx, from, to, origin)
	return args.Get(0).(domain.CallSession), args.Error(1)
}

func (m *MockProximityCalls) Accept(ctx context.Context, id domain.CallID, by domain.UserID) (domain.CallSession, error) {
	args := m.Called(ctx, id, by)
	return args.Get(0).(domain.CallSession), args.Error(1)
}

func (m *MockProximityCalls) HandleProximityLost(ctx context.Context, a, b domain.UserID) bool {
	args := m.Called(ctx, a, b)
	return args.Bool(0)
}

// fakeTransport is an in-memory MediaTransport.
type fakeTransport struct {
	mu          sync.Mutex
	state       domain.MediaState
	remote      *domain.SessionDescription
	candidates  []domain.ICECandidate
	tracks      map[domain.TrackKind]bool
	onState     func(domain.MediaState)
	onCandidate func(domain.ICECandidate)
	closed      bool
	offers      int
	answers     int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: domain.MediaStateNew, tracks: make(map[domain.TrackKind]bool)}
}

func (f *fakeTransport) CreateOffer(context.Context) (domain.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return domain.SessionDescription{Type: "offer", SDP: "v=0 fake-offer"}, nil
}

func (f *fakeTransport) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answers++
	return domain.SessionDescription{Type: "answer", SDP: "v=0 fake-answer"}, nil
}

func (f *fakeTransport) SetRemoteDescription(_ context.Context, desc domain.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = &desc
	return nil
}

func (f *fakeTransport) AddICECandidate(_ context.Context, c domain.ICECandidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.candidates = append(f.candidates, c)
	return nil
}

func (f *fakeTransport) AttachLocalTrack(_ context.Context, kind domain.TrackKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks[kind] = true
	return nil
}

func (f *fakeTransport) SetTrackEnabled(kind domain.TrackKind, enabled bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tracks[kind] = enabled
	return nil
}

func (f *fakeTransport) ConnectionState() domain.MediaState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) OnConnectionStateChange(fn func(domain.MediaState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeTransport) OnICECandidate(fn func(domain.ICECandidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onCandidate = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) setState(s domain.MediaState) {
	f.mu.Lock()
	f.state = s
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakeTransport) emitCandidate(c domain.ICECandidate) {
	f.mu.Lock()
	fn := f.onCandidate
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// fakeSignaling records what a Negotiator sends.
type fakeSignaling struct {
	mu      sync.Mutex
	signals []domain.SignalingEnvelope
	states  []domain.MediaState
}

func (f *fakeSignaling) SendSignal(_ context.Context, env domain.SignalingEnvelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, env)
	return nil
}

func (f *fakeSignaling) ReportMediaState(_ context.Context, _ domain.CallID, state domain.MediaState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, state)
	return nil
}

func (f *fakeSignaling) sent() []domain.SignalingEnvelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.SignalingEnvelope, len(f.signals))
	copy(out, f.signals)
	return out
}

func pos(x, y, z float64) domain.Position {
	return domain.Position{X: x, Y: y, Z: z, Timestamp: 1}
}

func user(id string, p domain.Position) domain.TrackedUser {
	return domain.TrackedUser{UserID: domain.UserID(id), Position: p, IsAvailable: true, ProximityRange: 10}
}

func nearbyIDs(list []domain.NearbyUser) []domain.UserID {
	ids := make([]domain.UserID, 0, len(list))
	for _, n := range list {
		ids = append(ids, n.UserID)
	}
	return ids
}
