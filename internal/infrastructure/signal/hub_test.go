package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"proxcall/internal/core/domain"
	"proxcall/internal/core/services"
	"proxcall/internal/infrastructure/repositories/memory"
	rlog "proxcall/pkg/logger"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type testEnv struct {
	hub      *Hub
	tracker  *services.ProximityTracker
	registry *services.CallRegistry
	server   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)
	sugar := logger.Sugar()

	dispatcher := services.NewDispatcher()
	tracker := services.NewProximityTracker(services.DefaultProximityConfig(), dispatcher, memory.NewPositionStore(), sugar)
	callLog := memory.NewCallLog(time.Hour)
	registry := services.NewCallRegistry(services.DefaultCallConfig(), dispatcher, callLog, sugar, services.WithPresence(tracker))

	cfg := DefaultHubConfig()
	cfg.PingInterval = time.Second
	hub := NewHub(cfg, tracker, registry, logger)
	hub.SetRelay(services.NewSignalingRelay(registry, hub, dispatcher, sugar))
	dispatcher.Add(hub)

	// stands in for the auth middleware
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("user_id"); id != "" {
			r = r.WithContext(rlog.WithUserID(r.Context(), id))
		}
		hub.HandleWebSocket(w, r)
	}))

	t.Cleanup(func() {
		hub.Close()
		server.Close()
		registry.Close()
		callLog.Close()
	})

	return &testEnv{hub: hub, tracker: tracker, registry: registry, server: server}
}

func (e *testEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/?user_id=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return e.hub.IsConnected(domain.UserID(userID))
	}, 2*time.Second, 5*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, typ string, payload any) {
	t.Helper()
	msg, err := NewMessage(typ, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil skips messages until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(t, conn.SetReadDeadline(deadline))
		var msg Message
		require.NoError(t, conn.ReadJSON(&msg), "waiting for %s", typ)
		if msg.Type == typ {
			return msg
		}
	}
}

func decodePayload[T any](t *testing.T, msg Message) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(msg.Payload, &v))
	return v
}

func moveTo(t *testing.T, conn *websocket.Conn, x float64, ts int64) {
	send(t, conn, TypePositionUpdate, PositionUpdatePayload{Position: domain.Position{X: x, Timestamp: ts}})
}

func TestHub_RejectsUnauthenticatedRequest(t *testing.T) {
	env := newTestEnv(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	env.hub.HandleWebSocket(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHub_ProximityEvents(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")

	moveTo(t, alice, 0, 1)
	moveTo(t, bob, 5, 1)

	entered := decodePayload[RangePayload](t, readUntil(t, alice, TypeUserEnteredRange))
	assert.Equal(t, domain.UserID("bob"), entered.UserID)
	require.NotNil(t, entered.Distance)
	assert.InDelta(t, 5.0, *entered.Distance, 1e-9)

	update := decodePayload[ProximityUpdatePayload](t, readUntil(t, bob, TypeProximityUpdate))
	require.Len(t, update.NearbyUsers, 1)
	assert.Equal(t, domain.UserID("alice"), update.NearbyUsers[0].UserID)

	moveTo(t, bob, 15, 2)
	left := decodePayload[RangePayload](t, readUntil(t, alice, TypeUserLeftRange))
	assert.Equal(t, domain.UserID("bob"), left.UserID)
	assert.Equal(t, domain.LeaveOutOfRange, left.Cause)
}

func TestHub_CallFlowAndSignalRelay(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	moveTo(t, alice, 0, 1)
	moveTo(t, bob, 3, 1)
	require.Eventually(t, func() bool {
		return env.tracker.IsTracked("alice") && env.tracker.IsTracked("bob")
	}, 2*time.Second, 5*time.Millisecond)

	send(t, alice, TypeCallRequest, CallRequestPayload{ToUserID: "bob"})

	req := decodePayload[CallRequestPayload](t, readUntil(t, bob, TypeCallRequest))
	assert.Equal(t, domain.UserID("alice"), req.FromUserID)
	assert.Equal(t, domain.CallOriginManual, req.Origin)
	require.NotEmpty(t, req.CallID)

	send(t, bob, TypeCallRinging, CallRefPayload{CallID: req.CallID})
	readUntil(t, alice, TypeCallRinging)

	send(t, bob, TypeCallResponse, CallResponsePayload{CallID: req.CallID, Accepted: true})
	resp := decodePayload[CallResponsePayload](t, readUntil(t, alice, TypeCallResponse))
	assert.True(t, resp.Accepted)
	assert.Equal(t, domain.UserID("alice"), resp.OffererID)

	send(t, alice, TypeWebRTCSignal, domain.SignalingEnvelope{
		Type:       domain.SignalOffer,
		CallID:     req.CallID,
		ReceiverID: "bob",
		Payload:    json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	env2 := decodePayload[domain.SignalingEnvelope](t, readUntil(t, bob, TypeWebRTCSignal))
	assert.Equal(t, domain.SignalOffer, env2.Type)
	assert.Equal(t, domain.UserID("alice"), env2.SenderID)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(env2.Payload))

	send(t, bob, TypeMediaState, MediaStatePayload{CallID: req.CallID, State: domain.MediaStateConnected})
	readUntil(t, alice, TypeCallActive)

	call, ok := env.registry.ActiveFor("alice")
	require.True(t, ok)
	assert.Equal(t, domain.CallStatusActive, call.Status)
}

func TestHub_RejectedCall(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	moveTo(t, alice, 0, 1)
	moveTo(t, bob, 3, 1)
	readUntil(t, alice, TypeUserEnteredRange)

	send(t, alice, TypeCallRequest, CallRequestPayload{ToUserID: "bob"})
	req := decodePayload[CallRequestPayload](t, readUntil(t, bob, TypeCallRequest))

	send(t, bob, TypeCallResponse, CallResponsePayload{CallID: req.CallID, Accepted: false, Reason: "busy"})

	resp := decodePayload[CallResponsePayload](t, readUntil(t, alice, TypeCallResponse))
	assert.False(t, resp.Accepted)
	assert.Equal(t, "busy", resp.Reason)

	end := decodePayload[CallEndPayload](t, readUntil(t, alice, TypeCallEnd))
	assert.Equal(t, domain.EndReasonRejected, end.Reason)
}

func TestHub_DisconnectEndsCall(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")
	bob := env.dial(t, "bob")
	moveTo(t, alice, 0, 1)
	moveTo(t, bob, 3, 1)
	readUntil(t, alice, TypeUserEnteredRange)

	send(t, alice, TypeCallRequest, CallRequestPayload{ToUserID: "bob"})
	req := decodePayload[CallRequestPayload](t, readUntil(t, bob, TypeCallRequest))
	send(t, bob, TypeCallResponse, CallResponsePayload{CallID: req.CallID, Accepted: true})
	readUntil(t, alice, TypeCallResponse)

	require.NoError(t, bob.Close())

	end := decodePayload[CallEndPayload](t, readUntil(t, alice, TypeCallEnd))
	assert.Equal(t, req.CallID, end.CallID)
	assert.Equal(t, domain.EndReasonUserDisconnected, end.Reason)

	left := decodePayload[RangePayload](t, readUntil(t, alice, TypeUserLeftRange))
	assert.Equal(t, domain.UserID("bob"), left.UserID)
	assert.Equal(t, domain.LeaveDisconnected, left.Cause)

	assert.Eventually(t, func() bool {
		return !env.hub.IsConnected("bob") && !env.tracker.IsTracked("bob")
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHub_ErrorsAreReportedToSender(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice")

	moveTo(t, alice, 2e9, 1)
	e := decodePayload[ErrorPayload](t, readUntil(t, alice, TypeError))
	assert.Equal(t, "INVALID_POSITION", e.Code)
	assert.Equal(t, TypePositionUpdate, e.RequestType)

	send(t, alice, "teleport", map[string]int{"x": 1})
	e = decodePayload[ErrorPayload](t, readUntil(t, alice, TypeError))
	assert.Equal(t, "INVALID_INPUT", e.Code)

	send(t, alice, TypeCallEnd, CallEndPayload{CallID: "missing"})
	e = decodePayload[ErrorPayload](t, readUntil(t, alice, TypeError))
	assert.Equal(t, "CALL_NOT_FOUND", e.Code)

	send(t, alice, TypePositionUpdate, PositionUpdatePayload{UserID: "mallory", Position: domain.Position{X: 1}})
	e = decodePayload[ErrorPayload](t, readUntil(t, alice, TypeError))
	assert.Equal(t, "UNAUTHORIZED", e.Code)

	send(t, alice, TypeCallResponse, CallResponsePayload{CallID: "c1", Reason: strings.Repeat("x", maxReasonLength+1)})
	e = decodePayload[ErrorPayload](t, readUntil(t, alice, TypeError))
	assert.Equal(t, "INVALID_INPUT", e.Code)
	assert.Equal(t, TypeCallResponse, e.RequestType)
}

func TestHub_ReconnectReplacesConnection(t *testing.T) {
	env := newTestEnv(t)
	first := env.dial(t, "alice")
	moveTo(t, first, 1, 1)
	require.Eventually(t, func() bool { return env.tracker.IsTracked("alice") }, 2*time.Second, 5*time.Millisecond)

	second := env.dial(t, "alice")

	// the old socket gets closed by the server
	require.NoError(t, first.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}

	assert.Equal(t, 1, env.hub.ConnectedCount())
	assert.True(t, env.tracker.IsTracked("alice"), "replacing a connection is not a disconnect")

	moveTo(t, second, 2, 2)
	assert.Eventually(t, func() bool {
		u, ok := env.tracker.User("alice")
		return ok && u.Position.X == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHub_Deliver(t *testing.T) {
	env := newTestEnv(t)
	err := env.hub.Deliver(context.Background(), "nobody", domain.SignalingEnvelope{Type: domain.SignalEnd})
	assert.ErrorIs(t, err, domain.ErrUserNotFound)
}
