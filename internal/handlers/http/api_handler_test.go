package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"proxcall/internal/core/domain"
	"proxcall/internal/core/services"
	"proxcall/internal/infrastructure/middleware"
	"proxcall/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type apiEnv struct {
	router   *gin.Engine
	tracker  *services.ProximityTracker
	registry *services.CallRegistry
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	sugar := logger.Sugar()

	tracker := services.NewProximityTracker(services.DefaultProximityConfig(), nil, memory.NewPositionStore(), sugar)
	callLog := memory.NewCallLog(time.Hour)
	registry := services.NewCallRegistry(services.DefaultCallConfig(), nil, callLog, sugar, services.WithPresence(tracker))
	t.Cleanup(func() {
		registry.Close()
		callLog.Close()
	})

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger))
	NewAPIHandler(tracker, registry).SetupRoutes(router)

	return &apiEnv{router: router, tracker: tracker, registry: registry}
}

func (e *apiEnv) place(t *testing.T, id domain.UserID, x float64) {
	t.Helper()
	pos := domain.Position{X: x, Timestamp: time.Now().UnixMilli()}
	require.NoError(t, e.tracker.UpdatePosition(context.Background(), id, pos))
}

func (e *apiEnv) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return w, body
}

func TestAPIHandler_GetNearby(t *testing.T) {
	env := newAPIEnv(t)
	env.place(t, "alice", 0)
	env.place(t, "bob", 10)
	env.place(t, "carol", 5000)

	w, body := env.get(t, "/api/v1/users/alice/nearby")
	require.Equal(t, http.StatusOK, w.Code)
	nearby := body["nearbyUsers"].([]any)
	require.Len(t, nearby, 1)
	assert.Equal(t, "bob", nearby[0].(map[string]any)["userId"])
	assert.InDelta(t, 10.0, nearby[0].(map[string]any)["distance"], 1e-9)

	w, body = env.get(t, "/api/v1/users/carol/nearby")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["nearbyUsers"])
}

func TestAPIHandler_ListUsers(t *testing.T) {
	env := newAPIEnv(t)

	w, body := env.get(t, "/api/v1/users")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["count"])
	assert.Empty(t, body["users"])

	env.place(t, "bob", 10)
	env.place(t, "alice", 0)
	require.NoError(t, env.tracker.SetAvailability(context.Background(), "bob", false))

	w, body = env.get(t, "/api/v1/users")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])
	users := body["users"].([]any)
	require.Len(t, users, 2)
	first := users[0].(map[string]any)
	second := users[1].(map[string]any)
	assert.Equal(t, "alice", first["userId"])
	assert.Equal(t, "bob", second["userId"])
	assert.Equal(t, false, second["isAvailable"])
	assert.InDelta(t, 10.0, second["position"].(map[string]any)["x"], 1e-9)
}

func TestAPIHandler_GetNearbyErrors(t *testing.T) {
	env := newAPIEnv(t)

	tests := []struct {
		name   string
		path   string
		status int
		code   string
	}{
		{"unknown user", "/api/v1/users/ghost/nearby", http.StatusNotFound, "USER_NOT_FOUND"},
		{"invalid user id", "/api/v1/users/bad%20id/nearby", http.StatusBadRequest, "INVALID_INPUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := env.get(t, tt.path)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, body["error"])
		})
	}
}

func TestAPIHandler_GetCall(t *testing.T) {
	env := newAPIEnv(t)
	env.place(t, "alice", 0)
	env.place(t, "bob", 10)

	call, err := env.registry.Initiate(context.Background(), "alice", "bob", domain.CallOriginManual)
	require.NoError(t, err)

	w, body := env.get(t, "/api/v1/calls/"+string(call.ID))
	require.Equal(t, http.StatusOK, w.Code)
	got := body["call"].(map[string]any)
	assert.Equal(t, string(call.ID), got["callId"])
	assert.Equal(t, string(domain.CallStatusPending), got["status"])

	// Ended calls are still served from the call log.
	require.NoError(t, env.registry.Hangup(context.Background(), call.ID, "alice"))
	w, body = env.get(t, "/api/v1/calls/"+string(call.ID))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, string(domain.CallStatusEnded), body["call"].(map[string]any)["status"])

	w, body = env.get(t, "/api/v1/calls/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "CALL_NOT_FOUND", body["error"])

	w, body = env.get(t, "/api/v1/calls/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", body["error"])
}

func TestAPIHandler_ListRecentCalls(t *testing.T) {
	env := newAPIEnv(t)
	env.place(t, "alice", 0)
	env.place(t, "bob", 10)
	ctx := context.Background()

	w, body := env.get(t, "/api/v1/calls/recent")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), body["count"])

	for i := 0; i < 3; i++ {
		call, err := env.registry.Initiate(ctx, "alice", "bob", domain.CallOriginManual)
		require.NoError(t, err)
		require.NoError(t, env.registry.Hangup(ctx, call.ID, "bob"))
	}

	w, body = env.get(t, "/api/v1/calls/recent?limit=2")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(2), body["count"])

	for _, limit := range []string{"0", "101", "abc"} {
		w, body = env.get(t, "/api/v1/calls/recent?limit="+limit)
		assert.Equal(t, http.StatusBadRequest, w.Code, limit)
		assert.Equal(t, "INVALID_INPUT", body["error"])
	}
}
