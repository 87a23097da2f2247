package http

import (
	"net/http"
	"strconv"

	"proxcall/internal/core/domain"
	"proxcall/internal/core/ports"
	"proxcall/pkg/errors"
	"proxcall/pkg/validation"

	"github.com/gin-gonic/gin"
)

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 100
)

var _ ports.HTTPHandler = (*APIHandler)(nil)

// APIHandler serves the read-only diagnostics API. All state changes go
// through the websocket.
type APIHandler struct {
	proximity ports.ProximityService
	calls     ports.CallService
}

// NewAPIHandler creates the read-only API handler.
func NewAPIHandler(proximity ports.ProximityService, calls ports.CallService) *APIHandler {
	return &APIHandler{
		proximity: proximity,
		calls:     calls,
	}
}

// SetupRoutes mounts the API under /api/v1.
func (h *APIHandler) SetupRoutes(router gin.IRouter) {
	api := router.Group("/api/v1")
	{
		api.GET("/users", h.ListUsers)
		api.GET("/users/:id/nearby", h.GetNearby)
		api.GET("/calls/recent", h.ListRecentCalls)
		api.GET("/calls/:id", h.GetCall)
	}
}

// ListUsers returns every tracked user with its last known position.
func (h *APIHandler) ListUsers(c *gin.Context) {
	users := h.proximity.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"users": users,
		"count": len(users),
	})
}

// GetNearby returns the user's current nearby view.
func (h *APIHandler) GetNearby(c *gin.Context) {
	userID := c.Param("id")
	if err := validation.ValidateUserID(userID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	nearby, err := h.proximity.Nearby(domain.UserID(userID))
	if err != nil {
		c.Error(err)
		return
	}
	if nearby == nil {
		nearby = []domain.NearbyUser{}
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":      userID,
		"nearbyUsers": nearby,
	})
}

// GetCall returns a live call or one from the completed-call log.
func (h *APIHandler) GetCall(c *gin.Context) {
	callID := c.Param("id")
	if err := validation.ValidateCallID(callID); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	call, err := h.calls.Get(c.Request.Context(), domain.CallID(callID))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"call": call,
	})
}

// ListRecentCalls returns recently completed calls, newest first.
func (h *APIHandler) ListRecentCalls(c *gin.Context) {
	limit := defaultRecentLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			c.Error(errors.NewInvalidInputError("limit must be a number"))
			return
		}
		limit = parsed
	}
	if err := validation.ValidateLimit(limit, maxRecentLimit); err != nil {
		c.Error(errors.NewInvalidInputError(err.Error()))
		return
	}

	calls, err := h.calls.Recent(c.Request.Context(), limit)
	if err != nil {
		c.Error(err)
		return
	}
	if calls == nil {
		calls = []domain.CallSession{}
	}

	c.JSON(http.StatusOK, gin.H{
		"calls": calls,
		"count": len(calls),
	})
}
