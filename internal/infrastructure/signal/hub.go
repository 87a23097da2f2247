package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"proxcall/internal/core/domain"
	"proxcall/internal/core/ports"
	apperrors "proxcall/pkg/errors"
	rlog "proxcall/pkg/logger"
	"proxcall/pkg/tracing"
	"proxcall/pkg/validation"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxReasonLength = 200

type HubConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int
	MaxMessageSize int64
	// MaxConnections of 0 means unlimited.
	MaxConnections int
	// MessagesPerSecond of 0 disables inbound rate limiting.
	MessagesPerSecond float64
	Burst             int
	AllowedOrigins    []string
}

// DefaultHubConfig returns the hub settings used when nothing is configured.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		PingInterval:   30 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBufferSize: 256,
		MaxMessageSize: 64 * 1024,
		AllowedOrigins: []string{"*"},
	}
}

// Hub owns the websocket connection of every online user. It feeds inbound
// messages to the proximity, call and signaling services, and turns their
// events back into outbound messages.
type Hub struct {
	cfg       HubConfig
	proximity ports.ProximityService
	calls     ports.CallService
	relay     ports.SignalingService
	upgrader  websocket.Upgrader
	logger    *zap.SugaredLogger
	ctxLogger *rlog.ContextLogger

	mu         sync.RWMutex
	clients    map[domain.UserID]*Client
	generation uint64
	closed     bool
}

// NewHub creates a hub. Call SetRelay before serving websocket traffic.
func NewHub(cfg HubConfig, proximity ports.ProximityService, calls ports.CallService, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultHubConfig()
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaults.SendBufferSize
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		cfg.PongTimeout = 2 * cfg.PingInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	h := &Hub{
		cfg:       cfg,
		proximity: proximity,
		calls:     calls,
		logger:    logger.Sugar(),
		ctxLogger: rlog.NewContextLogger(logger),
		clients:   make(map[domain.UserID]*Client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// SetRelay wires the signaling relay. The relay delivers through the hub,
// so it can only be built after the hub exists.
func (h *Hub) SetRelay(relay ports.SignalingService) {
	h.relay = relay
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades an authenticated request. The user ID must have
// been placed on the request context by the auth middleware.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	uid, ok := rlog.UserIDFrom(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	if err := validation.ValidateUserID(uid); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userID := domain.UserID(uid)

	if h.cfg.MaxConnections > 0 && h.ConnectedCount() >= h.cfg.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warnw("websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	var limiter *rate.Limiter
	if h.cfg.MessagesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.cfg.MessagesPerSecond), max(h.cfg.Burst, 1))
	}

	client, replaced, err := h.register(userID, conn, limiter)
	if err != nil {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, err.Error()))
		conn.Close()
		return
	}
	if replaced != nil {
		replaced.close()
		h.logger.Infow("replaced existing connection", "user_id", userID)
	}

	ctx := rlog.WithUserID(context.Background(), uid)
	h.logger.Infow("user connected", "user_id", userID, "reconnect", replaced != nil)

	go client.writePump(h.cfg.PingInterval, h.cfg.WriteTimeout)
	h.onConnect(ctx, client)
	h.readPump(ctx, client)
}

func (h *Hub) register(userID domain.UserID, conn *websocket.Conn, limiter *rate.Limiter) (*Client, *Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil, fmt.Errorf("server shutting down")
	}
	h.generation++
	client := newClient(userID, h.generation, conn, h.cfg.SendBufferSize, limiter)
	replaced := h.clients[userID]
	h.clients[userID] = client
	return client, replaced, nil
}

// unregister reports whether c was still the user's current connection.
func (h *Hub) unregister(c *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.clients[c.userID]
	if !ok || current.generation != c.generation {
		return false
	}
	delete(h.clients, c.userID)
	return true
}

func (h *Hub) onConnect(ctx context.Context, c *Client) {
	restored, err := h.proximity.Restore(ctx, c.userID)
	if err != nil {
		h.ctxLogger.LogError(ctx, err, "failed to restore position")
	}
	if restored {
		h.logger.Debugw("position restored", "user_id", c.userID)
	}

	for _, offer := range h.calls.PendingOffersFor(c.userID) {
		expires := offer.ExpiresAt
		h.sendTo(c, TypeCallRequest, CallRequestPayload{
			CallID:     offer.CallID,
			FromUserID: offer.From,
			ToUserID:   offer.To,
			ExpiresAt:  &expires,
		})
	}
}

func (h *Hub) readPump(ctx context.Context, c *Client) {
	defer h.disconnect(ctx, c)

	if h.cfg.MaxMessageSize > 0 {
		c.conn.SetReadLimit(h.cfg.MaxMessageSize)
	}
	c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Infow("error reading message", "user_id", c.userID, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))

		if !c.allow() {
			h.sendError(c, msg.Type, apperrors.NewRateLimitError())
			continue
		}

		if msg.Type == TypeLeave {
			h.leave(ctx, c)
			return
		}

		msgCtx, span := tracing.TraceWebSocketMessage(ctx, msg.Type, string(c.userID))
		err := h.handleMessage(msgCtx, c, msg)
		if err != nil {
			tracing.RecordError(msgCtx, err)
			h.sendError(c, msg.Type, apperrors.FromDomain(err))
		}
		span.End()
	}
}

func (h *Hub) disconnect(ctx context.Context, c *Client) {
	c.close()
	if !h.unregister(c) {
		return
	}

	ended := h.calls.EndAllForUser(ctx, c.userID, domain.EndReasonUserDisconnected)
	if err := h.proximity.RemoveUser(ctx, c.userID); err != nil {
		h.logger.Debugw("user was not tracked", "user_id", c.userID, "error", err)
	}
	h.logger.Infow("user disconnected", "user_id", c.userID, "ended_calls", ended)
}

// leave is an explicit goodbye: the position snapshot is discarded too.
func (h *Hub) leave(ctx context.Context, c *Client) {
	if !h.isCurrent(c) {
		return
	}
	h.calls.EndAllForUser(ctx, c.userID, domain.EndReasonHangup)
	if err := h.proximity.Leave(ctx, c.userID); err != nil {
		h.logger.Debugw("leave for untracked user", "user_id", c.userID, "error", err)
	}
}

func (h *Hub) handleMessage(ctx context.Context, c *Client, msg Message) error {
	switch msg.Type {
	case TypePositionUpdate:
		var p PositionUpdatePayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		if p.UserID != "" && p.UserID != c.userID {
			return apperrors.NewUnauthorizedError("position update for another user")
		}
		return h.proximity.UpdatePosition(ctx, c.userID, p.Position)

	case TypeAvailability:
		var p AvailabilityPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		return h.proximity.SetAvailability(ctx, c.userID, p.Available)

	case TypeCallRequest:
		var p CallRequestPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		if err := validation.ValidateUserID(string(p.ToUserID)); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
		_, err := h.calls.Initiate(ctx, c.userID, p.ToUserID, domain.CallOriginManual)
		return err

	case TypeCallRinging:
		var p CallRefPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		return h.calls.MarkRinging(ctx, p.CallID, c.userID)

	case TypeCallResponse:
		var p CallResponsePayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		if p.Accepted {
			_, err := h.calls.Accept(ctx, p.CallID, c.userID)
			return err
		}
		if err := validation.ValidateStringLength(p.Reason, 0, maxReasonLength, "reason"); err != nil {
			return apperrors.NewInvalidInputError(err.Error())
		}
		return h.calls.Reject(ctx, p.CallID, c.userID, p.Reason)

	case TypeCallEnd:
		var p CallEndPayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		return h.calls.Hangup(ctx, p.CallID, c.userID)

	case TypeWebRTCSignal:
		var env domain.SignalingEnvelope
		if err := decode(msg, &env); err != nil {
			return err
		}
		if env.SenderID == "" {
			env.SenderID = c.userID
		}
		if env.SenderID != c.userID {
			return fmt.Errorf("%w: sender %s on connection of %s", domain.ErrSignalingMismatch, env.SenderID, c.userID)
		}
		if h.relay != nil {
			h.relay.Relay(ctx, env)
		}
		return nil

	case TypeMediaState:
		var p MediaStatePayload
		if err := decode(msg, &p); err != nil {
			return err
		}
		return h.calls.ReportMediaState(ctx, p.CallID, c.userID, p.State)
	}

	return apperrors.NewInvalidInputError(fmt.Sprintf("unknown message type %q", msg.Type))
}

func decode(msg Message, dst any) error {
	if len(msg.Payload) == 0 {
		return apperrors.NewInvalidInputError(msg.Type + " requires a payload")
	}
	if err := json.Unmarshal(msg.Payload, dst); err != nil {
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, "malformed "+msg.Type+" payload", http.StatusBadRequest)
	}
	return nil
}

// Deliver implements ports.SignalChannel.
func (h *Hub) Deliver(ctx context.Context, to domain.UserID, env domain.SignalingEnvelope) error {
	c := h.client(to)
	if c == nil {
		return fmt.Errorf("%w: %s is not connected", domain.ErrUserNotFound, to)
	}
	msg, err := NewMessage(TypeWebRTCSignal, env)
	if err != nil {
		return err
	}
	return c.enqueue(msg)
}

// HandleEvent implements ports.EventHandler.
func (h *Hub) HandleEvent(ctx context.Context, event domain.Event) {
	switch e := event.(type) {
	case domain.UserEnteredRange:
		d := e.Distance
		h.send(e.Observer, TypeUserEnteredRange, RangePayload{UserID: e.Subject, Distance: &d})

	case domain.UserLeftRange:
		h.send(e.Observer, TypeUserLeftRange, RangePayload{UserID: e.Subject, Cause: e.Cause})

	case domain.ProximityUpdated:
		nearby := make([]NearbyUserPayload, len(e.Nearby))
		for i, n := range e.Nearby {
			nearby[i] = NearbyUserPayload{UserID: n.UserID, Position: n.Position, Distance: n.Distance}
		}
		h.send(e.UserID, TypeProximityUpdate, ProximityUpdatePayload{NearbyUsers: nearby})

	case domain.PositionBroadcast:
		msg, err := NewMessage(TypePositionUpdate, PositionUpdatePayload{UserID: e.User.UserID, Position: e.User.Position})
		if err != nil {
			return
		}
		for _, to := range e.Recipients {
			h.deliver(to, msg)
		}

	case domain.CallRequested:
		expires := e.Offer.ExpiresAt
		payload := CallRequestPayload{
			CallID:     e.Call.ID,
			FromUserID: e.Offer.From,
			ToUserID:   e.Offer.To,
			Origin:     e.Call.Origin,
			ExpiresAt:  &expires,
		}
		h.send(e.Offer.To, TypeCallRequest, payload)
		h.send(e.Offer.From, TypeCallRequest, payload)

	case domain.CallRinging:
		h.send(e.Call.InitiatorID, TypeCallRinging, CallRefPayload{CallID: e.Call.ID})

	case domain.CallAccepted:
		h.sendBoth(e.Call, TypeCallResponse, CallResponsePayload{
			CallID:    e.Call.ID,
			Accepted:  true,
			OffererID: e.Call.OffererID,
		})

	case domain.CallActivated:
		h.sendBoth(e.Call, TypeCallActive, CallActivePayload{CallID: e.Call.ID, OffererID: e.Call.OffererID})

	case domain.CallEnded:
		if e.Reason == domain.EndReasonRejected {
			h.send(e.Call.InitiatorID, TypeCallResponse, CallResponsePayload{
				CallID:   e.Call.ID,
				Accepted: false,
				Reason:   e.Detail,
			})
		}
		h.sendBoth(e.Call, TypeCallEnd, CallEndPayload{CallID: e.Call.ID, Reason: e.Reason})
	}
}

func (h *Hub) sendBoth(call domain.CallSession, typ string, payload any) {
	for _, id := range call.Participants {
		h.send(id, typ, payload)
	}
}

func (h *Hub) send(to domain.UserID, typ string, payload any) {
	msg, err := NewMessage(typ, payload)
	if err != nil {
		h.logger.Errorw("failed to encode message", "type", typ, "error", err)
		return
	}
	h.deliver(to, msg)
}

func (h *Hub) deliver(to domain.UserID, msg Message) {
	c := h.client(to)
	if c == nil {
		return
	}
	if err := c.enqueue(msg); err != nil {
		h.logger.Warnw("dropping outbound message", "user_id", to, "type", msg.Type, "error", err)
	}
}

func (h *Hub) sendTo(c *Client, typ string, payload any) {
	msg, err := NewMessage(typ, payload)
	if err != nil {
		return
	}
	if err := c.enqueue(msg); err != nil {
		h.logger.Warnw("dropping outbound message", "user_id", c.userID, "type", typ, "error", err)
	}
}

func (h *Hub) sendError(c *Client, requestType string, appErr *apperrors.AppError) {
	h.logger.Infow("request failed",
		"user_id", c.userID,
		"type", requestType,
		"code", appErr.Code,
		"error", appErr,
	)
	h.sendTo(c, TypeError, ErrorPayload{
		Code:        string(appErr.Code),
		Message:     appErr.Message,
		RequestType: requestType,
	})
}

func (h *Hub) client(id domain.UserID) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[id]
}

func (h *Hub) isCurrent(c *Client) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	current, ok := h.clients[c.userID]
	return ok && current.generation == c.generation
}

// IsConnected reports whether id has an open websocket.
func (h *Hub) IsConnected(id domain.UserID) bool {
	return h.client(id) != nil
}

// ConnectedCount returns the number of open websockets.
func (h *Hub) ConnectedCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new connections.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
}

// HealthCheck fails once the hub stops accepting connections.
func (h *Hub) HealthCheck(ctx context.Context) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return fmt.Errorf("signaling hub is closed")
	}
	return nil
}
