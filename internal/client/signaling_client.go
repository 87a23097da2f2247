package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"proxcall/internal/core/domain"
	"proxcall/internal/core/ports"
	"proxcall/internal/infrastructure/signal"
	"proxcall/pkg/retry"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var _ ports.SignalingClient = (*Client)(nil)

type Options struct {
	ServerURL string
	UserID    domain.UserID
	// Token is sent as the token query parameter. Without it the server
	// must be running in dev mode.
	Token        string
	WriteTimeout time.Duration
	Retry        retry.Config
}

// Client is a websocket connection to the signaling server, seen from one
// user. Writes are serialized; reads happen only inside Run.
type Client struct {
	userID       domain.UserID
	conn         *websocket.Conn
	writeTimeout time.Duration
	logger       *zap.SugaredLogger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// Handler is called for every inbound message, on the Run goroutine.
type Handler func(ctx context.Context, msg signal.Message)

// Dial connects to the signaling server, retrying per opts.Retry.
func Dial(ctx context.Context, opts Options, logger *zap.SugaredLogger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = retry.DefaultConfig()
	}

	target, err := dialURL(opts)
	if err != nil {
		return nil, err
	}

	conn, err := retry.RetryWithResult(ctx, opts.Retry, func(ctx context.Context) (*websocket.Conn, error) {
		conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
		if err != nil {
			if resp != nil {
				logger.Warnw("signaling handshake rejected", "status", resp.StatusCode)
			}
			return nil, err
		}
		return conn, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.ServerURL, err)
	}

	return &Client{
		userID:       opts.UserID,
		conn:         conn,
		writeTimeout: opts.WriteTimeout,
		logger:       logger.With("user_id", opts.UserID),
	}, nil
}

func dialURL(opts Options) (string, error) {
	u, err := url.Parse(opts.ServerURL)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	if opts.Token != "" {
		q.Set("token", opts.Token)
	} else {
		q.Set("user_id", string(opts.UserID))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) UserID() domain.UserID {
	return c.userID
}

// Run reads messages until the connection fails or ctx is done.
func (c *Client) Run(ctx context.Context, handle Handler) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		var msg signal.Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		handle(ctx, msg)
	}
}

// Send writes one message. It is safe for concurrent use.
func (c *Client) Send(ctx context.Context, typ string, payload any) error {
	msg, err := signal.NewMessage(typ, payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", typ, err)
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(msg)
}

// UpdatePosition reports the user's position.
func (c *Client) UpdatePosition(ctx context.Context, pos domain.Position) error {
	return c.Send(ctx, signal.TypePositionUpdate, signal.PositionUpdatePayload{Position: pos})
}

func (c *Client) SetAvailability(ctx context.Context, available bool) error {
	return c.Send(ctx, signal.TypeAvailability, signal.AvailabilityPayload{Available: available})
}

// RequestCall asks the server to call to.
func (c *Client) RequestCall(ctx context.Context, to domain.UserID) error {
	return c.Send(ctx, signal.TypeCallRequest, signal.CallRequestPayload{ToUserID: to})
}

func (c *Client) MarkRinging(ctx context.Context, id domain.CallID) error {
	return c.Send(ctx, signal.TypeCallRinging, signal.CallRefPayload{CallID: id})
}

// Respond accepts or rejects an incoming call.
func (c *Client) Respond(ctx context.Context, id domain.CallID, accept bool, reason string) error {
	return c.Send(ctx, signal.TypeCallResponse, signal.CallResponsePayload{CallID: id, Accepted: accept, Reason: reason})
}

func (c *Client) Hangup(ctx context.Context, id domain.CallID) error {
	return c.Send(ctx, signal.TypeCallEnd, signal.CallEndPayload{CallID: id})
}

// SendSignal forwards an offer, answer, candidate or end envelope to the peer.
func (c *Client) SendSignal(ctx context.Context, env domain.SignalingEnvelope) error {
	return c.Send(ctx, signal.TypeWebRTCSignal, env)
}

func (c *Client) ReportMediaState(ctx context.Context, id domain.CallID, state domain.MediaState) error {
	return c.Send(ctx, signal.TypeMediaState, signal.MediaStatePayload{CallID: id, State: state})
}

// Leave announces an intentional departure; the server drops the stored
// position and closes the connection.
func (c *Client) Leave(ctx context.Context) error {
	return c.Send(ctx, signal.TypeLeave, nil)
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.conn.Close()
	})
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// Decode unpacks a message payload.
func Decode[T any](msg signal.Message) (T, error) {
	var v T
	if len(msg.Payload) == 0 {
		return v, fmt.Errorf("%s message has no payload", msg.Type)
	}
	if err := json.Unmarshal(msg.Payload, &v); err != nil {
		return v, fmt.Errorf("invalid %s payload: %w", msg.Type, err)
	}
	return v, nil
}
