package signal

import (
	"encoding/json"
	"time"

	"proxcall/internal/core/domain"
)

// Message types on the websocket.
const (
	TypePositionUpdate   = "position-update"
	TypeProximityUpdate  = "proximity-update"
	TypeUserEnteredRange = "user-entered-range"
	TypeUserLeftRange    = "user-left-range"
	TypeCallRequest      = "call-request"
	TypeCallRinging      = "call-ringing"
	TypeCallResponse     = "call-response"
	TypeCallActive       = "call-active"
	TypeCallEnd          = "call-end"
	TypeWebRTCSignal     = "webrtc-signal"
	TypeMediaState       = "media-state"
	TypeAvailability     = "availability"
	TypeLeave            = "leave"
	TypeError            = "error"
)

// Message is the envelope of every websocket frame in both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage encodes payload into a Message of the given type.
func NewMessage(typ string, payload any) (Message, error) {
	if payload == nil {
		return Message{Type: typ}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: typ, Payload: raw}, nil
}

type PositionUpdatePayload struct {
	UserID   domain.UserID   `json:"userId,omitempty"`
	Position domain.Position `json:"position"`
}

type NearbyUserPayload struct {
	UserID   domain.UserID   `json:"userId"`
	Position domain.Position `json:"position"`
	Distance float64         `json:"distance"`
}

type ProximityUpdatePayload struct {
	NearbyUsers []NearbyUserPayload `json:"nearbyUsers"`
}

type RangePayload struct {
	UserID   domain.UserID     `json:"userId"`
	Distance *float64          `json:"distance,omitempty"`
	Cause    domain.LeaveCause `json:"cause,omitempty"`
}

type CallRequestPayload struct {
	CallID     domain.CallID     `json:"callId,omitempty"`
	FromUserID domain.UserID     `json:"fromUserId,omitempty"`
	ToUserID   domain.UserID     `json:"toUserId"`
	Origin     domain.CallOrigin `json:"origin,omitempty"`
	ExpiresAt  *time.Time        `json:"expiresAt,omitempty"`
}

type CallRefPayload struct {
	CallID domain.CallID `json:"callId"`
}

type CallResponsePayload struct {
	CallID    domain.CallID `json:"callId"`
	Accepted  bool          `json:"accepted"`
	Reason    string        `json:"reason,omitempty"`
	OffererID domain.UserID `json:"offererId,omitempty"`
}

type CallActivePayload struct {
	CallID    domain.CallID `json:"callId"`
	OffererID domain.UserID `json:"offererId"`
}

type CallEndPayload struct {
	CallID domain.CallID    `json:"callId"`
	Reason domain.EndReason `json:"reason,omitempty"`
}

type MediaStatePayload struct {
	CallID domain.CallID     `json:"callId"`
	State  domain.MediaState `json:"state"`
}

type AvailabilityPayload struct {
	Available bool `json:"available"`
}

type ErrorPayload struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	RequestType string `json:"requestType,omitempty"`
}
