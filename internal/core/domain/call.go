package domain

import "time"

type CallID string

type CallStatus string

const (
	CallStatusPending    CallStatus = "pending"
	CallStatusRinging    CallStatus = "ringing"
	CallStatusConnecting CallStatus = "connecting"
	CallStatusActive     CallStatus = "active"
	CallStatusEnded      CallStatus = "ended"
)

var callTransitions = map[CallStatus][]CallStatus{
	CallStatusPending:    {CallStatusRinging, CallStatusConnecting, CallStatusEnded},
	CallStatusRinging:    {CallStatusConnecting, CallStatusEnded},
	CallStatusConnecting: {CallStatusActive, CallStatusEnded},
	CallStatusActive:     {CallStatusEnded},
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s CallStatus) CanTransitionTo(next CallStatus) bool {
	for _, allowed := range callTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AwaitingResponse is true while the receiver has not answered yet.
func (s CallStatus) AwaitingResponse() bool {
	return s == CallStatusPending || s == CallStatusRinging
}

type CallOrigin string

const (
	CallOriginManual    CallOrigin = "manual"
	CallOriginProximity CallOrigin = "proximity"
)

type EndReason string

const (
	EndReasonHangup           EndReason = "hangup"
	EndReasonRejected         EndReason = "rejected"
	EndReasonTimeout          EndReason = "timeout"
	EndReasonProximityLost    EndReason = "proximity_lost"
	EndReasonUserDisconnected EndReason = "user_disconnected"
	EndReasonError            EndReason = "error"
)

type CallSession struct {
	ID           CallID     `json:"callId"`
	Participants [2]UserID  `json:"participants"`
	Status       CallStatus `json:"status"`
	Origin       CallOrigin `json:"origin"`
	InitiatorID  UserID     `json:"initiatorUserId"`
	OffererID    UserID     `json:"offererUserId"`
	CreatedAt    time.Time  `json:"createdAt"`
	ConnectedAt  *time.Time `json:"connectedAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
	EndReason    EndReason  `json:"endReason,omitempty"`
}

// Has reports whether u takes part in the call.
func (c CallSession) Has(u UserID) bool {
	return c.Participants[0] == u || c.Participants[1] == u
}

// Peer returns the other participant.
func (c CallSession) Peer(u UserID) (UserID, bool) {
	switch u {
	case c.Participants[0]:
		return c.Participants[1], true
	case c.Participants[1]:
		return c.Participants[0], true
	}
	return "", false
}

// Receiver is the participant that did not initiate.
func (c CallSession) Receiver() UserID {
	peer, _ := c.Peer(c.InitiatorID)
	return peer
}

// IsLive is true until the call has ended.
func (c CallSession) IsLive() bool {
	return c.Status != CallStatusEnded
}

type IncomingCallOffer struct {
	CallID    CallID    `json:"callId"`
	From      UserID    `json:"fromUserId"`
	To        UserID    `json:"toUserId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the offer can no longer be accepted at now.
func (o IncomingCallOffer) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}
