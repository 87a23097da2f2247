package domain

// Event is the closed set of notifications produced by the proximity and
// call services. Only types in this package implement it.
type Event interface {
	EventName() string
	isEvent()
}

type UserEnteredRange struct {
	Observer UserID
	Subject  UserID
	Distance float64
}

// LeaveCause tells why a subject dropped out of an observer's range.
type LeaveCause string

const (
	LeaveOutOfRange   LeaveCause = "out_of_range"
	LeaveUnavailable  LeaveCause = "unavailable"
	LeaveDisconnected LeaveCause = "disconnected"
)

type UserLeftRange struct {
	Observer UserID
	Subject  UserID
	Cause    LeaveCause
}

// ProximityUpdated carries the observer's full nearby view after it changed.
type ProximityUpdated struct {
	UserID UserID
	Nearby []NearbyUser
}

// PositionBroadcast is emitted by the heartbeat and on resync. Recipients are
// the users that currently have User in range.
type PositionBroadcast struct {
	User       TrackedUser
	Recipients []UserID
}

type CallRequested struct {
	Call  CallSession
	Offer IncomingCallOffer
}

type CallRinging struct {
	Call CallSession
}

type CallAccepted struct {
	Call CallSession
}

type CallActivated struct {
	Call CallSession
}

type CallEnded struct {
	Call   CallSession
	Reason EndReason
	Detail string
}

type SignalRelayed struct {
	Envelope SignalingEnvelope
}

type SignalDropped struct {
	Envelope SignalingEnvelope
	Reason   string
}

func (UserEnteredRange) EventName() string  { return "user-entered-range" }
func (UserLeftRange) EventName() string     { return "user-left-range" }
func (ProximityUpdated) EventName() string  { return "proximity-update" }
func (PositionBroadcast) EventName() string { return "position-update" }
func (CallRequested) EventName() string     { return "call-request" }
func (CallRinging) EventName() string       { return "call-ringing" }
func (CallAccepted) EventName() string      { return "call-accepted" }
func (CallActivated) EventName() string     { return "call-activated" }
func (CallEnded) EventName() string         { return "call-end" }
func (SignalRelayed) EventName() string     { return "signal-relayed" }
func (SignalDropped) EventName() string     { return "signal-dropped" }

func (UserEnteredRange) isEvent()  {}
func (UserLeftRange) isEvent()     {}
func (ProximityUpdated) isEvent()  {}
func (PositionBroadcast) isEvent() {}
func (CallRequested) isEvent()     {}
func (CallRinging) isEvent()       {}
func (CallAccepted) isEvent()      {}
func (CallActivated) isEvent()     {}
func (CallEnded) isEvent()         {}
func (SignalRelayed) isEvent()     {}
func (SignalDropped) isEvent()     {}
