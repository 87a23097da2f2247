package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCallStatus_CanTransitionTo(t *testing.T) {
	assert.True(t, CallStatusPending.CanTransitionTo(CallStatusRinging))
	assert.True(t, CallStatusPending.CanTransitionTo(CallStatusEnded))
	assert.True(t, CallStatusRinging.CanTransitionTo(CallStatusConnecting))
	assert.True(t, CallStatusConnecting.CanTransitionTo(CallStatusActive))
	assert.True(t, CallStatusActive.CanTransitionTo(CallStatusEnded))

	assert.False(t, CallStatusPending.CanTransitionTo(CallStatusActive))
	assert.False(t, CallStatusActive.CanTransitionTo(CallStatusConnecting))
	assert.False(t, CallStatusEnded.CanTransitionTo(CallStatusPending))
}

func TestCallSession_Peer(t *testing.T) {
	call := CallSession{Participants: [2]UserID{"alice", "bob"}, InitiatorID: "bob"}

	peer, ok := call.Peer("alice")
	assert.True(t, ok)
	assert.Equal(t, UserID("bob"), peer)

	_, ok = call.Peer("carol")
	assert.False(t, ok)

	assert.Equal(t, UserID("alice"), call.Receiver())
	assert.True(t, call.Has("bob"))
	assert.False(t, call.Has("carol"))
}

func TestIncomingCallOffer_Expired(t *testing.T) {
	now := time.Now()
	offer := IncomingCallOffer{ExpiresAt: now.Add(time.Second)}

	assert.False(t, offer.Expired(now))
	assert.True(t, offer.Expired(now.Add(time.Second)))
}

func TestSignalingEnvelope_Validate(t *testing.T) {
	valid := SignalingEnvelope{Type: SignalOffer, CallID: "c1", SenderID: "a", ReceiverID: "b"}
	assert.NoError(t, valid.Validate())

	bad := valid
	bad.Type = "bogus"
	assert.ErrorIs(t, bad.Validate(), ErrSignalingMismatch)

	bad = valid
	bad.CallID = ""
	assert.ErrorIs(t, bad.Validate(), ErrSignalingMismatch)

	bad = valid
	bad.ReceiverID = "a"
	assert.ErrorIs(t, bad.Validate(), ErrSignalingMismatch)
}
