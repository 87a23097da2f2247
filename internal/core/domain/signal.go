package domain

import (
	"encoding/json"
	"fmt"
)

type SignalType string

const (
	SignalOffer        SignalType = "offer"
	SignalAnswer       SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalEnd          SignalType = "end"
)

type SignalingEnvelope struct {
	Type       SignalType      `json:"type"`
	CallID     CallID          `json:"callId"`
	SenderID   UserID          `json:"senderId"`
	ReceiverID UserID          `json:"receiverId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Validate checks routing fields only; the payload is opaque.
func (e SignalingEnvelope) Validate() error {
	switch e.Type {
	case SignalOffer, SignalAnswer, SignalICECandidate, SignalEnd:
	default:
		return fmt.Errorf("%w: unknown signal type %q", ErrSignalingMismatch, e.Type)
	}
	if e.CallID == "" {
		return fmt.Errorf("%w: missing callId", ErrSignalingMismatch)
	}
	if e.SenderID == "" || e.ReceiverID == "" {
		return fmt.Errorf("%w: missing sender or receiver", ErrSignalingMismatch)
	}
	if e.SenderID == e.ReceiverID {
		return fmt.Errorf("%w: sender and receiver are the same user", ErrSignalingMismatch)
	}
	return nil
}
