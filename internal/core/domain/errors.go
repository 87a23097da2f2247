package domain

import "errors"

var (
	ErrInvalidPosition   = errors.New("invalid position")
	ErrUserNotFound      = errors.New("user not found")
	ErrAlreadyInCall     = errors.New("user already in call")
	ErrCallNotFound      = errors.New("call not found")
	ErrSignalingMismatch = errors.New("signaling mismatch")
	ErrMediaTransport    = errors.New("media transport failure")
	ErrCallTimeout       = errors.New("call timed out")
	ErrInvalidTransition = errors.New("invalid call state transition")
	ErrSelfCall          = errors.New("cannot call yourself")
)
