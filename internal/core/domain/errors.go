package domain

import "errors"

var (
	ErrMediaAccess      = errors.New("failed to access media devices")
	ErrNegotiation      = errors.New("session negotiation failed")
	ErrSignaling        = errors.New("failed to send call message")
	ErrSessionClosed    = errors.New("call session closed")
	ErrCallInProgress   = errors.New("call already in progress")
	ErrNoTarget         = errors.New("no target user for call")
	ErrInvalidUserID    = errors.New("invalid user id")
	ErrNoIncomingCall   = errors.New("no incoming call")
	ErrUnexpectedAnswer = errors.New("answer received without pending offer")
)
