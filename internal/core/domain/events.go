package domain

import "time"

type EventKind string

const (
	EventStateChanged EventKind = "state_changed"
	EventRemoteTrack  EventKind = "remote_track"
	EventMessageSent  EventKind = "message_sent"
	EventError        EventKind = "error"
)

// SessionEvent is published by a call session to its subscribers.
type SessionEvent struct {
	Kind        EventKind
	CallID      CallID
	From        CallState
	State       CallState
	MessageType MessageType
	TrackKind   string
	Err         error
	Timestamp   time.Time
}

// IncomingCall is an offer received for the local user that has not been
// accepted yet.
type IncomingCall struct {
	CallID     CallID      `json:"call_id"`
	FromUserID UserID      `json:"from_user_id"`
	Offer      CallMessage `json:"-"`
	ReceivedAt time.Time   `json:"received_at"`
}
