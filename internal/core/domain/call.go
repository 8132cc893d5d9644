package domain

import (
	"encoding/json"
	"strconv"
	"time"
)

type UserID int64
type CallID string

func (id UserID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseUserID parses the decimal form used in element attributes and row ids.
func ParseUserID(s string) (UserID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if v <= 0 {
		return 0, ErrInvalidUserID
	}
	return UserID(v), nil
}

type MessageType string

const (
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice-candidate"
	MessageEnd          MessageType = "end"
)

// CallMessage is the signaling envelope exchanged between the two peers.
// Payload travels under the "data" key of the host application's wire format.
type CallMessage struct {
	Type       MessageType     `json:"type" validate:"required,oneof=offer answer ice-candidate end"`
	FromUserID UserID          `json:"from_user_id" validate:"required,gt=0"`
	ToUserID   UserID          `json:"to_user_id" validate:"required,gt=0"`
	Payload    json.RawMessage `json:"data"`
}

type CallState string

const (
	CallStateIdle       CallState = "idle"
	CallStateConnecting CallState = "connecting"
	CallStateConnected  CallState = "connected"
	CallStateClosed     CallState = "closed"
)

// Active reports whether a call in this state holds a peer connection.
func (s CallState) Active() bool {
	return s == CallStateConnecting || s == CallStateConnected
}

// CallInfo is a point-in-time view of a call session.
type CallInfo struct {
	CallID       CallID    `json:"call_id"`
	LocalUserID  UserID    `json:"local_user_id"`
	RemoteUserID UserID    `json:"remote_user_id,omitempty"`
	State        CallState `json:"state"`
	Outgoing     bool      `json:"outgoing"`
	StartedAt    time.Time `json:"started_at,omitempty"`
}
