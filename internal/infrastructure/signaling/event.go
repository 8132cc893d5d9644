package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"clicktocall/internal/core/domain"
	"clicktocall/pkg/validation"
)

// EventTypeCall is the event type the host application uses for call
// messages on its event stream.
const EventTypeCall = "call"

var errNotCallEvent = errors.New("not a call event")

// Event is the envelope the host application delivers to the addressee.
// Message holds the CallMessage either as a JSON string, the way it was
// posted, or as an embedded object.
type Event struct {
	Type    string          `json:"type"`
	CallID  domain.CallID   `json:"call_id"`
	Message json.RawMessage `json:"message"`
}

// DecodeEvent parses and validates a call event.
func DecodeEvent(data []byte) (domain.CallID, domain.CallMessage, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return "", domain.CallMessage{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if event.Type != EventTypeCall {
		return "", domain.CallMessage{}, errNotCallEvent
	}
	if err := validation.ValidateCallID(string(event.CallID)); err != nil {
		return "", domain.CallMessage{}, err
	}

	raw := bytes.TrimSpace(event.Message)
	if len(raw) > 0 && raw[0] == '"' {
		var inner string
		if err := json.Unmarshal(raw, &inner); err != nil {
			return "", domain.CallMessage{}, fmt.Errorf("failed to decode call message: %w", err)
		}
		raw = []byte(inner)
	}

	var msg domain.CallMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", domain.CallMessage{}, fmt.Errorf("failed to decode call message: %w", err)
	}
	if err := validation.Struct(msg); err != nil {
		return "", domain.CallMessage{}, err
	}
	return event.CallID, msg, nil
}

// EncodeEvent builds the envelope for msg, with the message as a JSON string.
func EncodeEvent(callID domain.CallID, msg domain.CallMessage) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	message, err := json.Marshal(string(body))
	if err != nil {
		return nil, err
	}
	return json.Marshal(Event{Type: EventTypeCall, CallID: callID, Message: message})
}
