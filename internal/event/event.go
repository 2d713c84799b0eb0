// Package event defines the assignment change events produced by the
// domain layer and their WebSocket wire encoding.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind classifies an assignment change.
type Kind string

const (
	KindCreated  Kind = "created"
	KindUpdated  Kind = "updated"
	KindDeleted  Kind = "deleted"
	KindConflict Kind = "conflict"
)

// MessageType returns the server-to-client message type for this kind.
func (k Kind) MessageType() string {
	switch k {
	case KindCreated:
		return "assignment_created"
	case KindUpdated:
		return "assignment_updated"
	case KindDeleted:
		return "assignment_deleted"
	case KindConflict:
		return "conflict_detected"
	}
	return ""
}

// Event is an immutable assignment change notification. Attributes holds
// the flat entity fields used for subscription filter matching (e.g.
// "direction"); Payload carries the full assignment snapshot delivered
// to clients.
type Event struct {
	Kind         Kind              `json:"kind"`
	Timestamp    time.Time         `json:"timestamp"`
	AssignmentID int64             `json:"assignment_id"`
	Action       string            `json:"action"` // CREATE, UPDATE, DELETE
	ActorUserID  int64             `json:"actor_user_id"`
	ActorEmail   string            `json:"actor_email"`
	Attributes   map[string]string `json:"attributes,omitempty"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
}

// wireFrame is the server-to-client event frame.
type wireFrame struct {
	Type         string          `json:"type"`
	Timestamp    string          `json:"timestamp"`
	AssignmentID int64           `json:"assignment_id"`
	Action       string          `json:"action"`
	UserID       int64           `json:"user_id"`
	UserEmail    string          `json:"user_email"`
	Data         json.RawMessage `json:"data"`
}

// EncodeWire serializes the event into its client-facing frame. Encoded
// once per dispatch, shared by all matching connections.
func (e *Event) EncodeWire() ([]byte, error) {
	msgType := e.Kind.MessageType()
	if msgType == "" {
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}

	data := e.Payload
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}

	return json.Marshal(wireFrame{
		Type:         msgType,
		Timestamp:    e.Timestamp.Format(time.RFC3339),
		AssignmentID: e.AssignmentID,
		Action:       e.Action,
		UserID:       e.ActorUserID,
		UserEmail:    e.ActorEmail,
		Data:         data,
	})
}

// Decode parses an event as published on the feed.
func Decode(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}
	if ev.Kind.MessageType() == "" {
		return nil, fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return &ev, nil
}
