// Package realtime fans presence and committed content changes out to the
// clients editing a document.
package realtime

import (
	"encoding/json"
	"time"
)

const (
	EventJoin       = "join"
	EventLeave      = "leave"
	EventCursorMove = "cursor_move"
	EventTyping     = "typing"

	EventUserJoined     = "user_joined"
	EventUserLeft       = "user_left"
	EventCursorUpdate   = "cursor_update"
	EventUserTyping     = "user_typing"
	EventContentUpdated = "content_updated"
	EventError          = "error"
)

// Event is the wire envelope in both directions.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RoomID names the room of a document.
func RoomID(documentID string) string {
	return "content_" + documentID
}

type joinPayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
}

type cursorPayload struct {
	DocumentID string          `json:"documentId"`
	UserID     string          `json:"userId"`
	Position   json.RawMessage `json:"position"`
}

type typingPayload struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	NodeID     string `json:"nodeId"`
}

type PresenceData struct {
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type CursorData struct {
	UserID    string          `json:"userId"`
	Position  json.RawMessage `json:"position"`
	Timestamp time.Time       `json:"timestamp"`
}

type TypingData struct {
	UserID    string    `json:"userId"`
	NodeID    string    `json:"nodeId"`
	Timestamp time.Time `json:"timestamp"`
}

type ContentData struct {
	NodeID    string    `json:"nodeId"`
	Content   string    `json:"content"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`
}

type errorData struct {
	Message string `json:"message"`
}

func newEvent(name string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: raw}, nil
}
