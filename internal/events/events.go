// Package events defines the typed progress events emitted during a
// generation session and the per-session broadcast broker.
package events

import (
	"encoding/json"
	"time"
)

// Type represents the kind of event.
type Type string

const (
	ProgressUpdate Type = "progress_update"
	AgentUpdate    Type = "agent_update"
	ArtifactUpdate Type = "artifact_update"
	LogUpdate      Type = "log_update"
	PreviewReady   Type = "preview_ready"
	SessionDone    Type = "session_done"
)

// Event is a structured event emitted during a generation session.
type Event struct {
	Type      Type                   `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// New creates a new event with the given type and session ID.
func New(eventType Type, sessionID string) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
	}
}

// WithData adds a data field to the event and returns it for chaining.
func (e *Event) WithData(key string, value interface{}) *Event {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// JSON returns the event serialized as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
