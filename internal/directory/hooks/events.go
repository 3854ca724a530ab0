// Event system for directory controller hooks.
// This file defines the event types and data structures used by the hook system.
package hooks

import (
	"time"
)

// EventType represents the type of directory event that occurred.
type EventType string

const (
	// Client lifecycle events
	EventClientAccept  EventType = "client_accept"
	EventClientClose   EventType = "client_close"
	EventSessionAuthed EventType = "session_authenticated"

	// Appl lifecycle events
	EventApplJoin    EventType = "appl_join"
	EventApplLeave   EventType = "appl_leave"
	EventRunnerStart EventType = "runner_start"
	EventRunnerStop  EventType = "runner_stop"
	EventApplReseed  EventType = "appl_reseed"

	// Transfer events
	EventTransferStart  EventType = "transfer_start"
	EventTransferCancel EventType = "transfer_cancel"
	EventTransferDone   EventType = "transfer_complete"

	// Key lifecycle
	EventRekey EventType = "rekey"
)

// Event represents a single directory event that can trigger hooks.
//
// RunnerID carries the control-session identity (session.Session.ID(), e.g.
// "sess000123") of the worker backing ApplID at the time the event fired.
// It has no RTMP analogue: a directory appl's runner is a distinct process
// or goroutine from the dircl that joined it, so runner lifecycle events
// need an identity independent of ClientID.
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp int64                  `json:"timestamp"`
	ClientID  string                 `json:"client_id,omitempty"`
	ApplID    string                 `json:"appl_id,omitempty"`
	RunnerID  string                 `json:"runner_id,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().Unix(),
		Data:      make(map[string]interface{}),
	}
}

// WithClientID sets the dircl identifier for the event.
func (e *Event) WithClientID(id string) *Event {
	e.ClientID = id
	return e
}

// WithApplID sets the appl identifier for the event.
func (e *Event) WithApplID(id string) *Event {
	e.ApplID = id
	return e
}

// WithRunnerID sets the control-session identifier of the runner backing
// the event's appl, for runner lifecycle events.
func (e *Event) WithRunnerID(id string) *Event {
	e.RunnerID = id
	return e
}

// WithData adds a data field to the event.
func (e *Event) WithData(key string, value interface{}) *Event {
	if e.Data == nil {
		e.Data = make(map[string]interface{})
	}
	e.Data[key] = value
	return e
}

// String returns a human-readable representation of the event.
func (e *Event) String() string {
	if e.ApplID != "" {
		return string(e.Type) + ":" + e.ApplID
	}
	if e.ClientID != "" {
		return string(e.Type) + ":" + e.ClientID
	}
	return string(e.Type)
}
