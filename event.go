package modhost

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a module lifecycle transition.
type EventType string

// Lifecycle event types.
const (
	EventLoad       EventType = "load"
	EventUnload     EventType = "unload"
	EventError      EventType = "error"
	EventUpdate     EventType = "update"
	EventActivate   EventType = "activate"
	EventDeactivate EventType = "deactivate"
)

// EventTypes lists every lifecycle event type in a stable order.
func EventTypes() []EventType {
	return []EventType{EventLoad, EventUnload, EventError, EventUpdate, EventActivate, EventDeactivate}
}

// ModuleEvent is an immutable record of one lifecycle transition.
type ModuleEvent struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	ModuleID  string    `json:"moduleId"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// generateEventID returns a UUIDv7, which sorts by creation time.
func generateEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}
