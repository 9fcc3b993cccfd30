package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event being published
type EventType string

const (
	// Token events
	EventTokensGranted  EventType = "tokens.granted"
	EventTokensConsumed EventType = "tokens.consumed"

	// Session events
	EventSessionOpened  EventType = "session.opened"
	EventSessionClosed  EventType = "session.closed"
	EventSessionExpired EventType = "session.expired"

	// Purchase events that never move tokens
	EventPurchaseCancelled EventType = "purchase.cancelled"
)

// Event represents a single event in the system
type Event struct {
	// ID is a unique identifier for this event
	ID string

	Type EventType

	Timestamp time.Time

	// UserID is the account this event belongs to
	UserID string

	Payload map[string]interface{}
}

// NewEvent creates a new event with the given type and payload
func NewEvent(eventType EventType, userID string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		UserID:    userID,
		Payload:   payload,
	}
}
