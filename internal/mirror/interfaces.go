package mirror

import (
	"context"
	"time"
)

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// SystemClock implements Clock using the wall clock in UTC.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}

// EventType classifies a change notification.
type EventType string

// Change notification types.
const (
	EventCreated EventType = "created"
	EventUpdated EventType = "updated"
)

// Event announces that a stored entity was created or its data changed.
type Event struct {
	Kind Kind      `json:"kind"`
	ID   uint32    `json:"id"`
	Type EventType `json:"event"`
	At   time.Time `json:"at"`
}

// Publisher pushes change events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, event Event) (string, error)
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish discards the event.
func (NopPublisher) Publish(context.Context, Event) (string, error) {
	return "", nil
}

// Upstream fetches catalog items from the remote API. A false found with a
// nil error means the upstream confirmed the id does not exist.
type Upstream interface {
	Map(ctx context.Context, id uint32) (Map, bool, error)
	MapSet(ctx context.Context, id uint32) (MapSet, bool, error)
}
