// Package bus carries deployment lifecycle events between the control
// plane services.
package bus

import (
	"context"
	"encoding/json"
	"time"
)

// Event is one lifecycle notification on a topic.
type Event struct {
	Type      string         `json:"event_type"`
	Topic     string         `json:"-"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// Marshal encodes the event for the wire.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Handler consumes events from a subscription.
type Handler func(ctx context.Context, ev *Event)

// EventBus publishes lifecycle events and fans them out to subscribers.
// Delivery is at-least-once when fed by the outbox dispatcher; handlers
// must tolerate duplicates.
type EventBus interface {
	Publish(ctx context.Context, topic string, ev *Event) error
	Subscribe(ctx context.Context, topic string, h Handler) error
	Close() error
}
