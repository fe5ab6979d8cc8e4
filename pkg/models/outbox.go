package models

import "time"

// OutboxEvent is a durable event written in the same transaction as the
// state change it announces. Dispatched at-least-once to the event bus.
type OutboxEvent struct {
	ID            int64      `db:"id" json:"id"`
	AggregateType string     `db:"aggregate_type" json:"aggregate_type"`
	AggregateID   string     `db:"aggregate_id" json:"aggregate_id"`
	EventType     string     `db:"event_type" json:"event_type"`
	Payload       JSONMap    `db:"payload" json:"payload"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	DispatchedAt  *time.Time `db:"dispatched_at" json:"dispatched_at,omitempty"`
}

// Event bus topics.
const (
	TopicDeployRequested    = "model.deploy.requested"
	TopicTerminateRequested = "model.terminate.requested"
	TopicDeploymentUpdated  = "model.deployment.updated"
)

// Outbox event types.
const (
	EventDeploymentRequested = "model.deployment.requested"
	EventDeploymentTerminate = "model.deployment.terminate"
	EventDeploymentUpdated   = "model.deployment.updated"
)
