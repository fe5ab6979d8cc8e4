// Package outbox implements the transactional outbox: lifecycle events
// are written in the same transaction as the state change they announce,
// then dispatched to the event bus at-least-once.
package outbox

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/infermesh/infermesh/pkg/models"
)

// notifyChannel is the postgres NOTIFY channel the dispatcher listens on.
const notifyChannel = "outbox_events"

// Enqueue writes an event row inside the caller's transaction and fires
// a NOTIFY so the dispatcher wakes without waiting for the next poll.
// The NOTIFY only lands if the transaction commits.
func Enqueue(ctx context.Context, tx *sqlx.Tx, aggregateType, aggregateID, eventType string, payload models.JSONMap) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_events (aggregate_type, aggregate_id, event_type, payload)
		VALUES ($1, $2, $3, $4)`,
		aggregateType, aggregateID, eventType, payload)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, aggregateID); err != nil {
		return fmt.Errorf("failed to notify outbox channel: %w", err)
	}
	return nil
}

// TopicFor maps a persisted event type to its bus topic.
func TopicFor(eventType string) string {
	switch eventType {
	case models.EventDeploymentRequested:
		return models.TopicDeployRequested
	case models.EventDeploymentTerminate:
		return models.TopicTerminateRequested
	default:
		return models.TopicDeploymentUpdated
	}
}
