package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jmoiron/sqlx"

	"github.com/infermesh/infermesh/pkg/bus"
	"github.com/infermesh/infermesh/pkg/models"
)

const (
	pollInterval  = 5 * time.Second
	dispatchBatch = 100
)

// Dispatcher drains undispatched outbox rows to the event bus. It polls
// on a timer and additionally wakes on postgres NOTIFY so the common
// case is near-immediate delivery.
type Dispatcher struct {
	db     *sqlx.DB
	bus    bus.EventBus
	dsn    string
	logger *slog.Logger

	wake chan struct{}
	done chan struct{}
}

// NewDispatcher creates a dispatcher. dsn is used for the dedicated
// LISTEN connection; empty disables the wakeup path and leaves polling.
func NewDispatcher(db *sqlx.DB, eventBus bus.EventBus, dsn string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		db:     db,
		bus:    eventBus,
		dsn:    dsn,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start runs the dispatch loop until the context is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.dsn != "" {
		go d.listen(ctx)
	}
	go d.run(ctx)
}

// Stop blocks until the dispatch loop has exited.
func (d *Dispatcher) Stop() {
	<-d.done
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := d.drain(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("Outbox drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// drain claims and publishes pending rows in ID order until none remain.
// Rows are marked dispatched only after a successful publish, so a crash
// mid-batch redelivers rather than drops.
func (d *Dispatcher) drain(ctx context.Context) error {
	for {
		var events []*models.OutboxEvent
		err := d.db.SelectContext(ctx, &events, `
			SELECT id, aggregate_type, aggregate_id, event_type, payload, created_at, dispatched_at
			FROM outbox_events
			WHERE dispatched_at IS NULL
			ORDER BY id
			LIMIT $1`, dispatchBatch)
		if err != nil {
			return fmt.Errorf("failed to fetch pending outbox events: %w", err)
		}
		if len(events) == 0 {
			return nil
		}

		for _, ev := range events {
			busEv := &bus.Event{
				Type:      ev.EventType,
				Payload:   ev.Payload,
				Timestamp: ev.CreatedAt,
			}
			topic := TopicFor(ev.EventType)
			if err := d.bus.Publish(ctx, topic, busEv); err != nil {
				return fmt.Errorf("failed to publish outbox event %d: %w", ev.ID, err)
			}
			if _, err := d.db.ExecContext(ctx,
				`UPDATE outbox_events SET dispatched_at = now() WHERE id = $1`, ev.ID); err != nil {
				return fmt.Errorf("failed to mark outbox event %d dispatched: %w", ev.ID, err)
			}
		}
	}
}

// listen holds a dedicated pgx connection on the NOTIFY channel and
// nudges the dispatch loop on every notification. Reconnects with a
// short backoff when the connection drops.
func (d *Dispatcher) listen(ctx context.Context) {
	for ctx.Err() == nil {
		if err := d.listenOnce(ctx); err != nil && ctx.Err() == nil {
			d.logger.Warn("Outbox listener disconnected, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(2 * time.Second):
			}
		}
	}
}

func (d *Dispatcher) listenOnce(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, d.dsn)
	if err != nil {
		return fmt.Errorf("failed to open listen connection: %w", err)
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("failed to LISTEN on %s: %w", notifyChannel, err)
	}

	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			return err
		}
		select {
		case d.wake <- struct{}{}:
		default:
		}
	}
}
