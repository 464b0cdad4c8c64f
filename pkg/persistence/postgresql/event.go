package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/persistence"
)

// EventRepository appends lifecycle events to workflow_events. The serial
// seq column preserves publication order.
type EventRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewEventRepository(db *sql.DB, logger *slog.Logger) *EventRepository {
	return &EventRepository{db: db, logger: logger}
}

func (r *EventRepository) Save(ctx context.Context, event events.Event) error {
	stored, err := persistence.NewStoredEvent(event)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO workflow_events (id, workflow_id, execution_id, event_type, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`

	_, err = r.db.ExecContext(ctx, query,
		stored.ID,
		stored.WorkflowID,
		stored.ExecutionID,
		string(stored.Type),
		[]byte(stored.Payload),
		stored.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to save event %s: %w", stored.ID, err)
	}

	return nil
}

func (r *EventRepository) ByWorkflow(ctx context.Context, workflowID string) ([]persistence.StoredEvent, error) {
	query := `
		SELECT id, workflow_id, COALESCE(execution_id, ''), event_type, payload, occurred_at
		FROM workflow_events
		WHERE workflow_id = $1
		ORDER BY seq ASC
	`

	rows, err := r.db.QueryContext(ctx, query, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	defer func() {
		if err := rows.Close(); err != nil {
			r.logger.ErrorContext(ctx, "failed to close rows", "error", err)
		}
	}()

	stored := make([]persistence.StoredEvent, 0)

	for rows.Next() {
		var (
			event     persistence.StoredEvent
			eventType string
			payload   []byte
		)

		err := rows.Scan(&event.ID, &event.WorkflowID, &event.ExecutionID, &eventType, &payload, &event.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}

		event.Type = events.EventType(eventType)
		event.Payload = payload
		stored = append(stored, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return stored, nil
}

func (p *Persistence) SaveEvent(ctx context.Context, event events.Event) error {
	return p.eventRepo.Save(ctx, event)
}

func (p *Persistence) EventsByWorkflow(ctx context.Context, workflowID string) ([]persistence.StoredEvent, error) {
	return p.eventRepo.ByWorkflow(ctx, workflowID)
}
