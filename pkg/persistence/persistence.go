// Package persistence provides durable storage for workflow snapshots and
// their lifecycle event history.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/models"
)

type Persistence interface {
	Workflows(ctx context.Context) ([]*models.Workflow, error)
	SaveWorkflow(ctx context.Context, workflow *models.Workflow) error
	// WorkflowByID returns ErrWorkflowNotFound when no workflow has the id.
	WorkflowByID(ctx context.Context, id string) (*models.Workflow, error)
	// DeleteWorkflow removes the workflow and its event history.
	DeleteWorkflow(ctx context.Context, id string) error

	EventStore

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// EventStore keeps the lifecycle events of each workflow in publication order.
type EventStore interface {
	SaveEvent(ctx context.Context, event events.Event) error
	EventsByWorkflow(ctx context.Context, workflowID string) ([]StoredEvent, error)
}

// StoredEvent is the persisted envelope of a lifecycle event.
type StoredEvent struct {
	ID          string           `json:"id"`
	Type        events.EventType `json:"type"`
	WorkflowID  string           `json:"workflow_id"`
	ExecutionID string           `json:"execution_id,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
	Payload     json.RawMessage  `json:"payload"`
}

func NewStoredEvent(event events.Event) (StoredEvent, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("failed to marshal %s event: %w", event.GetType(), err)
	}

	base := event.GetBase()

	return StoredEvent{
		ID:          base.ID,
		Type:        event.GetType(),
		WorkflowID:  base.WorkflowID,
		ExecutionID: base.ExecutionID,
		Timestamp:   base.Timestamp,
		Payload:     payload,
	}, nil
}

// Event decodes the payload back into its concrete event type.
func (s StoredEvent) Event() (events.Event, error) {
	return events.Decode(s.Type, s.Payload)
}
