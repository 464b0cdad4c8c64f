// Package persistencetest holds the behaviour every persistence backend must
// share, run against each implementation from its own tests.
package persistencetest

import (
	"context"
	"testing"
	"time"

	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleWorkflow(id string, created time.Time) *models.Workflow {
	return &models.Workflow{
		ID:   id,
		Name: "checkout " + id,
		Type: models.WorkflowTypeDAG,
		Steps: []*models.WorkflowStep{
			{ID: "reserve", Name: "Reserve", Type: models.StepTypeTask, TaskType: "noop",
				Configuration: map[string]any{"sku": "A-1"}},
			{ID: "charge", Name: "Charge", Type: models.StepTypeTask, TaskType: "noop",
				Dependencies: []string{"reserve"},
				RetryPolicy:  models.RetryPolicy{MaxRetries: models.Ptr(2), BackoffMultiplier: 2, InitialDelay: models.Duration(time.Second)},
				Compensation: &models.Compensation{TaskType: "noop"}},
		},
		Status:    models.WorkflowStatusDraft,
		Metrics:   models.WorkflowMetrics{TotalSteps: 2},
		CreatedAt: created.UTC().Truncate(time.Millisecond),
		UpdatedAt: created.UTC().Truncate(time.Millisecond),
	}
}

// Run exercises p against the shared persistence contract.
func Run(t *testing.T, newPersistence func(t *testing.T) persistence.Persistence) {
	t.Helper()

	t.Run("save and load workflow", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()

		wf := sampleWorkflow("wf-save", time.Now())
		require.NoError(t, p.SaveWorkflow(ctx, wf))

		loaded, err := p.WorkflowByID(ctx, "wf-save")
		require.NoError(t, err)
		assert.Equal(t, wf.Name, loaded.Name)
		assert.Equal(t, models.WorkflowTypeDAG, loaded.Type)
		require.Len(t, loaded.Steps, 2)
		assert.Equal(t, []string{"reserve"}, loaded.Steps[1].Dependencies)
		assert.Equal(t, time.Second, loaded.Steps[1].RetryPolicy.InitialDelay.Std())
		assert.Equal(t, "noop", loaded.Steps[1].Compensation.TaskType)
		assert.True(t, wf.CreatedAt.Equal(loaded.CreatedAt))
	})

	t.Run("save overwrites", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()

		wf := sampleWorkflow("wf-update", time.Now())
		require.NoError(t, p.SaveWorkflow(ctx, wf))

		wf.Status = models.WorkflowStatusCompleted
		wf.Steps[0].Status = models.StepStatusCompleted
		wf.Steps[0].Result = map[string]any{"reserved": true}
		require.NoError(t, p.SaveWorkflow(ctx, wf))

		loaded, err := p.WorkflowByID(ctx, "wf-update")
		require.NoError(t, err)
		assert.Equal(t, models.WorkflowStatusCompleted, loaded.Status)
		assert.Equal(t, map[string]any{"reserved": true}, loaded.Steps[0].Result)
	})

	t.Run("missing workflow", func(t *testing.T) {
		p := newPersistence(t)

		_, err := p.WorkflowByID(context.Background(), "does-not-exist")
		assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)
	})

	t.Run("list ordered by creation", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()
		base := time.Now().Add(-time.Hour)

		require.NoError(t, p.SaveWorkflow(ctx, sampleWorkflow("wf-b", base.Add(time.Minute))))
		require.NoError(t, p.SaveWorkflow(ctx, sampleWorkflow("wf-a", base)))

		workflows, err := p.Workflows(ctx)
		require.NoError(t, err)
		require.Len(t, workflows, 2)
		assert.Equal(t, "wf-a", workflows[0].ID)
		assert.Equal(t, "wf-b", workflows[1].ID)
	})

	t.Run("delete removes workflow and events", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()

		require.NoError(t, p.SaveWorkflow(ctx, sampleWorkflow("wf-del", time.Now())))
		require.NoError(t, p.SaveEvent(ctx, &events.WorkflowStarted{
			BaseEvent: events.NewBaseEvent(events.WorkflowStartedEvent, "wf-del", "exec-1"),
		}))

		require.NoError(t, p.DeleteWorkflow(ctx, "wf-del"))
		require.NoError(t, p.DeleteWorkflow(ctx, "wf-del"), "deleting twice is not an error")

		_, err := p.WorkflowByID(ctx, "wf-del")
		assert.ErrorIs(t, err, persistence.ErrWorkflowNotFound)

		stored, err := p.EventsByWorkflow(ctx, "wf-del")
		require.NoError(t, err)
		assert.Empty(t, stored)
	})

	t.Run("events keep publication order", func(t *testing.T) {
		p := newPersistence(t)
		ctx := context.Background()

		require.NoError(t, p.SaveWorkflow(ctx, sampleWorkflow("wf-events", time.Now())))

		published := []events.Event{
			&events.WorkflowStarted{BaseEvent: events.NewBaseEvent(events.WorkflowStartedEvent, "wf-events", "exec-1"), TotalSteps: 2},
			&events.StepStarted{BaseEvent: events.NewBaseEvent(events.StepStartedEvent, "wf-events", "exec-1"), StepID: "reserve", Attempt: 1},
			&events.StepCompleted{BaseEvent: events.NewBaseEvent(events.StepCompletedEvent, "wf-events", "exec-1"), StepID: "reserve", Attempt: 1},
			&events.StepStarted{BaseEvent: events.NewBaseEvent(events.StepStartedEvent, "other", "exec-2"), StepID: "x"},
		}

		for _, e := range published {
			require.NoError(t, p.SaveEvent(ctx, e))
		}

		stored, err := p.EventsByWorkflow(ctx, "wf-events")
		require.NoError(t, err)
		require.Len(t, stored, 3)

		assert.Equal(t, events.WorkflowStartedEvent, stored[0].Type)
		assert.Equal(t, events.StepStartedEvent, stored[1].Type)
		assert.Equal(t, events.StepCompletedEvent, stored[2].Type)
		assert.Equal(t, published[1].GetBase().ID, stored[1].ID)

		decoded, err := stored[0].Event()
		require.NoError(t, err)
		assert.Equal(t, 2, decoded.(*events.WorkflowStarted).TotalSteps)
	})

	t.Run("health check", func(t *testing.T) {
		p := newPersistence(t)
		assert.NoError(t, p.HealthCheck(context.Background()))
	})
}
