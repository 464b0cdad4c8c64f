package workflow

import (
	"context"
	"fmt"

	"github.com/dukex/flowrun/pkg/coordinator"
	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/otelhelper"
	"github.com/dukex/flowrun/pkg/template"
	"go.opentelemetry.io/otel/attribute"
)

// Compensator undoes the effect of a completed step during rollback.
// workflow is a snapshot whose Results hold the run's step results.
type Compensator interface {
	Compensate(ctx context.Context, workflow *models.Workflow, entry models.RollbackEntry) error
}

type CompensatorFunc func(ctx context.Context, workflow *models.Workflow, entry models.RollbackEntry) error

func (f CompensatorFunc) Compensate(ctx context.Context, workflow *models.Workflow, entry models.RollbackEntry) error {
	return f(ctx, workflow, entry)
}

// taskCompensator runs the step's compensation task through the coordinator
// and waits for it. Steps without compensation need no undo.
type taskCompensator struct {
	engine *Engine
}

func (c *taskCompensator) Compensate(ctx context.Context, workflow *models.Workflow, entry models.RollbackEntry) error {
	if entry.Compensation == nil {
		return nil
	}

	config, err := template.RenderConfig(entry.Compensation.Configuration, template.Data{
		WorkflowID:  workflow.ID,
		StepResults: workflow.Results,
		Variables:   workflow.Variables,
	})
	if err != nil {
		return fmt.Errorf("render compensation configuration: %w", err)
	}

	if timeout := c.engine.config.CompensationTimeout; timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	_, err = c.engine.runTask(ctx, entry.Compensation.TaskType, config, coordinator.Correlation{
		WorkflowID: workflow.ID,
		StepID:     entry.StepID,
	})

	return err
}

// rollback pops the rollback stack newest first and compensates every entry.
// A failed compensation is logged and the pass goes on.
func (r *run) rollback(ctx context.Context) {
	ctx = context.WithoutCancel(ctx)

	ctx, span := otelhelper.StartSpan(ctx, r.engine.tracer, "workflow.rollback",
		attribute.String(otelhelper.WorkflowIDKey, r.definition.ID),
		attribute.String(otelhelper.ExecutionIDKey, r.exec.ID),
	)
	defer span.End()

	depth := r.exec.RollbackDepth()
	r.logger.InfoContext(ctx, "Rolling back workflow run", "entries", depth)

	r.engine.publish(ctx, &events.RollbackStarted{
		BaseEvent: events.NewBaseEvent(events.RollbackStartedEvent, r.definition.ID, r.exec.ID),
		Entries:   depth,
	})

	snapshot := r.entry.snapshot()
	snapshot.Results = r.exec.Results()

	failures := 0

	for {
		entry, ok := r.exec.PopRollback()
		if !ok {
			break
		}

		if err := r.engine.compensator.Compensate(ctx, snapshot, entry); err != nil {
			failures++
			err = fmt.Errorf("%w for step %s: %w", ErrCompensationFailed, entry.StepID, err)
			r.logger.ErrorContext(ctx, "Compensation failed", "step_id", entry.StepID, "error", err)

			r.engine.publish(ctx, &events.CompensationFailed{
				BaseEvent: events.NewBaseEvent(events.CompensationFailedEvent, r.definition.ID, r.exec.ID),
				StepID:    entry.StepID,
				Error:     err.Error(),
			})

			continue
		}

		r.engine.publish(ctx, &events.CompensationExecuted{
			BaseEvent: events.NewBaseEvent(events.CompensationExecutedEvent, r.definition.ID, r.exec.ID),
			StepID:    entry.StepID,
		})
	}

	span.SetAttributes(attribute.Int("flowrun.rollback.failures", failures))
}
