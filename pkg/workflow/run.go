package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/otelhelper"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

var errPaused = errors.New("run paused")

// run is one in-flight execution of a workflow. definition is a private copy
// taken when the run started; live state goes through entry under its lock.
type run struct {
	engine     *Engine
	entry      *entry
	exec       *models.ExecutionContext
	definition *models.Workflow
	logger     *slog.Logger

	ctx         context.Context
	cancel      context.CancelCauseFunc
	stopTimeout context.CancelFunc
	done        chan struct{}
	resumed     bool
	nextStepID  string
}

// startRun moves a draft or paused workflow to active and registers the run.
func (e *Engine) startRun(ctx context.Context, entry *entry, op string) (*run, error) {
	entry.mu.Lock()
	defer entry.mu.Unlock()

	workflow := entry.workflow

	if entry.done != nil {
		return nil, newWorkflowError(op, workflow.ID, fmt.Errorf("%w: a run is already in progress", ErrInvalidTransition))
	}

	if !workflow.Status.CanExecute() {
		return nil, newWorkflowError(op, workflow.ID, fmt.Errorf("%w: cannot execute a %s workflow", ErrInvalidTransition, workflow.Status))
	}

	resumed := workflow.Status == models.WorkflowStatusPaused

	if entry.exec == nil {
		entry.exec = rebuildExecutionContext(workflow)
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	stopTimeout := context.CancelFunc(func() {})

	timeout := workflow.Configuration.Timeout.Std()
	if timeout <= 0 {
		timeout = e.config.DefaultWorkflowTimeout
	}

	if timeout > 0 {
		runCtx, stopTimeout = context.WithTimeoutCause(runCtx, timeout, ErrWorkflowTimeout)
	}

	now := time.Now().UTC()
	workflow.Status = models.WorkflowStatusActive
	workflow.UpdatedAt = now

	if workflow.StartedAt == nil {
		workflow.StartedAt = &now
	}

	entry.done = make(chan struct{})
	entry.cancel = cancel

	return &run{
		engine:      e,
		entry:       entry,
		exec:        entry.exec,
		definition:  workflow.Clone(),
		logger:      e.logger.With("workflow_id", workflow.ID, "execution_id", entry.exec.ID),
		ctx:         runCtx,
		cancel:      cancel,
		stopTimeout: stopTimeout,
		done:        entry.done,
		resumed:     resumed,
	}, nil
}

// rebuildExecutionContext creates a context holding the results and rollback
// entries of the steps a workflow already finished, in completion order.
func rebuildExecutionContext(workflow *models.Workflow) *models.ExecutionContext {
	exec := models.NewExecutionContext(uuid.NewString(), workflow.ID)

	finished := make([]*models.WorkflowStep, 0)

	for _, step := range workflow.Steps {
		if step.Status.IsDone() {
			finished = append(finished, step)
		}
	}

	sort.SliceStable(finished, func(i, j int) bool {
		a, b := finished[i].CompletedAt, finished[j].CompletedAt
		if a == nil || b == nil {
			return a != nil
		}

		return a.Before(*b)
	})

	for _, step := range finished {
		exec.SetResult(step.ID, step.Result)

		if step.Status == models.StepStatusCompleted {
			exec.PushRollback(rollbackEntry(step, step.Result))
		}
	}

	return exec
}

func rollbackEntry(step *models.WorkflowStep, result any) models.RollbackEntry {
	var compensation *models.Compensation
	if step.Compensation != nil {
		c := *step.Compensation
		compensation = &c
	}

	return models.RollbackEntry{StepID: step.ID, Compensation: compensation, Data: result}
}

// drive executes the run to completion, failure or pause.
func (e *Engine) drive(r *run) (*models.Workflow, error) {
	defer r.cancel(nil)
	defer r.stopTimeout()

	ctx, span := otelhelper.StartSpan(r.ctx, e.tracer, "workflow.execute",
		attribute.String(otelhelper.WorkflowIDKey, r.definition.ID),
		attribute.String(otelhelper.WorkflowNameKey, r.definition.Name),
		attribute.String(otelhelper.WorkflowTypeKey, string(r.definition.Type)),
		attribute.String(otelhelper.ExecutionIDKey, r.exec.ID),
	)
	defer span.End()

	if !r.resumed {
		r.logger.InfoContext(ctx, "Workflow run started", "workflow_type", r.definition.Type, "steps", len(r.definition.Steps))
		e.publish(ctx, &events.WorkflowStarted{
			BaseEvent:    events.NewBaseEvent(events.WorkflowStartedEvent, r.definition.ID, r.exec.ID),
			WorkflowName: r.definition.Name,
			WorkflowType: string(r.definition.Type),
			TotalSteps:   len(r.definition.Steps),
		})
	} else {
		r.logger.InfoContext(ctx, "Workflow run continued")
	}

	r.save(ctx)

	for {
		err := r.execute(ctx)

		switch {
		case err == nil:
			workflow, err := r.complete(ctx)
			if err != nil {
				otelhelper.SetError(span, err)
			} else {
				otelhelper.SetOK(span)
			}

			return workflow, err
		case errors.Is(err, errPaused):
			workflow, stopped := r.pause(ctx)
			if !stopped {
				continue
			}

			if workflow.Status == models.WorkflowStatusFailed {
				return workflow, &RunError{WorkflowID: workflow.ID, ExecutionID: r.exec.ID, Err: ErrWorkflowCancelled}
			}

			return workflow, nil
		default:
			workflow, err := r.fail(ctx, err)
			otelhelper.SetError(span, err)

			return workflow, err
		}
	}
}

// execute walks the execution groups, skipping steps already done. It returns
// nil when every group finished, errPaused at a pause point, or the failure
// that aborts the run.
func (r *run) execute(ctx context.Context) error {
	groups, err := executionGroups(r.definition)
	if err != nil {
		return err
	}

	for _, group := range groups {
		pending := r.pendingSteps(group.steps)
		if len(pending) == 0 {
			continue
		}

		if err := r.checkpoint(ctx, pending[0].ID); err != nil {
			return err
		}

		if group.concurrent && len(pending) > 1 {
			if err := r.runConcurrently(ctx, pending); err != nil {
				return err
			}

			continue
		}

		for i, step := range pending {
			if r.isDone(step.ID) {
				continue
			}

			if i > 0 {
				if err := r.checkpoint(ctx, step.ID); err != nil {
					return err
				}
			}

			if err := r.runStep(ctx, step); err != nil {
				return err
			}
		}
	}

	return nil
}

// runConcurrently runs steps in their own goroutines and waits for all of
// them. The first failure in authoring order is returned.
func (r *run) runConcurrently(ctx context.Context, steps []*models.WorkflowStep) error {
	var wg sync.WaitGroup

	errs := make([]error, len(steps))

	for i, step := range steps {
		wg.Add(1)

		go func() {
			defer wg.Done()

			errs[i] = r.runStep(ctx, step)
		}()
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}

	return nil
}

// checkpoint is the boundary where cancellation and pause requests take effect.
func (r *run) checkpoint(ctx context.Context, nextStepID string) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}

	r.entry.mu.Lock()
	paused := r.entry.workflow.Status == models.WorkflowStatusPaused
	r.entry.mu.Unlock()

	if paused {
		r.nextStepID = nextStepID

		return errPaused
	}

	return nil
}

func (r *run) pendingSteps(steps []*models.WorkflowStep) []*models.WorkflowStep {
	pending := make([]*models.WorkflowStep, 0, len(steps))

	for _, step := range steps {
		if !r.isDone(step.ID) {
			pending = append(pending, step)
		}
	}

	return pending
}

func (r *run) isDone(stepID string) bool {
	r.entry.mu.Lock()
	defer r.entry.mu.Unlock()

	step, ok := r.entry.workflow.StepByID(stepID)

	return ok && step.Status.IsDone()
}

// update applies fn to the live workflow unless the run was cancelled or
// replaced, and reports whether it did.
func (r *run) update(fn func(workflow *models.Workflow, now time.Time)) bool {
	r.entry.mu.Lock()
	defer r.entry.mu.Unlock()

	if r.entry.cancelled || r.entry.exec != r.exec {
		return false
	}

	now := time.Now().UTC()
	fn(r.entry.workflow, now)
	r.entry.workflow.UpdatedAt = now

	return true
}

func (r *run) save(ctx context.Context) {
	if err := r.engine.persist(ctx, r.entry); err != nil {
		r.logger.ErrorContext(ctx, "Failed to persist workflow snapshot", "error", err)
	}
}

// release marks the run as finished. Callers hold entry.mu.
func (r *run) release() {
	r.entry.done = nil
	r.entry.cancel = nil
	close(r.done)
}

func (r *run) finish() {
	r.entry.mu.Lock()
	defer r.entry.mu.Unlock()

	r.release()
}

func (r *run) complete(ctx context.Context) (*models.Workflow, error) {
	var (
		results  map[string]any
		duration time.Duration
	)

	completed := r.update(func(workflow *models.Workflow, now time.Time) {
		results = r.exec.Results()
		duration = now.Sub(r.exec.StartTime)
		workflow.Status = models.WorkflowStatusCompleted
		workflow.Results = results
		workflow.Error = ""
		workflow.CompletedAt = &now
		r.entry.exec = nil
	})

	if !completed {
		return r.cancelled()
	}

	r.logger.InfoContext(ctx, "Workflow run completed", "duration", duration)
	r.engine.publish(ctx, &events.WorkflowCompleted{
		BaseEvent: events.NewBaseEvent(events.WorkflowCompletedEvent, r.definition.ID, r.exec.ID),
		Duration:  duration,
		Results:   results,
	})
	r.save(ctx)
	r.finish()

	return r.entry.snapshot(), nil
}

// pause stops the run at a pause point. It reports false when the workflow
// was resumed before the run could stop, in which case the run goes on.
func (r *run) pause(ctx context.Context) (*models.Workflow, bool) {
	r.logger.InfoContext(ctx, "Workflow run paused", "next_step_id", r.nextStepID)
	r.engine.publish(ctx, &events.WorkflowPaused{
		BaseEvent:  events.NewBaseEvent(events.WorkflowPausedEvent, r.definition.ID, r.exec.ID),
		NextStepID: r.nextStepID,
	})
	r.save(ctx)

	r.entry.mu.Lock()
	defer r.entry.mu.Unlock()

	if r.entry.workflow.Status == models.WorkflowStatusActive && !r.entry.cancelled {
		return nil, false
	}

	r.release()

	return r.entry.workflow.Clone(), true
}

// fail rolls the run back and marks the workflow failed. The partial step
// results stay on the returned workflow.
func (r *run) fail(ctx context.Context, cause error) (*models.Workflow, error) {
	if r.isCancelled() {
		return r.cancelled()
	}

	var stepErr *StepError

	failedStepID := ""
	if errors.As(cause, &stepErr) {
		failedStepID = stepErr.StepID
	}

	r.logger.WarnContext(ctx, "Workflow run aborted", "step_id", failedStepID, "error", cause)

	r.rollback(ctx)

	var duration time.Duration

	failed := r.update(func(workflow *models.Workflow, now time.Time) {
		duration = now.Sub(r.exec.StartTime)
		workflow.Status = models.WorkflowStatusFailed
		workflow.Results = r.exec.Results()
		workflow.Error = cause.Error()
		workflow.CompletedAt = &now
		r.entry.exec = nil
	})

	if !failed {
		return r.cancelled()
	}

	r.engine.publish(ctx, &events.WorkflowFailed{
		BaseEvent:    events.NewBaseEvent(events.WorkflowFailedEvent, r.definition.ID, r.exec.ID),
		Duration:     duration,
		Error:        cause.Error(),
		FailedStepID: failedStepID,
	})
	r.save(ctx)
	r.finish()

	return r.entry.snapshot(), &RunError{
		WorkflowID:  r.definition.ID,
		ExecutionID: r.exec.ID,
		StepID:      failedStepID,
		Err:         cause,
	}
}

func (r *run) isCancelled() bool {
	r.entry.mu.Lock()
	defer r.entry.mu.Unlock()

	return r.entry.cancelled
}

// cancelled ends a run interrupted by CancelWorkflow. The cancel already set
// the terminal status; nothing is rolled back.
func (r *run) cancelled() (*models.Workflow, error) {
	r.finish()

	return r.entry.snapshot(), &RunError{
		WorkflowID:  r.definition.ID,
		ExecutionID: r.exec.ID,
		Err:         ErrWorkflowCancelled,
	}
}
