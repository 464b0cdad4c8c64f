// Package workflow executes step-based workflows: validation, scheduling by
// workflow type, retries with backoff and compensating rollback on failure.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/flowrun/pkg/coordinator"
	"github.com/dukex/flowrun/pkg/eventbus"
	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/log"
	"github.com/dukex/flowrun/pkg/metrics"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/otelhelper"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

// Config tunes the engine.
type Config struct {
	// PollInterval is the wait between task status polls.
	PollInterval time.Duration
	// DefaultStepTimeout bounds steps that set no timeout. Zero means unbounded.
	DefaultStepTimeout time.Duration
	// DefaultWorkflowTimeout bounds runs whose workflow sets no timeout. Zero means unbounded.
	DefaultWorkflowTimeout time.Duration
	// CompensationTimeout bounds each compensating task of a rollback.
	CompensationTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval:        25 * time.Millisecond,
		CompensationTimeout: 30 * time.Second,
	}
}

type Option func(*Engine)

// WithPersistence stores workflow snapshots after every step transition and
// records every lifecycle event.
func WithPersistence(p persistence.Persistence) Option {
	return func(e *Engine) {
		e.persistence = p
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		e.tracer = tracer
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger.With("module", "workflow_engine")
	}
}

// WithCompensator replaces the default compensator, which runs each step's
// compensation task through the coordinator.
func WithCompensator(compensator Compensator) Option {
	return func(e *Engine) {
		e.compensator = compensator
	}
}

func WithConfig(config Config) Option {
	return func(e *Engine) {
		e.config = config
	}
}

func WithEvaluator(evaluator models.Conditional) Option {
	return func(e *Engine) {
		e.evaluator = evaluator
	}
}

// WithNotifier publishes lifecycle events on an existing notifier.
func WithNotifier(notifier *eventbus.Notifier) Option {
	return func(e *Engine) {
		e.notifier = notifier
	}
}

// Engine owns a set of workflows and executes them against a task coordinator.
type Engine struct {
	coordinator coordinator.Coordinator
	compensator Compensator
	persistence persistence.Persistence
	notifier    *eventbus.Notifier
	metrics     *metrics.Aggregator
	evaluator   models.Conditional
	tracer      trace.Tracer
	logger      *slog.Logger
	config      Config
	store       *store

	background sync.WaitGroup
}

func NewEngine(coord coordinator.Coordinator, opts ...Option) *Engine {
	e := &Engine{
		coordinator: coord,
		metrics:     metrics.NewAggregator(),
		evaluator:   models.ConditionEvaluator{},
		tracer:      otelhelper.NoopTracer(),
		logger:      log.WithModule("workflow_engine"),
		config:      DefaultConfig(),
		store:       newStore(),
	}

	for _, opt := range opts {
		opt(e)
	}

	if e.config.PollInterval <= 0 {
		e.config.PollInterval = DefaultConfig().PollInterval
	}

	if e.notifier == nil {
		e.notifier = eventbus.NewNotifier(e.logger)
	}

	if e.compensator == nil {
		e.compensator = &taskCompensator{engine: e}
	}

	e.notifier.Subscribe(e.metrics.Handle)

	if e.persistence != nil {
		e.notifier.Subscribe(e.persistence.SaveEvent)
	}

	return e
}

// CreateWorkflow validates a definition and admits it in draft. The engine
// assigns an id when the definition has none. Validation failures wrap a
// ValidationErrors.
func (e *Engine) CreateWorkflow(ctx context.Context, definition *models.Workflow) (*models.Workflow, error) {
	if definition == nil {
		return nil, newWorkflowError("CreateWorkflow", "", ValidationErrors{"workflow is required"})
	}

	workflow := definition.Clone()
	if workflow.ID == "" {
		workflow.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	workflow.Status = models.WorkflowStatusDraft
	workflow.CreatedAt = now
	workflow.UpdatedAt = now
	workflow.StartedAt = nil
	workflow.CompletedAt = nil
	workflow.Error = ""
	workflow.Results = nil
	workflow.Metrics = models.WorkflowMetrics{TotalSteps: len(workflow.Steps)}

	for _, step := range workflow.Steps {
		if step != nil {
			step.Reset()
		}
	}

	if problems := Validate(workflow); len(problems) > 0 {
		return nil, newWorkflowError("CreateWorkflow", workflow.ID, ValidationErrors(problems))
	}

	entry, err := e.store.create(workflow)
	if err != nil {
		return nil, newWorkflowError("CreateWorkflow", workflow.ID, err)
	}

	if err := e.persist(ctx, entry); err != nil {
		_, _ = e.store.remove(workflow.ID)

		return nil, newWorkflowError("CreateWorkflow", workflow.ID, err)
	}

	e.logger.InfoContext(ctx, "Workflow created",
		"workflow_id", workflow.ID, "workflow_type", workflow.Type, "steps", len(workflow.Steps))

	return workflow.Clone(), nil
}

// ExecuteWorkflow runs a draft workflow, or continues a paused one, and blocks
// until the run completes, fails or pauses. A failed run returns the terminal
// workflow together with a *RunError.
func (e *Engine) ExecuteWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	entry, err := e.store.get(id)
	if err != nil {
		return nil, newWorkflowError("ExecuteWorkflow", id, err)
	}

	r, err := e.startRun(ctx, entry, "ExecuteWorkflow")
	if err != nil {
		return nil, err
	}

	if r.resumed {
		e.publish(ctx, &events.WorkflowResumed{
			BaseEvent: events.NewBaseEvent(events.WorkflowResumedEvent, id, r.exec.ID),
		})
	}

	return e.drive(r)
}

// StartWorkflow starts or continues a run like ExecuteWorkflow but returns as
// soon as the run is active. Wait observes its outcome.
func (e *Engine) StartWorkflow(ctx context.Context, id string) error {
	entry, err := e.store.get(id)
	if err != nil {
		return newWorkflowError("StartWorkflow", id, err)
	}

	r, err := e.startRun(context.WithoutCancel(ctx), entry, "StartWorkflow")
	if err != nil {
		return err
	}

	if r.resumed {
		e.publish(ctx, &events.WorkflowResumed{
			BaseEvent: events.NewBaseEvent(events.WorkflowResumedEvent, id, r.exec.ID),
		})
	}

	e.background.Add(1)

	go func() {
		defer e.background.Done()

		if _, err := e.drive(r); err != nil {
			e.logger.WarnContext(r.ctx, "Workflow run failed", "workflow_id", id, "error", err)
		}
	}()

	return nil
}

// PauseWorkflow asks an active run to stop before its next step. The status
// becomes paused immediately; steps already in flight finish first.
func (e *Engine) PauseWorkflow(ctx context.Context, id string) error {
	entry, err := e.store.get(id)
	if err != nil {
		return newWorkflowError("PauseWorkflow", id, err)
	}

	entry.mu.Lock()

	if entry.workflow.Status != models.WorkflowStatusActive {
		status := entry.workflow.Status
		entry.mu.Unlock()

		return newWorkflowError("PauseWorkflow", id, fmt.Errorf("%w: cannot pause a %s workflow", ErrInvalidTransition, status))
	}

	entry.workflow.Status = models.WorkflowStatusPaused
	entry.workflow.UpdatedAt = time.Now().UTC()
	entry.mu.Unlock()

	e.logger.InfoContext(ctx, "Workflow pause requested", "workflow_id", id)

	return nil
}

// ResumeWorkflow returns a paused workflow to active. When the run already
// stopped at its pause point it continues in the background; Wait observes it.
func (e *Engine) ResumeWorkflow(ctx context.Context, id string) error {
	entry, err := e.store.get(id)
	if err != nil {
		return newWorkflowError("ResumeWorkflow", id, err)
	}

	entry.mu.Lock()

	if entry.workflow.Status != models.WorkflowStatusPaused {
		status := entry.workflow.Status
		entry.mu.Unlock()

		return newWorkflowError("ResumeWorkflow", id, fmt.Errorf("%w: cannot resume a %s workflow", ErrInvalidTransition, status))
	}

	if entry.done != nil {
		entry.workflow.Status = models.WorkflowStatusActive
		entry.workflow.UpdatedAt = time.Now().UTC()
		executionID := entry.exec.ID
		entry.mu.Unlock()

		e.publish(ctx, &events.WorkflowResumed{
			BaseEvent: events.NewBaseEvent(events.WorkflowResumedEvent, id, executionID),
		})

		return nil
	}

	entry.mu.Unlock()

	r, err := e.startRun(context.WithoutCancel(ctx), entry, "ResumeWorkflow")
	if err != nil {
		return err
	}

	e.publish(ctx, &events.WorkflowResumed{
		BaseEvent: events.NewBaseEvent(events.WorkflowResumedEvent, id, r.exec.ID),
	})

	e.background.Add(1)

	go func() {
		defer e.background.Done()

		if _, err := e.drive(r); err != nil {
			e.logger.WarnContext(r.ctx, "Resumed workflow run failed", "workflow_id", id, "error", err)
		}
	}()

	return nil
}

// CancelWorkflow fails a workflow immediately. An in-flight run is
// interrupted and its execution context discarded without rollback.
// Cancelling a failed workflow is a no-op.
func (e *Engine) CancelWorkflow(ctx context.Context, id string) error {
	entry, err := e.store.get(id)
	if err != nil {
		return newWorkflowError("CancelWorkflow", id, err)
	}

	entry.mu.Lock()
	workflow := entry.workflow

	switch workflow.Status {
	case models.WorkflowStatusFailed:
		entry.mu.Unlock()

		return nil
	case models.WorkflowStatusCompleted:
		entry.mu.Unlock()

		return newWorkflowError("CancelWorkflow", id, fmt.Errorf("%w: workflow already completed", ErrInvalidTransition))
	}

	now := time.Now().UTC()
	entry.cancelled = true
	workflow.Status = models.WorkflowStatusFailed
	workflow.Error = ErrWorkflowCancelled.Error()
	workflow.CompletedAt = &now
	workflow.UpdatedAt = now

	// A failed step without CompletedAt is waiting for its next retry.
	for _, step := range workflow.Steps {
		awaitingRetry := step.Status == models.StepStatusFailed && step.CompletedAt == nil
		if step.Status == models.StepStatusInProgress || awaitingRetry {
			step.Status = models.StepStatusFailed
			step.Error = ErrWorkflowCancelled.Error()
			step.CompletedAt = &now
			workflow.Metrics.FailedSteps++
		}
	}

	var executionID string
	if entry.exec != nil {
		executionID = entry.exec.ID
		workflow.Results = entry.exec.Results()
		entry.exec = nil
	}

	var duration time.Duration
	if workflow.StartedAt != nil {
		duration = now.Sub(*workflow.StartedAt)
	}

	cancel := entry.cancel
	entry.mu.Unlock()

	if cancel != nil {
		cancel(ErrWorkflowCancelled)
	}

	e.logger.InfoContext(ctx, "Workflow cancelled", "workflow_id", id, "execution_id", executionID)

	e.publish(ctx, &events.WorkflowCancelled{
		BaseEvent: events.NewBaseEvent(events.WorkflowCancelledEvent, id, executionID),
		Duration:  duration,
		Reason:    "cancelled by request",
	})

	if err := e.persist(ctx, entry); err != nil {
		e.logger.ErrorContext(ctx, "Failed to persist cancelled workflow", "workflow_id", id, "error", err)
	}

	return nil
}

// GetWorkflow returns a snapshot of the workflow including per-step status.
func (e *Engine) GetWorkflow(_ context.Context, id string) (*models.Workflow, error) {
	entry, err := e.store.get(id)
	if err != nil {
		return nil, newWorkflowError("GetWorkflow", id, err)
	}

	return entry.snapshot(), nil
}

// ListWorkflows returns snapshots of every workflow ordered by creation time.
func (e *Engine) ListWorkflows(_ context.Context) []*models.Workflow {
	return e.store.list()
}

// RemoveWorkflow cancels any run of the workflow and forgets it, deleting its
// persisted snapshot and events.
func (e *Engine) RemoveWorkflow(ctx context.Context, id string) error {
	entry, err := e.store.get(id)
	if err != nil {
		return newWorkflowError("RemoveWorkflow", id, err)
	}

	if err := e.CancelWorkflow(ctx, id); err != nil && !errors.Is(err, ErrInvalidTransition) {
		return err
	}

	entry.saveMu.Lock()
	defer entry.saveMu.Unlock()

	entry.mu.Lock()
	entry.removed = true
	entry.mu.Unlock()

	if _, err := e.store.remove(id); err != nil {
		return newWorkflowError("RemoveWorkflow", id, err)
	}

	if e.persistence != nil {
		if err := e.persistence.DeleteWorkflow(ctx, id); err != nil {
			return newWorkflowError("RemoveWorkflow", id, err)
		}
	}

	return nil
}

// PlanWorkflow computes how the workflow would execute.
func (e *Engine) PlanWorkflow(_ context.Context, id string) (*Plan, error) {
	entry, err := e.store.get(id)
	if err != nil {
		return nil, newWorkflowError("PlanWorkflow", id, err)
	}

	plan, err := BuildPlan(entry.snapshot())
	if err != nil {
		return nil, newWorkflowError("PlanWorkflow", id, err)
	}

	return plan, nil
}

// GetMetrics returns a copy of the aggregated run and step metrics.
func (e *Engine) GetMetrics() metrics.Snapshot {
	return e.metrics.Snapshot()
}

// Subscribe registers handler for every lifecycle event. A handler returning
// an error receives the event again. The returned function unsubscribes.
func (e *Engine) Subscribe(handler eventbus.EventHandler) func() {
	return e.notifier.Subscribe(handler)
}

// Wait blocks until the workflow has no run in flight and returns its snapshot.
func (e *Engine) Wait(ctx context.Context, id string) (*models.Workflow, error) {
	entry, err := e.store.get(id)
	if err != nil {
		return nil, newWorkflowError("Wait", id, err)
	}

	for {
		entry.mu.Lock()
		done := entry.done
		entry.mu.Unlock()

		if done == nil {
			return entry.snapshot(), nil
		}

		select {
		case <-ctx.Done():
			return nil, newWorkflowError("Wait", id, ctx.Err())
		case <-done:
		}
	}
}

// Close waits for runs continued in the background by StartWorkflow and
// ResumeWorkflow.
func (e *Engine) Close(ctx context.Context) error {
	finished := make(chan struct{})

	go func() {
		e.background.Wait()
		close(finished)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-finished:
		return nil
	}
}

// Restore loads persisted workflows the engine does not know yet. Runs that
// were active when their process stopped cannot be continued and are marked
// failed; paused runs get their execution context rebuilt from the completed
// steps and may be resumed.
func (e *Engine) Restore(ctx context.Context) (int, error) {
	if e.persistence == nil {
		return 0, nil
	}

	workflows, err := e.persistence.Workflows(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load workflows: %w", err)
	}

	restored := 0

	for _, workflow := range workflows {
		if workflow.Status == models.WorkflowStatusActive {
			now := time.Now().UTC()
			workflow.Status = models.WorkflowStatusFailed
			workflow.Error = "run interrupted by engine restart"
			workflow.CompletedAt = &now
			workflow.UpdatedAt = now
		}

		entry, err := e.store.create(workflow)
		if err != nil {
			continue
		}

		if workflow.Status == models.WorkflowStatusPaused {
			entry.exec = rebuildExecutionContext(workflow)
		}

		if workflow.Status == models.WorkflowStatusFailed {
			if err := e.persist(ctx, entry); err != nil {
				e.logger.ErrorContext(ctx, "Failed to persist restored workflow", "workflow_id", workflow.ID, "error", err)
			}
		}

		restored++
	}

	e.logger.InfoContext(ctx, "Workflows restored", "count", restored)

	return restored, nil
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if err := e.notifier.Publish(context.WithoutCancel(ctx), event.GetBase().WorkflowID, event); err != nil {
		e.logger.WarnContext(ctx, "Lifecycle event not accepted by every subscriber",
			"event_type", event.GetType(), "workflow_id", event.GetBase().WorkflowID, "error", err)
	}
}

func (e *Engine) persist(ctx context.Context, entry *entry) error {
	if e.persistence == nil {
		return nil
	}

	entry.saveMu.Lock()
	defer entry.saveMu.Unlock()

	entry.mu.Lock()
	removed := entry.removed
	snapshot := entry.workflow.Clone()
	entry.mu.Unlock()

	if removed {
		return nil
	}

	if err := e.persistence.SaveWorkflow(context.WithoutCancel(ctx), snapshot); err != nil {
		return fmt.Errorf("failed to persist workflow %s: %w", snapshot.ID, err)
	}

	return nil
}
