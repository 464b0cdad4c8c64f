package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/flowrun/pkg/coordinator"
	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/otelhelper"
	"github.com/dukex/flowrun/pkg/template"
	"go.opentelemetry.io/otel/attribute"
)

// runStep executes a step through its retry policy. The step is attempted at
// most maxRetries+1 times; the error returned is a *StepError.
func (r *run) runStep(ctx context.Context, step *models.WorkflowStep) error {
	budget := maxRetries(r.definition, step)
	logger := r.logger.With("step_id", step.ID, "step_type", step.Type)

	for attempt := 1; ; attempt++ {
		if !r.markStarted(step, attempt) {
			return &StepError{StepID: step.ID, Attempts: attempt - 1, Err: ErrWorkflowCancelled}
		}

		r.engine.publish(ctx, &events.StepStarted{
			BaseEvent: events.NewBaseEvent(events.StepStartedEvent, r.definition.ID, r.exec.ID),
			StepID:    step.ID,
			StepName:  step.Name,
			StepType:  string(step.Type),
			Attempt:   attempt,
		})

		started := time.Now()
		result, err := r.attempt(ctx, step, attempt)
		elapsed := time.Since(started)

		if err == nil {
			r.succeed(ctx, step, attempt, result, elapsed)

			return nil
		}

		final := attempt > budget || !retryable(err) || ctx.Err() != nil
		r.failStep(ctx, step, attempt, err, elapsed, final)

		if final {
			logger.WarnContext(ctx, "Step failed", "attempt", attempt, "error", err)

			return &StepError{StepID: step.ID, Attempts: attempt, Err: err}
		}

		delay := BackoffDelay(step.RetryPolicy, attempt)
		logger.InfoContext(ctx, "Retrying step", "attempt", attempt, "delay", delay, "error", err)

		r.engine.publish(ctx, &events.StepRetrying{
			BaseEvent:   events.NewBaseEvent(events.StepRetryingEvent, r.definition.ID, r.exec.ID),
			StepID:      step.ID,
			NextAttempt: attempt + 1,
			Delay:       delay,
		})

		if err := sleep(ctx, delay); err != nil {
			r.update(func(workflow *models.Workflow, now time.Time) {
				if live, ok := workflow.StepByID(step.ID); ok {
					live.Error = err.Error()
					live.CompletedAt = &now
					workflow.Metrics.FailedSteps++
				}
			})

			return &StepError{StepID: step.ID, Attempts: attempt, Err: err}
		}
	}
}

func retryable(err error) bool {
	return !errors.Is(err, ErrUnsupportedStepType) &&
		!errors.Is(err, models.ErrInvalidCondition) &&
		!errors.Is(err, coordinator.ErrUnknownTaskType)
}

// attempt runs a single attempt of step bounded by its timeout.
func (r *run) attempt(ctx context.Context, step *models.WorkflowStep, attempt int) (any, error) {
	ctx, span := otelhelper.StartSpan(ctx, r.engine.tracer, "workflow.step",
		attribute.String(otelhelper.WorkflowIDKey, r.definition.ID),
		attribute.String(otelhelper.ExecutionIDKey, r.exec.ID),
		attribute.String(otelhelper.StepIDKey, step.ID),
		attribute.String(otelhelper.StepNameKey, step.Name),
		attribute.String(otelhelper.StepTypeKey, string(step.Type)),
		attribute.String(otelhelper.TaskTypeKey, step.TaskType),
		attribute.Int(otelhelper.AttemptKey, attempt),
	)
	defer span.End()

	timeout := step.Timeout.Std()
	if timeout <= 0 {
		timeout = r.engine.config.DefaultStepTimeout
	}

	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeoutCause(ctx, timeout, ErrStepTimeout)
		defer cancel()
	}

	result, err := r.dispatch(ctx, step)
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrStepTimeout) && !errors.Is(err, ErrStepTimeout) {
			err = fmt.Errorf("%w after %s: %w", ErrStepTimeout, timeout, err)
		}

		otelhelper.SetError(span, err)

		return nil, err
	}

	otelhelper.SetOK(span)

	return result, nil
}

// dispatch executes step according to its type.
func (r *run) dispatch(ctx context.Context, step *models.WorkflowStep) (any, error) {
	switch step.Type {
	case models.StepTypeTask:
		return r.runTask(ctx, step)
	case models.StepTypeCondition:
		return r.evaluate(step)
	case models.StepTypeParallel:
		if step.TaskType != "" {
			return r.runTask(ctx, step)
		}

		return true, nil
	case models.StepTypeDelay:
		return r.delay(ctx, step)
	case models.StepTypeNotification:
		return r.notify(ctx, step)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedStepType, step.Type)
	}
}

func (r *run) render(step *models.WorkflowStep) (map[string]any, error) {
	config, err := template.RenderConfig(step.Configuration, template.Data{
		WorkflowID:  r.definition.ID,
		ExecutionID: r.exec.ID,
		StepResults: r.exec.Results(),
		Variables:   r.definition.Variables,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: render configuration: %w", ErrStepFailed, err)
	}

	return config, nil
}

func (r *run) runTask(ctx context.Context, step *models.WorkflowStep) (any, error) {
	config, err := r.render(step)
	if err != nil {
		return nil, err
	}

	return r.engine.runTask(ctx, step.TaskType, config, coordinator.Correlation{
		WorkflowID: r.definition.ID,
		StepID:     step.ID,
	})
}

// runTask submits a task and polls its status until it is terminal or ctx
// is done.
func (e *Engine) runTask(
	ctx context.Context,
	taskType string,
	config map[string]any,
	correlation coordinator.Correlation,
) (any, error) {
	handle, err := e.coordinator.SubmitTask(ctx, taskType, config, correlation)
	if err != nil {
		if errors.Is(err, coordinator.ErrUnknownTaskType) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: submit %s task: %w", ErrStepFailed, taskType, err)
	}

	ticker := time.NewTicker(e.config.PollInterval)
	defer ticker.Stop()

	for {
		status, err := e.coordinator.TaskStatus(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}

			return nil, fmt.Errorf("%w: status of task %s: %w", ErrStepFailed, handle, err)
		}

		switch status.State {
		case coordinator.TaskStateCompleted:
			return status.Result, nil
		case coordinator.TaskStateFailed:
			return nil, fmt.Errorf("%w: %s", ErrStepFailed, status.Error)
		}

		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case <-ticker.C:
		}
	}
}

// evaluate runs the condition held in configuration.condition, or the
// configuration itself when it is an operator node.
func (r *run) evaluate(step *models.WorkflowStep) (any, error) {
	expr, ok := step.Configuration["condition"]
	if !ok {
		if _, isNode := step.Configuration["operator"]; !isNode {
			return nil, fmt.Errorf("%w: step %s has no condition", models.ErrInvalidCondition, step.ID)
		}

		expr = step.Configuration
	}

	matched, err := r.engine.evaluator.Evaluate(expr, r.exec.Results())
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", step.ID, err)
	}

	return matched, nil
}

func (r *run) delay(ctx context.Context, step *models.WorkflowStep) (any, error) {
	config, err := r.render(step)
	if err != nil {
		return nil, err
	}

	duration, err := parseDuration(config["duration"])
	if err != nil {
		return nil, fmt.Errorf("%w: step %s: %w", ErrStepFailed, step.ID, err)
	}

	if err := sleep(ctx, duration); err != nil {
		return nil, err
	}

	return map[string]any{"delayed": duration.String()}, nil
}

// notify publishes a notification event. Delivery problems are logged and
// never fail the step.
func (r *run) notify(ctx context.Context, step *models.WorkflowStep) (any, error) {
	config, err := r.render(step)
	if err != nil {
		r.logger.WarnContext(ctx, "Notification configuration not rendered", "step_id", step.ID, "error", err)

		config = step.Configuration
	}

	message := fmt.Sprint(valueOr(config["message"], step.Name))
	channel, _ := config["channel"].(string)
	payload, _ := config["payload"].(map[string]any)

	r.engine.publish(ctx, &events.Notification{
		BaseEvent: events.NewBaseEvent(events.NotificationEvent, r.definition.ID, r.exec.ID),
		StepID:    step.ID,
		Channel:   channel,
		Message:   message,
		Payload:   payload,
	})

	return map[string]any{"notified": true, "message": message}, nil
}

func valueOr(value, fallback any) any {
	if value == nil {
		return fallback
	}

	return value
}

// parseDuration accepts a Go duration string or a number of milliseconds.
func parseDuration(value any) (time.Duration, error) {
	var d time.Duration

	switch v := value.(type) {
	case nil:
		return 0, nil
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", v, err)
		}

		d = parsed
	case int:
		d = time.Duration(v) * time.Millisecond
	case int64:
		d = time.Duration(v) * time.Millisecond
	case float64:
		d = time.Duration(v * float64(time.Millisecond))
	case json.Number:
		ms, err := v.Float64()
		if err != nil {
			return 0, fmt.Errorf("invalid duration %q: %w", v, err)
		}

		d = time.Duration(ms * float64(time.Millisecond))
	default:
		return 0, fmt.Errorf("invalid duration %v", value)
	}

	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", d)
	}

	return d, nil
}

func (r *run) markStarted(step *models.WorkflowStep, attempt int) bool {
	return r.update(func(workflow *models.Workflow, now time.Time) {
		live, ok := workflow.StepByID(step.ID)
		if !ok {
			return
		}

		live.Status = models.StepStatusInProgress
		live.Attempts = attempt

		if attempt == 1 || live.StartedAt == nil {
			live.StartedAt = &now
		}
	})
}

// succeed records a successful attempt. A falsy condition in a conditional
// workflow is recorded as skipped, together with the steps it guards.
func (r *run) succeed(ctx context.Context, step *models.WorkflowStep, attempt int, result any, elapsed time.Duration) {
	if matched, ok := result.(bool); ok && !matched &&
		step.Type == models.StepTypeCondition && r.definition.Type == models.WorkflowTypeConditional {
		r.skipBranch(ctx, step)

		return
	}

	r.update(func(workflow *models.Workflow, now time.Time) {
		live, ok := workflow.StepByID(step.ID)
		if !ok {
			return
		}

		live.Status = models.StepStatusCompleted
		live.Result = result
		live.Error = ""
		live.CompletedAt = &now

		metrics := &workflow.Metrics
		metrics.CompletedSteps++
		metrics.AverageStepTime += models.Duration((elapsed - metrics.AverageStepTime.Std()) / time.Duration(metrics.CompletedSteps))

		r.exec.SetResult(step.ID, result)
		r.exec.PushRollback(rollbackEntry(step, result))
	})

	r.logger.DebugContext(ctx, "Step completed", "step_id", step.ID, "attempt", attempt, "duration", elapsed)

	r.engine.publish(ctx, &events.StepCompleted{
		BaseEvent: events.NewBaseEvent(events.StepCompletedEvent, r.definition.ID, r.exec.ID),
		StepID:    step.ID,
		Attempt:   attempt,
		Duration:  elapsed,
		Result:    result,
	})
	r.save(ctx)
}

func (r *run) failStep(ctx context.Context, step *models.WorkflowStep, attempt int, err error, elapsed time.Duration, final bool) {
	r.update(func(workflow *models.Workflow, now time.Time) {
		live, ok := workflow.StepByID(step.ID)
		if !ok {
			return
		}

		live.Status = models.StepStatusFailed
		live.Result = nil
		live.Error = err.Error()

		if final {
			live.CompletedAt = &now
			workflow.Metrics.FailedSteps++
		}

		r.exec.MarkError(step.ID)
	})

	r.engine.publish(ctx, &events.StepFailed{
		BaseEvent: events.NewBaseEvent(events.StepFailedEvent, r.definition.ID, r.exec.ID),
		StepID:    step.ID,
		Attempt:   attempt,
		Duration:  elapsed,
		Error:     err.Error(),
		Final:     final,
	})

	if final {
		r.save(ctx)
	}
}

// skipBranch marks a falsy condition step and the steps it guards as
// skipped. Guarded condition steps pass the skip on to their own guards.
func (r *run) skipBranch(ctx context.Context, condition *models.WorkflowStep) {
	skipped := make([]string, 0)
	reasons := make(map[string]string)

	r.update(func(workflow *models.Workflow, now time.Time) {
		queue := []string{condition.ID}
		visited := map[string]bool{}

		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]

			if visited[id] {
				continue
			}

			visited[id] = true

			live, ok := workflow.StepByID(id)
			if !ok || (id != condition.ID && live.Status.IsDone()) {
				continue
			}

			live.Status = models.StepStatusSkipped
			live.Error = ""
			live.CompletedAt = &now

			if id == condition.ID {
				live.Result = false
				r.exec.SetResult(id, false)
				reasons[id] = "condition evaluated to false"
			} else {
				reasons[id] = "guarded by condition " + condition.ID
			}

			skipped = append(skipped, id)

			if live.Type == models.StepTypeCondition {
				queue = append(queue, guardedSteps(workflow, id)...)
			}
		}
	})

	for _, id := range skipped {
		r.logger.InfoContext(ctx, "Step skipped", "step_id", id, "reason", reasons[id])
		r.engine.publish(ctx, &events.StepSkipped{
			BaseEvent: events.NewBaseEvent(events.StepSkippedEvent, r.definition.ID, r.exec.ID),
			StepID:    id,
			Reason:    reasons[id],
		})
	}

	r.save(ctx)
}
