// Package noop provides a task that optionally waits, then returns a fixed
// result or a fixed error. It is useful for dry runs and compensations that
// need no side effect.
package noop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukex/flowrun/pkg/protocol"
)

var ErrForcedFailure = errors.New("noop task forced failure")

type TaskFactory struct{}

func NewTaskFactory() *TaskFactory {
	return &TaskFactory{}
}

func (*TaskFactory) ID() string {
	return "noop"
}

func (*TaskFactory) Name() string {
	return "No-op"
}

func (*TaskFactory) Description() string {
	return "Returns the configured result after an optional delay, or fails with the configured error."
}

func (*TaskFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"result":   map[string]any{"description": "Value returned by the task."},
			"duration": map[string]any{"type": "string", "description": "Time to wait before finishing, e.g. 250ms."},
			"error":    map[string]any{"type": "string", "description": "When set the task fails with this message."},
		},
	}
}

func (f *TaskFactory) Create(_ context.Context, config map[string]any) (protocol.Task, error) {
	return NewTask(config)
}

type Task struct {
	Result   any
	Duration time.Duration
	Error    string
}

func NewTask(config map[string]any) (*Task, error) {
	task := &Task{Result: config["result"]}
	task.Error, _ = config["error"].(string)

	if raw, ok := config["duration"].(string); ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", raw, err)
		}

		task.Duration = d
	}

	return task, nil
}

func (t *Task) Execute(ctx context.Context, input protocol.TaskInput, logger *slog.Logger) (any, error) {
	logger.DebugContext(ctx, "Executing noop task", "step_id", input.StepID, "duration", t.Duration)

	if t.Duration > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(t.Duration):
		}
	}

	if t.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrForcedFailure, t.Error)
	}

	return t.Result, nil
}
