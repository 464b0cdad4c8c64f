// Package protocol defines the contract between task coordinators and the
// handlers that perform task work.
package protocol

import (
	"context"
	"log/slog"
)

// TaskInput carries the correlation of a submitted task.
type TaskInput struct {
	TaskID     string `json:"task_id"`
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
}

type Task interface {
	Execute(ctx context.Context, input TaskInput, logger *slog.Logger) (any, error)
}

type TaskFactory interface {
	Create(ctx context.Context, config map[string]any) (Task, error)
	ID() string
	Name() string
	Description() string
	Schema() map[string]any
}
