// Package coordinator defines the submit/poll contract between the workflow
// engine and whatever executes task work.
package coordinator

import (
	"context"
	"errors"
)

var (
	ErrTaskNotFound    = errors.New("task not found")
	ErrUnknownTaskType = errors.New("unknown task type")
)

type TaskHandle string

type TaskState string

const (
	TaskStatePending    TaskState = "pending"
	TaskStateInProgress TaskState = "in-progress"
	TaskStateCompleted  TaskState = "completed"
	TaskStateFailed     TaskState = "failed"
)

func (s TaskState) IsTerminal() bool {
	return s == TaskStateCompleted || s == TaskStateFailed
}

// Correlation ties a submitted task to the step that requested it.
type Correlation struct {
	WorkflowID string `json:"workflow_id"`
	StepID     string `json:"step_id"`
}

// TaskStatus is the observed state of a task. Result is set only when
// completed, Error only when failed.
type TaskStatus struct {
	State  TaskState `json:"state"`
	Result any       `json:"result,omitempty"`
	Error  string    `json:"error,omitempty"`
}

type Coordinator interface {
	SubmitTask(ctx context.Context, taskType string, configuration map[string]any, correlation Correlation) (TaskHandle, error)
	TaskStatus(ctx context.Context, handle TaskHandle) (TaskStatus, error)
}
