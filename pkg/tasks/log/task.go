// Package log provides a task that writes a message to the worker log.
package log

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukex/flowrun/pkg/protocol"
)

type TaskFactory struct{}

func NewTaskFactory() *TaskFactory {
	return &TaskFactory{}
}

func (*TaskFactory) ID() string {
	return "log"
}

func (*TaskFactory) Name() string {
	return "Log"
}

func (*TaskFactory) Description() string {
	return "Writes a message to the worker log and returns it."
}

func (*TaskFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "Message to log. Supports templating with step results.",
			},
			"level": map[string]any{
				"type":    "string",
				"enum":    []string{"debug", "info", "warn", "error"},
				"default": "info",
			},
		},
	}
}

func (f *TaskFactory) Create(_ context.Context, config map[string]any) (protocol.Task, error) {
	return NewTask(config), nil
}

type Task struct {
	Message string
	Level   string
}

func NewTask(config map[string]any) *Task {
	message, _ := config["message"].(string)

	level, _ := config["level"].(string)
	if level == "" {
		level = "info"
	}

	return &Task{Message: message, Level: strings.ToLower(level)}
}

func (t *Task) Execute(ctx context.Context, input protocol.TaskInput, logger *slog.Logger) (any, error) {
	logger = logger.With("task_type", "log", "workflow_id", input.WorkflowID, "step_id", input.StepID)

	var level slog.Level

	switch t.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logger.Log(ctx, level, t.Message)

	return map[string]any{
		"message": t.Message,
		"level":   t.Level,
	}, nil
}
