// Package transform provides a task that reshapes data with a text/template
// expression.
package transform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukex/flowrun/pkg/protocol"
	"github.com/dukex/flowrun/pkg/template"
)

var ErrMissingExpression = errors.New("transform requires an expression")

type TaskFactory struct{}

func NewTaskFactory() *TaskFactory {
	return &TaskFactory{}
}

func (*TaskFactory) ID() string {
	return "transform"
}

func (*TaskFactory) Name() string {
	return "Transform"
}

func (*TaskFactory) Description() string {
	return "Builds a new value from the input data using a template expression."
}

func (*TaskFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"input": map[string]any{
				"description": "Data exposed to the expression as .input.",
			},
			"expression": map[string]any{
				"description": "Template evaluated against the input. Output that looks like JSON, a number or a boolean is decoded.",
				"examples": []string{
					"{{ .input.name }}",
					`{"id": "{{ .input.user.id }}", "total": {{ len .input.items }}}`,
				},
			},
		},
		"required": []string{"expression"},
	}
}

func (f *TaskFactory) Create(_ context.Context, config map[string]any) (protocol.Task, error) {
	return NewTask(config)
}

type Task struct {
	Input      any
	Expression any
}

func NewTask(config map[string]any) (*Task, error) {
	expression, ok := config["expression"]
	if !ok || expression == nil {
		return nil, ErrMissingExpression
	}

	return &Task{Input: config["input"], Expression: expression}, nil
}

// Execute evaluates the expression. Expressions already rendered into a
// structured value are returned unchanged.
func (t *Task) Execute(ctx context.Context, input protocol.TaskInput, logger *slog.Logger) (any, error) {
	logger = logger.With("task_type", "transform", "step_id", input.StepID)
	logger.DebugContext(ctx, "Executing transform task")

	expression, ok := t.Expression.(string)
	if !ok {
		return t.Expression, nil
	}

	result, err := template.Render(expression, map[string]any{"input": t.Input})
	if err != nil {
		return nil, fmt.Errorf("transformation failed: %w", err)
	}

	return result, nil
}
