package log

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/dukex/flowrun/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskFactory(t *testing.T) {
	factory := NewTaskFactory()
	assert.Equal(t, "log", factory.ID())
	assert.NotEmpty(t, factory.Schema())

	task, err := factory.Create(context.Background(), map[string]any{})
	require.NoError(t, err)
	assert.IsType(t, &Task{}, task)
	assert.Equal(t, "info", task.(*Task).Level)
}

func TestTask_Execute(t *testing.T) {
	tests := []struct {
		name     string
		config   map[string]any
		contains string
	}{
		{name: "info", config: map[string]any{"message": "hello"}, contains: "level=INFO msg=hello"},
		{name: "warn", config: map[string]any{"message": "careful", "level": "WARN"}, contains: "level=WARN msg=careful"},
		{name: "error", config: map[string]any{"message": "bad", "level": "error"}, contains: "level=ERROR msg=bad"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

			out, err := NewTask(tt.config).Execute(context.Background(),
				protocol.TaskInput{WorkflowID: "wf-1", StepID: "s1"}, logger)
			require.NoError(t, err)

			assert.Contains(t, buf.String(), tt.contains)
			assert.Contains(t, buf.String(), "step_id=s1")
			assert.Equal(t, tt.config["message"], out.(map[string]any)["message"])
		})
	}
}
