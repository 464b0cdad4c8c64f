package transform

import (
	"context"
	"log/slog"
	"testing"

	"github.com/dukex/flowrun/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTask_Execute(t *testing.T) {
	tests := []struct {
		name   string
		config map[string]any
		want   any
	}{
		{
			name:   "field access",
			config: map[string]any{"input": map[string]any{"name": "Ada"}, "expression": "{{ .input.name }}"},
			want:   "Ada",
		},
		{
			name: "object construction",
			config: map[string]any{
				"input":      map[string]any{"items": []any{1, 2, 3}},
				"expression": `{"count": {{ len .input.items }}}`,
			},
			want: map[string]any{"count": 3.0},
		},
		{
			name:   "already rendered",
			config: map[string]any{"expression": map[string]any{"id": "42"}},
			want:   map[string]any{"id": "42"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			task, err := NewTaskFactory().Create(context.Background(), tt.config)
			require.NoError(t, err)

			out, err := task.Execute(context.Background(), protocol.TaskInput{StepID: "t"}, slog.Default())
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestNewTask_RequiresExpression(t *testing.T) {
	_, err := NewTask(map[string]any{"input": 1})
	assert.ErrorIs(t, err, ErrMissingExpression)
}

func TestTask_InvalidTemplate(t *testing.T) {
	task, err := NewTask(map[string]any{"expression": "{{ .input.name "})
	require.NoError(t, err)

	_, err = task.Execute(context.Background(), protocol.TaskInput{}, slog.Default())
	assert.Error(t, err)
}
