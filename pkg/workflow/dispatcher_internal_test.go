package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dukex/flowrun/pkg/coordinator"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDispatchRun(workflow *models.Workflow) *run {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewEngine(nil, WithLogger(logger))

	return &run{
		engine:     engine,
		exec:       models.NewExecutionContext("exec-1", workflow.ID),
		definition: workflow,
		logger:     logger,
	}
}

func TestDispatch_UnsupportedStepType(t *testing.T) {
	step := &models.WorkflowStep{ID: "a", Name: "A", Type: "webhook"}
	r := newDispatchRun(&models.Workflow{ID: "wf", Steps: []*models.WorkflowStep{step}})

	_, err := r.dispatch(context.Background(), step)
	require.ErrorIs(t, err, ErrUnsupportedStepType)
	assert.False(t, retryable(err))
}

func TestDispatch_ConditionOperatorNode(t *testing.T) {
	step := &models.WorkflowStep{ID: "check", Name: "Check", Type: models.StepTypeCondition, Configuration: map[string]any{
		"operator": "greaterThan",
		"left":     "$fetch.count",
		"right":    2,
	}}
	r := newDispatchRun(&models.Workflow{ID: "wf", Steps: []*models.WorkflowStep{step}})
	r.exec.SetResult("fetch", map[string]any{"count": 3})

	result, err := r.dispatch(context.Background(), step)
	require.NoError(t, err)
	assert.Equal(t, true, result)
}

func TestDispatch_ConditionWithoutExpression(t *testing.T) {
	step := &models.WorkflowStep{ID: "check", Name: "Check", Type: models.StepTypeCondition, Configuration: map[string]any{}}
	r := newDispatchRun(&models.Workflow{ID: "wf", Steps: []*models.WorkflowStep{step}})

	_, err := r.dispatch(context.Background(), step)
	assert.ErrorIs(t, err, models.ErrInvalidCondition)
}

func TestRetryable(t *testing.T) {
	assert.True(t, retryable(ErrStepFailed))
	assert.True(t, retryable(ErrStepTimeout))
	assert.True(t, retryable(errors.New("connection reset")))
	assert.False(t, retryable(fmt.Errorf("wrapped: %w", coordinator.ErrUnknownTaskType)))
	assert.False(t, retryable(models.ErrInvalidCondition))
}

func TestParseDuration(t *testing.T) {
	tests := []struct {
		value   any
		want    time.Duration
		wantErr bool
	}{
		{value: nil, want: 0},
		{value: "1m30s", want: 90 * time.Second},
		{value: 250, want: 250 * time.Millisecond},
		{value: int64(10), want: 10 * time.Millisecond},
		{value: 1.5, want: 1500 * time.Microsecond},
		{value: json.Number("20"), want: 20 * time.Millisecond},
		{value: "soon", wantErr: true},
		{value: "-1s", wantErr: true},
		{value: []string{"1s"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.value), func(t *testing.T) {
			got, err := parseDuration(tt.value)
			if tt.wantErr {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGuardedSteps(t *testing.T) {
	workflow := &models.Workflow{Steps: []*models.WorkflowStep{
		{ID: "first", Type: models.StepTypeCondition},
		{ID: "second", Type: models.StepTypeTask},
		{ID: "listed", Type: models.StepTypeCondition, Configuration: map[string]any{"guards": []any{"first", 3, "second"}}},
		{ID: "single", Type: models.StepTypeCondition, Configuration: map[string]any{"guards": "second"}},
		{ID: "last", Type: models.StepTypeCondition},
	}}

	assert.Equal(t, []string{"second"}, guardedSteps(workflow, "first"))
	assert.Equal(t, []string{"first", "second"}, guardedSteps(workflow, "listed"))
	assert.Equal(t, []string{"second"}, guardedSteps(workflow, "single"))
	assert.Nil(t, guardedSteps(workflow, "last"))
	assert.Nil(t, guardedSteps(workflow, "unknown"))
}

func TestRebuildExecutionContext(t *testing.T) {
	early := time.Now().Add(-time.Minute)
	late := time.Now()

	workflow := &models.Workflow{ID: "wf", Steps: []*models.WorkflowStep{
		{ID: "b", Status: models.StepStatusCompleted, Result: "B", CompletedAt: &late},
		{ID: "a", Status: models.StepStatusCompleted, Result: "A", CompletedAt: &early},
		{ID: "skip", Status: models.StepStatusSkipped, Result: false, CompletedAt: &late},
		{ID: "todo", Status: models.StepStatusPending},
	}}

	exec := rebuildExecutionContext(workflow)

	assert.Equal(t, map[string]any{"a": "A", "b": "B", "skip": false}, exec.Results())
	assert.Equal(t, 2, exec.RollbackDepth())

	entry, _ := exec.PopRollback()
	assert.Equal(t, "b", entry.StepID)

	entry, _ = exec.PopRollback()
	assert.Equal(t, "a", entry.StepID)
}
