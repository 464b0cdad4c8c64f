package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validWorkflow() *Workflow {
	return &Workflow{
		ID:   "wf-1",
		Name: "orders",
		Type: WorkflowTypeSequential,
		Steps: []*WorkflowStep{
			{ID: "a", Name: "A", Type: StepTypeTask, TaskType: "noop", Configuration: map[string]any{"k": "v"}},
			{ID: "b", Name: "B", Type: StepTypeTask, TaskType: "noop", Dependencies: []string{"a"},
				Compensation: &Compensation{TaskType: "noop", Configuration: map[string]any{"undo": true}}},
		},
		Status:    WorkflowStatusDraft,
		Variables: map[string]any{"region": "eu"},
	}
}

func TestWorkflow_Validation(t *testing.T) {
	validate := validator.New()

	wf := validWorkflow()
	assert.NoError(t, validate.Struct(wf))

	wf.Type = "round-robin"
	err := validate.Struct(wf)
	require.Error(t, err)

	var validationErrors validator.ValidationErrors
	require.ErrorAs(t, err, &validationErrors)
	assert.Equal(t, "Type", validationErrors[0].Field())
	assert.Equal(t, "oneof", validationErrors[0].Tag())
}

func TestWorkflowStep_Validation(t *testing.T) {
	validate := validator.New()

	step := &WorkflowStep{ID: "s", Name: "S", Type: StepTypeDelay}
	assert.NoError(t, validate.Struct(step))

	step.Type = "teleport"
	assert.Error(t, validate.Struct(step))

	step.Type = StepTypeDelay
	step.Name = ""
	assert.Error(t, validate.Struct(step))
}

func TestWorkflowStatus_Transitions(t *testing.T) {
	assert.True(t, WorkflowStatusDraft.CanExecute())
	assert.True(t, WorkflowStatusPaused.CanExecute())
	assert.False(t, WorkflowStatusActive.CanExecute())
	assert.False(t, WorkflowStatusCompleted.CanExecute())

	assert.True(t, WorkflowStatusCompleted.IsTerminal())
	assert.True(t, WorkflowStatusFailed.IsTerminal())
	assert.False(t, WorkflowStatusPaused.IsTerminal())
}

func TestWorkflow_CloneIsIndependent(t *testing.T) {
	wf := validWorkflow()
	now := time.Now()
	wf.StartedAt = &now
	wf.Configuration.ParallelExecution = Ptr(false)
	wf.Steps[0].RetryPolicy.MaxRetries = Ptr(0)

	clone := wf.Clone()
	require.Equal(t, wf, clone)

	clone.Steps[0].Status = StepStatusCompleted
	clone.Steps[0].Configuration["k"] = "changed"
	clone.Steps[1].Dependencies[0] = "z"
	clone.Steps[1].Compensation.Configuration["undo"] = false
	clone.Variables["region"] = "us"
	*clone.StartedAt = now.Add(time.Hour)
	*clone.Configuration.ParallelExecution = true
	*clone.Steps[0].RetryPolicy.MaxRetries = 4

	assert.Equal(t, StepStatus(""), wf.Steps[0].Status)
	assert.Equal(t, "v", wf.Steps[0].Configuration["k"])
	assert.Equal(t, "a", wf.Steps[1].Dependencies[0])
	assert.Equal(t, true, wf.Steps[1].Compensation.Configuration["undo"])
	assert.Equal(t, "eu", wf.Variables["region"])
	assert.Equal(t, now, *wf.StartedAt)
	assert.False(t, *wf.Configuration.ParallelExecution)
	assert.Equal(t, 0, *wf.Steps[0].RetryPolicy.MaxRetries)
}

func TestWorkflowConfiguration_Concurrent(t *testing.T) {
	assert.True(t, WorkflowConfiguration{}.Concurrent())
	assert.True(t, WorkflowConfiguration{ParallelExecution: Ptr(true)}.Concurrent())
	assert.False(t, WorkflowConfiguration{ParallelExecution: Ptr(false)}.Concurrent())
}

func TestWorkflow_StepByID(t *testing.T) {
	wf := validWorkflow()

	step, ok := wf.StepByID("b")
	require.True(t, ok)
	assert.Equal(t, "B", step.Name)

	_, ok = wf.StepByID("missing")
	assert.False(t, ok)
}

func TestWorkflowStep_Reset(t *testing.T) {
	now := time.Now()
	step := &WorkflowStep{
		ID: "s", Status: StepStatusFailed, Error: "boom", Attempts: 3,
		StartedAt: &now, CompletedAt: &now, Result: 1,
	}

	step.Reset()

	assert.Equal(t, StepStatusPending, step.Status)
	assert.Empty(t, step.Error)
	assert.Nil(t, step.Result)
	assert.Zero(t, step.Attempts)
	assert.Nil(t, step.StartedAt)
	assert.Nil(t, step.CompletedAt)
}

func TestDuration_JSON(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "string", input: `"1.5s"`, want: 1500 * time.Millisecond},
		{name: "milliseconds", input: `250`, want: 250 * time.Millisecond},
		{name: "null", input: `null`, want: 0},
		{name: "empty string", input: `""`, want: 0},
		{name: "garbage", input: `"soon"`, wantErr: true},
		{name: "wrong type", input: `true`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Std())
		})
	}

	out, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, `"2s"`, string(out))
}

func TestExecutionContext_RollbackStackIsLIFO(t *testing.T) {
	ec := NewExecutionContext("exec-1", "wf-1")

	ec.PushRollback(RollbackEntry{StepID: "a"})
	ec.PushRollback(RollbackEntry{StepID: "b"})
	ec.PushRollback(RollbackEntry{StepID: "c"})
	assert.Equal(t, 3, ec.RollbackDepth())

	var popped []string
	for {
		entry, ok := ec.PopRollback()
		if !ok {
			break
		}

		popped = append(popped, entry.StepID)
	}

	assert.Equal(t, []string{"c", "b", "a"}, popped)
}

func TestExecutionContext_ResultsAndErrors(t *testing.T) {
	ec := NewExecutionContext("exec-1", "wf-1")

	ec.MarkError("a")
	assert.True(t, ec.HasError("a"))

	ec.SetResult("a", 42)
	assert.False(t, ec.HasError("a"), "a successful retry clears the error mark")

	v, ok := ec.Result("a")
	require.True(t, ok)
	assert.Equal(t, 42, v)

	snapshot := ec.Results()
	snapshot["a"] = 0
	v, _ = ec.Result("a")
	assert.Equal(t, 42, v)
}
