package definition_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/flowrun/pkg/definition"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/workflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_YAML(t *testing.T) {
	wf, err := definition.Load(filepath.Join("testdata", "order.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "order-fulfilment", wf.ID)
	assert.Equal(t, models.WorkflowTypeSequential, wf.Type)
	assert.Equal(t, 1, wf.Configuration.MaxRetries)
	assert.Equal(t, 2*time.Minute, wf.Configuration.Timeout.Std())
	assert.Equal(t, "EUR", wf.Variables["currency"])
	require.Len(t, wf.Steps, 3)

	reserve := wf.Steps[0]
	require.NotNil(t, reserve.Compensation)
	assert.Equal(t, "http_request", reserve.Compensation.TaskType)
	assert.Equal(t, "DELETE", reserve.Compensation.Configuration["method"])

	charge := wf.Steps[1]
	assert.Equal(t, 10*time.Second, charge.Timeout.Std())
	require.NotNil(t, charge.RetryPolicy.MaxRetries)
	assert.Equal(t, 3, *charge.RetryPolicy.MaxRetries)
	assert.InDelta(t, 2.0, charge.RetryPolicy.BackoffMultiplier, 0)
	assert.Equal(t, 250*time.Millisecond, charge.RetryPolicy.InitialDelay.Std())

	assert.Nil(t, reserve.RetryPolicy.MaxRetries)

	ship := wf.Steps[2]
	require.NotNil(t, ship.RetryPolicy.MaxRetries)
	assert.Equal(t, 0, *ship.RetryPolicy.MaxRetries)

	assert.Nil(t, wf.Configuration.ParallelExecution)
	assert.True(t, wf.Configuration.Concurrent())

	assert.Empty(t, workflow.Validate(wf))
}

func TestLoad_JSON(t *testing.T) {
	wf, err := definition.Load(filepath.Join("testdata", "report.json"))
	require.NoError(t, err)

	assert.Empty(t, wf.ID)
	assert.Equal(t, models.WorkflowTypeDAG, wf.Type)
	require.NotNil(t, wf.Configuration.ParallelExecution)
	assert.True(t, *wf.Configuration.ParallelExecution)
	assert.Equal(t, 1500*time.Millisecond, wf.Steps[0].EstimatedDuration.Std())
	assert.Equal(t, []string{"left", "right"}, wf.Steps[3].Dependencies)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := definition.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, definition.ErrInvalidDefinition)
}

func TestLoadDir(t *testing.T) {
	workflows, err := definition.LoadDir("testdata")
	require.NoError(t, err)
	require.Len(t, workflows, 2)

	assert.Equal(t, "order-fulfilment", workflows[0].ID)
	assert.Equal(t, "Nightly report", workflows[1].Name)
}

func TestLoadDir_StopsAtFirstInvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yml"), []byte("name: broken\n"), 0o600))

	_, err := definition.LoadDir(dir)
	require.ErrorIs(t, err, definition.ErrInvalidDefinition)
	assert.Contains(t, err.Error(), "broken.yml")
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		document string
		contains string
	}{
		{
			name:     "malformed yaml",
			document: "name: [unterminated",
			contains: "yaml",
		},
		{
			name:     "missing steps",
			document: "name: empty\ntype: sequential\n",
			contains: "steps",
		},
		{
			name:     "unknown workflow type",
			document: "name: x\ntype: fanout\nsteps:\n  - {id: a, name: A, type: task}\n",
			contains: "type",
		},
		{
			name:     "unknown step type",
			document: "name: x\ntype: sequential\nsteps:\n  - {id: a, name: A, type: loop}\n",
			contains: "steps.0.type",
		},
		{
			name:     "unknown field",
			document: "name: x\ntype: sequential\nretries: 3\nsteps:\n  - {id: a, name: A, type: task}\n",
			contains: "retries",
		},
		{
			name:     "negative retries",
			document: "name: x\ntype: sequential\nsteps:\n  - {id: a, name: A, type: task, retry_policy: {max_retries: -1}}\n",
			contains: "max_retries",
		},
		{
			name:     "bad duration",
			document: "name: x\ntype: sequential\nsteps:\n  - {id: a, name: A, type: task, timeout: soon}\n",
			contains: "timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := definition.Parse([]byte(tt.document))
			require.ErrorIs(t, err, definition.ErrInvalidDefinition)

			var defErr *definition.Error
			require.ErrorAs(t, err, &defErr)
			assert.NotEmpty(t, defErr.Problems)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

func TestParse_NonStringKeys(t *testing.T) {
	doc := "name: x\ntype: sequential\nsteps:\n  - id: a\n    name: A\n    type: task\n    task_type: noop\n    configuration:\n      1: one\n"

	wf, err := definition.Parse([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, "one", wf.Steps[0].Configuration["1"])
}
