package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukex/flowrun/pkg/coordinator/local"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/registry"
	"github.com/dukex/flowrun/pkg/tasks/noop"
	"github.com/dukex/flowrun/pkg/web"
	"github.com/dukex/flowrun/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sequentialYAML = `
id: checkout
name: Checkout
type: sequential
steps:
  - id: reserve
    name: Reserve
    type: task
    task_type: noop
    configuration:
      result: reserved
  - id: charge
    name: Charge
    type: task
    task_type: noop
    configuration:
      result: charged
`

func setupTestApp(t *testing.T, checkers map[string]web.HealthChecker) (*fiber.App, *workflow.Engine) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg := registry.NewRegistry(logger)
	reg.RegisterTask(noop.NewTaskFactory())

	coord := local.New(reg, logger)
	engine := workflow.NewEngine(coord, workflow.WithLogger(logger), workflow.WithConfig(workflow.Config{
		PollInterval:        time.Millisecond,
		CompensationTimeout: time.Second,
	}))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = engine.Close(ctx)
		_ = coord.Close()
	})

	handlers := web.NewAPIHandlers(engine, reg, validator.New(validator.WithRequiredStructEnabled()), checkers)

	app := fiber.New()
	handlers.Register(app)

	return app, engine
}

func do(t *testing.T, app *fiber.App, method, target, body string) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/yaml")
	}

	resp, err := app.Test(req)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, data
}

func decodeWorkflow(t *testing.T, body []byte) models.Workflow {
	t.Helper()

	var wf models.Workflow
	require.NoError(t, json.Unmarshal(body, &wf))

	return wf
}

func decodeMap(t *testing.T, body []byte) map[string]any {
	t.Helper()

	var m map[string]any
	require.NoError(t, json.Unmarshal(body, &m))

	return m
}

func TestAPIHandlers_CreateWorkflow(t *testing.T) {
	tests := []struct {
		name           string
		body           string
		expectedStatus int
		expectedType   string
		expectedError  string
	}{
		{
			name:           "yaml definition",
			body:           sequentialYAML,
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "json definition",
			body:           `{"name":"Json","type":"parallel","steps":[{"id":"a","name":"A","type":"task","task_type":"noop"}]}`,
			expectedStatus: http.StatusCreated,
		},
		{
			name:           "empty body",
			expectedStatus: http.StatusBadRequest,
			expectedType:   "validation_error",
		},
		{
			name:           "schema violation",
			body:           `{"name":"Bad","type":"fanout","steps":[{"id":"a","name":"A","type":"task"}]}`,
			expectedStatus: http.StatusBadRequest,
			expectedType:   "invalid_definition",
			expectedError:  "type",
		},
		{
			name: "dependency cycle",
			body: `{"name":"Cycle","type":"dag","steps":[
				{"id":"a","name":"A","type":"task","task_type":"noop","dependencies":["b"]},
				{"id":"b","name":"B","type":"task","task_type":"noop","dependencies":["a"]}]}`,
			expectedStatus: http.StatusBadRequest,
			expectedType:   "invalid_definition",
			expectedError:  "dependency cycle",
		},
		{
			name:           "unknown dependency",
			body:           `{"name":"Dangling","type":"sequential","steps":[{"id":"a","name":"A","type":"task","task_type":"noop","dependencies":["ghost"]}]}`,
			expectedStatus: http.StatusBadRequest,
			expectedType:   "invalid_definition",
			expectedError:  `unknown step "ghost"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _ := setupTestApp(t, nil)

			status, body := do(t, app, http.MethodPost, "/workflows", tt.body)
			assert.Equal(t, tt.expectedStatus, status)

			if tt.expectedStatus == http.StatusCreated {
				wf := decodeWorkflow(t, body)
				assert.NotEmpty(t, wf.ID)
				assert.Equal(t, models.WorkflowStatusDraft, wf.Status)

				return
			}

			problem := decodeMap(t, body)
			assert.Equal(t, tt.expectedType, problem["type"])
			assert.Equal(t, "/workflows", problem["instance"])

			if tt.expectedError != "" {
				errs, ok := problem["errors"].([]any)
				require.True(t, ok)
				require.NotEmpty(t, errs)

				joined := make([]string, 0, len(errs))
				for _, e := range errs {
					joined = append(joined, e.(string))
				}

				assert.Contains(t, strings.Join(joined, "; "), tt.expectedError)
			}
		})
	}
}

func TestAPIHandlers_CreateDuplicateID(t *testing.T) {
	app, _ := setupTestApp(t, nil)

	status, _ := do(t, app, http.MethodPost, "/workflows", sequentialYAML)
	require.Equal(t, http.StatusCreated, status)

	status, body := do(t, app, http.MethodPost, "/workflows", sequentialYAML)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", decodeMap(t, body)["type"])
}

func TestAPIHandlers_GetWorkflow(t *testing.T) {
	app, _ := setupTestApp(t, nil)

	status, body := do(t, app, http.MethodGet, "/workflows/missing", "")
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "workflow_not_found", decodeMap(t, body)["type"])

	status, _ = do(t, app, http.MethodPost, "/workflows", sequentialYAML)
	require.Equal(t, http.StatusCreated, status)

	status, body = do(t, app, http.MethodGet, "/workflows/checkout", "")
	require.Equal(t, http.StatusOK, status)

	wf := decodeWorkflow(t, body)
	assert.Equal(t, "Checkout", wf.Name)
	require.Len(t, wf.Steps, 2)
	assert.Equal(t, models.StepStatusPending, wf.Steps[0].Status)
}

func TestAPIHandlers_ExecuteAndWait(t *testing.T) {
	app, _ := setupTestApp(t, nil)

	status, _ := do(t, app, http.MethodPost, "/workflows", sequentialYAML)
	require.Equal(t, http.StatusCreated, status)

	status, body := do(t, app, http.MethodPost, "/workflows/checkout/execute?wait=true", "")
	require.Equal(t, http.StatusOK, status)

	wf := decodeWorkflow(t, body)
	assert.Equal(t, models.WorkflowStatusCompleted, wf.Status)
	assert.Equal(t, "reserved", wf.Results["reserve"])
	assert.Equal(t, "charged", wf.Results["charge"])

	status, body = do(t, app, http.MethodPost, "/workflows/checkout/execute?wait=true", "")
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "conflict", decodeMap(t, body)["type"])

	status, _ = do(t, app, http.MethodPost, "/workflows/checkout/execute?wait=soon", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAPIHandlers_ExecuteFailedRunReturnsWorkflow(t *testing.T) {
	app, _ := setupTestApp(t, nil)

	failing := `{"id":"fails","name":"Fails","type":"sequential","steps":[
		{"id":"ok","name":"Ok","type":"task","task_type":"noop","configuration":{"result":1}},
		{"id":"boom","name":"Boom","type":"task","task_type":"noop","configuration":{"error":"exploded"}}]}`

	status, _ := do(t, app, http.MethodPost, "/workflows", failing)
	require.Equal(t, http.StatusCreated, status)

	status, body := do(t, app, http.MethodPost, "/workflows/fails/execute?wait=true", "")
	require.Equal(t, http.StatusOK, status)

	wf := decodeWorkflow(t, body)
	assert.Equal(t, models.WorkflowStatusFailed, wf.Status)
	assert.Contains(t, wf.Steps[1].Error, "exploded")
}

func TestAPIHandlers_ExecuteInBackground(t *testing.T) {
	app, engine := setupTestApp(t, nil)

	status, _ := do(t, app, http.MethodPost, "/workflows", sequentialYAML)
	require.Equal(t, http.StatusCreated, status)

	status, body := do(t, app, http.MethodPost, "/workflows/checkout/execute", "")
	require.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "checkout", decodeWorkflow(t, body).ID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	wf, err := engine.Wait(ctx, "checkout")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, wf.Status)

	status, _ = do(t, app, http.MethodPost, "/workflows/missing/execute", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIHandlers_Lifecycle(t *testing.T) {
	app, _ := setupTestApp(t, nil)

	status, _ := do(t, app, http.MethodPost, "/workflows", sequentialYAML)
	require.Equal(t, http.StatusCreated, status)

	status, _ = do(t, app, http.MethodPost, "/workflows/checkout/pause", "")
	assert.Equal(t, http.StatusConflict, status)

	status, _ = do(t, app, http.MethodPost, "/workflows/checkout/resume", "")
	assert.Equal(t, http.StatusConflict, status)

	status, body := do(t, app, http.MethodPost, "/workflows/checkout/cancel", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.WorkflowStatusFailed, decodeWorkflow(t, body).Status)

	status, _ = do(t, app, http.MethodPost, "/workflows/checkout/cancel", "")
	assert.Equal(t, http.StatusOK, status)

	status, _ = do(t, app, http.MethodDelete, "/workflows/checkout", "")
	assert.Equal(t, http.StatusNoContent, status)

	status, _ = do(t, app, http.MethodDelete, "/workflows/checkout", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIHandlers_PauseAndResume(t *testing.T) {
	app, engine := setupTestApp(t, nil)

	slow := `{"id":"slow","name":"Slow","type":"sequential","steps":[
		{"id":"wait","name":"Wait","type":"task","task_type":"noop","configuration":{"duration":"100ms"}},
		{"id":"after","name":"After","type":"task","task_type":"noop","configuration":{"result":"done"}}]}`

	status, _ := do(t, app, http.MethodPost, "/workflows", slow)
	require.Equal(t, http.StatusCreated, status)

	status, _ = do(t, app, http.MethodPost, "/workflows/slow/execute", "")
	require.Equal(t, http.StatusAccepted, status)

	status, body := do(t, app, http.MethodPost, "/workflows/slow/pause", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.WorkflowStatusPaused, decodeWorkflow(t, body).Status)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	wf, err := engine.Wait(ctx, "slow")
	require.NoError(t, err)
	require.Equal(t, models.WorkflowStatusPaused, wf.Status)

	status, _ = do(t, app, http.MethodPost, "/workflows/slow/resume", "")
	require.Equal(t, http.StatusAccepted, status)

	wf, err = engine.Wait(ctx, "slow")
	require.NoError(t, err)
	assert.Equal(t, models.WorkflowStatusCompleted, wf.Status)
	assert.Equal(t, "done", wf.Results["after"])
}

func TestAPIHandlers_GetWorkflows(t *testing.T) {
	app, _ := setupTestApp(t, nil)

	for _, id := range []string{"w1", "w2", "w3"} {
		def := `{"id":"` + id + `","name":"List","type":"sequential","steps":[{"id":"a","name":"A","type":"task","task_type":"noop"}]}`
		status, _ := do(t, app, http.MethodPost, "/workflows", def)
		require.Equal(t, http.StatusCreated, status)
	}

	status, _ := do(t, app, http.MethodPost, "/workflows/w2/execute?wait=true", "")
	require.Equal(t, http.StatusOK, status)

	tests := []struct {
		name           string
		query          string
		expectedStatus int
		expectedIDs    []string
		expectedTotal  float64
		hasNextPage    bool
	}{
		{name: "all", query: "", expectedStatus: http.StatusOK, expectedIDs: []string{"w1", "w2", "w3"}, expectedTotal: 3},
		{name: "by status", query: "?status=completed", expectedStatus: http.StatusOK, expectedIDs: []string{"w2"}, expectedTotal: 1},
		{name: "paginated", query: "?limit=1&offset=1", expectedStatus: http.StatusOK, expectedIDs: []string{"w2"}, expectedTotal: 3, hasNextPage: true},
		{name: "offset past end", query: "?offset=10", expectedStatus: http.StatusOK, expectedIDs: []string{}, expectedTotal: 3},
		{name: "unknown status", query: "?status=running", expectedStatus: http.StatusBadRequest},
		{name: "unknown type", query: "?type=fanout", expectedStatus: http.StatusBadRequest},
		{name: "bad limit", query: "?limit=many", expectedStatus: http.StatusBadRequest},
		{name: "limit too large", query: "?limit=5000", expectedStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, app, http.MethodGet, "/workflows"+tt.query, "")
			require.Equal(t, tt.expectedStatus, status)

			if tt.expectedStatus != http.StatusOK {
				return
			}

			var resp struct {
				Workflows   []web.WorkflowSummary `json:"workflows"`
				TotalCount  float64               `json:"total_count"`
				HasNextPage bool                  `json:"has_next_page"`
			}
			require.NoError(t, json.Unmarshal(body, &resp))

			ids := make([]string, 0, len(resp.Workflows))
			for _, s := range resp.Workflows {
				ids = append(ids, s.ID)
			}

			assert.Equal(t, tt.expectedIDs, ids)
			assert.InDelta(t, tt.expectedTotal, resp.TotalCount, 0)
			assert.Equal(t, tt.hasNextPage, resp.HasNextPage)
		})
	}
}

func TestAPIHandlers_GetWorkflowPlan(t *testing.T) {
	app, _ := setupTestApp(t, nil)

	dag := `{"id":"diamond","name":"Diamond","type":"dag","steps":[
		{"id":"a","name":"A","type":"task","task_type":"noop","estimated_duration":"10ms"},
		{"id":"b","name":"B","type":"task","task_type":"noop","dependencies":["a"],"estimated_duration":"30ms"},
		{"id":"c","name":"C","type":"task","task_type":"noop","dependencies":["a"],"estimated_duration":"5ms"},
		{"id":"d","name":"D","type":"task","task_type":"noop","dependencies":["b","c"],"estimated_duration":"10ms"}]}`

	status, _ := do(t, app, http.MethodPost, "/workflows", dag)
	require.Equal(t, http.StatusCreated, status)

	status, body := do(t, app, http.MethodGet, "/workflows/diamond/plan", "")
	require.Equal(t, http.StatusOK, status)

	var plan workflow.Plan
	require.NoError(t, json.Unmarshal(body, &plan))
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, plan.Levels)
	assert.Equal(t, []string{"a", "b", "d"}, plan.CriticalPath)

	status, _ = do(t, app, http.MethodGet, "/workflows/missing/plan", "")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAPIHandlers_MetricsAndTaskTypes(t *testing.T) {
	app, _ := setupTestApp(t, nil)

	status, _ := do(t, app, http.MethodPost, "/workflows", sequentialYAML)
	require.Equal(t, http.StatusCreated, status)

	status, _ = do(t, app, http.MethodPost, "/workflows/checkout/execute?wait=true", "")
	require.Equal(t, http.StatusOK, status)

	status, body := do(t, app, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, status)

	snapshot := decodeMap(t, body)
	assert.Contains(t, snapshot, "workflows")
	assert.Contains(t, snapshot, "steps")

	status, body = do(t, app, http.MethodGet, "/task-types", "")
	require.Equal(t, http.StatusOK, status)

	var resp struct {
		TaskTypes []registry.TaskDescriptor `json:"task_types"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.TaskTypes, 1)
	assert.Equal(t, "noop", resp.TaskTypes[0].ID)
}

func TestAPIHandlers_HealthCheck(t *testing.T) {
	tests := []struct {
		name           string
		checkers       map[string]web.HealthChecker
		expectedStatus int
		expected       string
	}{
		{
			name:           "no checkers",
			expectedStatus: http.StatusOK,
			expected:       "healthy",
		},
		{
			name: "healthy persistence",
			checkers: map[string]web.HealthChecker{
				"persistence": func(context.Context) error { return nil },
			},
			expectedStatus: http.StatusOK,
			expected:       "healthy",
		},
		{
			name: "failing persistence",
			checkers: map[string]web.HealthChecker{
				"persistence": func(context.Context) error { return errors.New("connection refused") },
			},
			expectedStatus: http.StatusServiceUnavailable,
			expected:       "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app, _ := setupTestApp(t, tt.checkers)

			status, body := do(t, app, http.MethodGet, "/health", "")
			assert.Equal(t, tt.expectedStatus, status)

			resp := decodeMap(t, body)
			assert.Equal(t, tt.expected, resp["status"])
			assert.InDelta(t, 1.0, resp["task_types"], 0)

			if tt.expected == "unhealthy" {
				checks, ok := resp["checkers"].(map[string]any)
				require.True(t, ok)
				assert.Equal(t, "connection refused", checks["persistence"])
			}
		})
	}
}
