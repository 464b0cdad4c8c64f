package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukex/flowrun/pkg/cmd"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/web"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestApp(t *testing.T) *fiber.App {
	t.Helper()

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stack, err := cmd.NewStack(ctx, logger, cmd.StackConfig{
		ServiceName: "flowrun-api-test",
		DatabaseURL: "file://" + t.TempDir(),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		_ = stack.Close(closeCtx)
	})

	checkers := map[string]web.HealthChecker{"persistence": stack.Persistence.HealthCheck}

	return NewAPI(logger, stack.Engine, stack.Registry, checkers).App()
}

func TestAPI_RootEndpoint(t *testing.T) {
	app := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/", nil))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "flowrun API", string(body))
}

func TestAPI_LivenessProbe(t *testing.T) {
	app := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/livez", nil))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_HealthReportsPersistence(t *testing.T) {
	app := setupTestApp(t)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status   string            `json:"status"`
		Checkers map[string]string `json:"checkers"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "ok", health.Checkers["persistence"])
}

func TestAPI_RunsNativeTasks(t *testing.T) {
	app := setupTestApp(t)

	definition := `
name: greet
type: sequential
steps:
  - id: shape
    name: Shape
    type: task
    task_type: noop
    configuration:
      result: {greeting: hello}
  - id: say
    name: Say
    type: task
    task_type: log
    configuration:
      message: "{{.steps.shape.greeting}} world"
`

	req := httptest.NewRequest(http.MethodPost, "/workflows", strings.NewReader(definition))
	req.Header.Set("Content-Type", "application/yaml")

	resp, err := app.Test(req)
	require.NoError(t, err)

	var created models.Workflow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodPost, "/workflows/"+created.ID+"/execute?wait=true", nil))
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var finished models.Workflow
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&finished))
	assert.Equal(t, models.WorkflowStatusCompleted, finished.Status)
}
