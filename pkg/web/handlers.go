// Package web provides the HTTP API of the workflow engine.
package web

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dukex/flowrun/pkg/definition"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/registry"
	"github.com/dukex/flowrun/pkg/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
)

const defaultListLimit = 100

// HealthChecker reports whether a dependency of the API is usable.
type HealthChecker func(ctx context.Context) error

type APIHandlers struct {
	engine    *workflow.Engine
	registry  *registry.Registry
	validator *validator.Validate
	checkers  map[string]HealthChecker
}

func NewAPIHandlers(
	engine *workflow.Engine,
	registry *registry.Registry,
	validator *validator.Validate,
	checkers map[string]HealthChecker,
) *APIHandlers {
	return &APIHandlers{
		engine:    engine,
		registry:  registry,
		validator: validator,
		checkers:  checkers,
	}
}

// Register mounts every endpoint on router.
func (h *APIHandlers) Register(router fiber.Router) {
	w := router.Group("/workflows")
	w.Get("/", h.GetWorkflows)
	w.Post("/", h.CreateWorkflow)
	w.Get("/:id", h.GetWorkflow)
	w.Delete("/:id", h.DeleteWorkflow)
	w.Get("/:id/plan", h.GetWorkflowPlan)
	w.Post("/:id/execute", h.ExecuteWorkflow)
	w.Post("/:id/pause", h.PauseWorkflow)
	w.Post("/:id/resume", h.ResumeWorkflow)
	w.Post("/:id/cancel", h.CancelWorkflow)

	router.Get("/metrics", h.GetMetrics)
	router.Get("/task-types", h.GetTaskTypes)
	router.Get("/health", h.HealthCheck)
}

func (h *APIHandlers) GetWorkflows(c fiber.Ctx) error {
	req, err := parseListWorkflowsRequest(c)
	if err != nil {
		return badRequest(c, "Invalid query parameters: "+err.Error())
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	matching := make([]WorkflowSummary, 0)

	for _, wf := range h.engine.ListWorkflows(c.Context()) {
		if req.Status != "" && string(wf.Status) != req.Status {
			continue
		}

		if req.Type != "" && string(wf.Type) != req.Type {
			continue
		}

		matching = append(matching, TransformWorkflowSummary(wf))
	}

	total := len(matching)
	start := min(req.Offset, total)
	end := min(start+req.Limit, total)

	return c.JSON(fiber.Map{
		"workflows":     matching[start:end],
		"total_count":   total,
		"has_next_page": end < total,
		"pagination": fiber.Map{
			"limit":  req.Limit,
			"offset": req.Offset,
		},
	})
}

func parseListWorkflowsRequest(c fiber.Ctx) (*ListWorkflowsRequest, error) {
	req := &ListWorkflowsRequest{
		Status: c.Query("status"),
		Type:   c.Query("type"),
		Limit:  defaultListLimit,
	}

	if limitStr := c.Query("limit"); limitStr != "" {
		limit, err := strconv.Atoi(limitStr)
		if err != nil {
			return nil, err
		}

		req.Limit = limit
	}

	if offsetStr := c.Query("offset"); offsetStr != "" {
		offset, err := strconv.Atoi(offsetStr)
		if err != nil {
			return nil, err
		}

		req.Offset = offset
	}

	return req, nil
}

// CreateWorkflow admits a YAML or JSON definition in draft.
func (h *APIHandlers) CreateWorkflow(c fiber.Ctx) error {
	body := c.Body()
	if len(body) == 0 {
		return badRequest(c, "Request body is required")
	}

	def, err := definition.Parse(body)
	if err != nil {
		return handleEngineError(c, err)
	}

	created, err := h.engine.CreateWorkflow(c.Context(), def)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(created)
}

func (h *APIHandlers) GetWorkflow(c fiber.Ctx) error {
	wf, err := h.engine.GetWorkflow(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(wf)
}

func (h *APIHandlers) DeleteWorkflow(c fiber.Ctx) error {
	if err := h.engine.RemoveWorkflow(c.Context(), c.Params("id")); err != nil {
		return handleEngineError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

func (h *APIHandlers) GetWorkflowPlan(c fiber.Ctx) error {
	plan, err := h.engine.PlanWorkflow(c.Context(), c.Params("id"))
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.JSON(plan)
}

// ExecuteWorkflow starts a run in the background and answers 202. With
// ?wait=true it blocks until the run stops and returns the final workflow,
// failed runs included.
func (h *APIHandlers) ExecuteWorkflow(c fiber.Ctx) error {
	id := c.Params("id")

	wait := false

	if waitStr := c.Query("wait"); waitStr != "" {
		parsed, err := strconv.ParseBool(waitStr)
		if err != nil {
			return badRequest(c, "Invalid query parameters: "+err.Error())
		}

		wait = parsed
	}

	if wait {
		wf, err := h.engine.ExecuteWorkflow(c.Context(), id)
		if wf == nil {
			return handleEngineError(c, err)
		}

		return c.JSON(wf)
	}

	// The run outlives the request.
	if err := h.engine.StartWorkflow(context.Background(), id); err != nil {
		return handleEngineError(c, err)
	}

	return h.respondWithWorkflow(c, fiber.StatusAccepted, id)
}

func (h *APIHandlers) PauseWorkflow(c fiber.Ctx) error {
	id := c.Params("id")

	if err := h.engine.PauseWorkflow(c.Context(), id); err != nil {
		return handleEngineError(c, err)
	}

	return h.respondWithWorkflow(c, fiber.StatusOK, id)
}

func (h *APIHandlers) ResumeWorkflow(c fiber.Ctx) error {
	id := c.Params("id")

	if err := h.engine.ResumeWorkflow(context.Background(), id); err != nil {
		return handleEngineError(c, err)
	}

	return h.respondWithWorkflow(c, fiber.StatusAccepted, id)
}

func (h *APIHandlers) CancelWorkflow(c fiber.Ctx) error {
	id := c.Params("id")

	if err := h.engine.CancelWorkflow(c.Context(), id); err != nil {
		return handleEngineError(c, err)
	}

	return h.respondWithWorkflow(c, fiber.StatusOK, id)
}

func (h *APIHandlers) respondWithWorkflow(c fiber.Ctx, status int, id string) error {
	wf, err := h.engine.GetWorkflow(c.Context(), id)
	if err != nil {
		return handleEngineError(c, err)
	}

	return c.Status(status).JSON(wf)
}

func (h *APIHandlers) GetMetrics(c fiber.Ctx) error {
	return c.JSON(h.engine.GetMetrics())
}

func (h *APIHandlers) GetTaskTypes(c fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"task_types": h.registry.TaskTypes(),
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	checks := fiber.Map{}
	healthy := true

	for name, check := range h.checkers {
		if err := check(c.Context()); err != nil {
			healthy = false
			checks[name] = err.Error()

			continue
		}

		checks[name] = "ok"
	}

	workflows := h.engine.ListWorkflows(c.Context())

	active := 0

	for _, wf := range workflows {
		if wf.Status == models.WorkflowStatusActive {
			active++
		}
	}

	status := "unhealthy"
	message := "flowrun API is unhealthy"
	httpStatus := http.StatusServiceUnavailable

	if healthy {
		status = "healthy"
		message = "flowrun API is healthy"
		httpStatus = http.StatusOK
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":           status,
		"message":          message,
		"checkers":         checks,
		"task_types":       len(h.registry.TaskTypes()),
		"workflows":        len(workflows),
		"active_workflows": active,
		"timestamp":        time.Now().UTC(),
	})
}
