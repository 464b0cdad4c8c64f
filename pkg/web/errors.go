package web

import (
	"errors"

	"github.com/dukex/flowrun/pkg/definition"
	"github.com/dukex/flowrun/pkg/workflow"
	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func invalidDefinition(c fiber.Ctx, detail string, list []string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("invalid_definition").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(newValidationProblem(problem, list))
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleEngineError maps definition and engine errors to problem documents.
func handleEngineError(c fiber.Ctx, err error) error {
	var defErr *definition.Error
	if errors.As(err, &defErr) {
		return invalidDefinition(c, "workflow definition does not match the schema", defErr.Problems)
	}

	switch {
	case workflow.IsValidationError(err):
		var list workflow.ValidationErrors
		if !errors.As(err, &list) {
			list = workflow.ValidationErrors{err.Error()}
		}

		return invalidDefinition(c, "workflow definition is invalid", list)

	case workflow.IsNotFound(err):
		problem := problems.NewStatusProblem(404).
			WithInstance(c.Path()).
			WithType("workflow_not_found").
			WithDetail("workflow not found")

		return c.Status(fiber.StatusNotFound).JSON(problem)

	case workflow.IsConflict(err):
		problem := problems.NewStatusProblem(409).
			WithInstance(c.Path()).
			WithType("conflict").
			WithDetail(err.Error())

		return c.Status(fiber.StatusConflict).JSON(problem)

	case errors.Is(err, workflow.ErrUnsupportedWorkflowType):
		return badRequest(c, err.Error())

	default:
		return internalError(c, err)
	}
}
