package web

import (
	"time"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/moogar0880/problems"
)

// ListWorkflowsRequest holds the query parameters of the workflow listing.
type ListWorkflowsRequest struct {
	Status string `validate:"omitempty,oneof=draft active paused completed failed"`
	Type   string `validate:"omitempty,oneof=sequential parallel dag conditional"`
	Limit  int    `validate:"min=1,max=1000"`
	Offset int    `validate:"min=0"`
}

// WorkflowSummary is the listing view of a workflow.
type WorkflowSummary struct {
	ID             string                `json:"id"`
	Name           string                `json:"name"`
	Type           models.WorkflowType   `json:"type"`
	Status         models.WorkflowStatus `json:"status"`
	TotalSteps     int                   `json:"total_steps"`
	CompletedSteps int                   `json:"completed_steps"`
	Error          string                `json:"error,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	CompletedAt    *time.Time            `json:"completed_at,omitempty"`
}

func TransformWorkflowSummary(workflow *models.Workflow) WorkflowSummary {
	return WorkflowSummary{
		ID:             workflow.ID,
		Name:           workflow.Name,
		Type:           workflow.Type,
		Status:         workflow.Status,
		TotalSteps:     len(workflow.Steps),
		CompletedSteps: workflow.Metrics.CompletedSteps,
		Error:          workflow.Error,
		CreatedAt:      workflow.CreatedAt,
		UpdatedAt:      workflow.UpdatedAt,
		CompletedAt:    workflow.CompletedAt,
	}
}

// ValidationProblem is a problem document that also lists every problem
// found in a rejected definition.
type ValidationProblem struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Status   int      `json:"status,omitempty"`
	Detail   string   `json:"detail,omitempty"`
	Instance string   `json:"instance,omitempty"`
	Errors   []string `json:"errors"`
}

func newValidationProblem(problem *problems.DefaultProblem, list []string) ValidationProblem {
	return ValidationProblem{
		Type:     problem.Type,
		Title:    problem.Title,
		Status:   problem.Status,
		Detail:   problem.Detail,
		Instance: problem.Instance,
		Errors:   list,
	}
}
