// Package testutil provides test data builders and utilities for testing.
package testutil

import (
	"fmt"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/google/uuid"
)

// CreateTestWorkflow creates a sequential workflow with the given steps and
// default values that can be overridden.
func CreateTestWorkflow(steps []*models.WorkflowStep, overrides ...func(*models.Workflow)) *models.Workflow {
	wf := &models.Workflow{
		ID:    uuid.New().String(),
		Name:  "Test Workflow",
		Type:  models.WorkflowTypeSequential,
		Steps: steps,
	}

	for _, override := range overrides {
		override(wf)
	}

	return wf
}

func WithType(t models.WorkflowType) func(*models.Workflow) {
	return func(wf *models.Workflow) {
		wf.Type = t
	}
}

func WithParallelExecution() func(*models.Workflow) {
	return func(wf *models.Workflow) {
		wf.Configuration.ParallelExecution = models.Ptr(true)
	}
}

// WithSerialGroups disables concurrent dispatch inside parallel and dag groups.
func WithSerialGroups() func(*models.Workflow) {
	return func(wf *models.Workflow) {
		wf.Configuration.ParallelExecution = models.Ptr(false)
	}
}

func WithID(id string) func(*models.Workflow) {
	return func(wf *models.Workflow) {
		wf.ID = id
	}
}

// TaskStep creates a task step of the given task type.
func TaskStep(id, taskType string, overrides ...func(*models.WorkflowStep)) *models.WorkflowStep {
	step := &models.WorkflowStep{
		ID:            id,
		Name:          fmt.Sprintf("Step %s", id),
		Type:          models.StepTypeTask,
		TaskType:      taskType,
		Configuration: map[string]any{},
	}

	for _, override := range overrides {
		override(step)
	}

	return step
}

// ConditionStep creates a condition step evaluating expr.
func ConditionStep(id string, expr any, overrides ...func(*models.WorkflowStep)) *models.WorkflowStep {
	step := &models.WorkflowStep{
		ID:            id,
		Name:          fmt.Sprintf("Condition %s", id),
		Type:          models.StepTypeCondition,
		Configuration: map[string]any{"condition": expr},
	}

	for _, override := range overrides {
		override(step)
	}

	return step
}

func DependsOn(ids ...string) func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		s.Dependencies = append(s.Dependencies, ids...)
	}
}

func WithRetry(maxRetries int, initialDelay models.Duration, multiplier float64) func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		s.RetryPolicy = models.RetryPolicy{
			MaxRetries:        models.Ptr(maxRetries),
			InitialDelay:      initialDelay,
			BackoffMultiplier: multiplier,
		}
	}
}

func WithCompensation(taskType string, config map[string]any) func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		s.Compensation = &models.Compensation{TaskType: taskType, Configuration: config}
	}
}

func WithConfig(key string, value any) func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		if s.Configuration == nil {
			s.Configuration = map[string]any{}
		}

		s.Configuration[key] = value
	}
}

func WithStepType(t models.StepType) func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		s.Type = t
	}
}

func WithEstimate(d models.Duration) func(*models.WorkflowStep) {
	return func(s *models.WorkflowStep) {
		s.EstimatedDuration = d
	}
}
