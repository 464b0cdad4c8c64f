// Package models defines the core domain models for step-based workflow execution
package models

import (
	"time"
)

// WorkflowType selects the execution strategy used for a workflow run.
type WorkflowType string

const (
	WorkflowTypeSequential  WorkflowType = "sequential"
	WorkflowTypeParallel    WorkflowType = "parallel"
	WorkflowTypeDAG         WorkflowType = "dag"
	WorkflowTypeConditional WorkflowType = "conditional"
)

// WorkflowTypes lists every supported workflow type.
var WorkflowTypes = []WorkflowType{
	WorkflowTypeSequential,
	WorkflowTypeParallel,
	WorkflowTypeDAG,
	WorkflowTypeConditional,
}

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusDraft     WorkflowStatus = "draft"     // Created, never executed
	WorkflowStatusActive    WorkflowStatus = "active"    // Run in progress
	WorkflowStatusPaused    WorkflowStatus = "paused"    // Run suspended between steps
	WorkflowStatusCompleted WorkflowStatus = "completed" // Terminal, every step finished
	WorkflowStatusFailed    WorkflowStatus = "failed"    // Terminal, aborted or cancelled
)

// CanExecute reports whether a run may be started or continued from this status.
func (s WorkflowStatus) CanExecute() bool {
	return s == WorkflowStatusDraft || s == WorkflowStatusPaused
}

// IsTerminal reports whether no further transition is possible.
func (s WorkflowStatus) IsTerminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed
}

// WorkflowConfiguration tunes a run. ParallelExecution set to false runs the
// members of parallel groups and dag levels one at a time; unset means
// concurrent.
type WorkflowConfiguration struct {
	AutoOptimization  bool     `json:"auto_optimization"`
	ParallelExecution *bool    `json:"parallel_execution,omitempty"`
	MaxRetries        int      `json:"max_retries"                  validate:"min=0"`
	Timeout           Duration `json:"timeout,omitempty"            validate:"min=0"`
}

// Concurrent reports whether group members are dispatched concurrently.
func (c WorkflowConfiguration) Concurrent() bool {
	return c.ParallelExecution == nil || *c.ParallelExecution
}

type WorkflowMetrics struct {
	TotalSteps      int      `json:"total_steps"`
	CompletedSteps  int      `json:"completed_steps"`
	FailedSteps     int      `json:"failed_steps"`
	AverageStepTime Duration `json:"average_step_time"`
}

// Workflow is a definition plus the mutable state of its run.
type Workflow struct {
	ID            string                `json:"id"                     validate:"required"`
	Name          string                `json:"name"                   validate:"required"`
	Description   string                `json:"description,omitempty"`
	Type          WorkflowType          `json:"type"                   validate:"required,oneof=sequential parallel dag conditional"`
	Steps         []*WorkflowStep       `json:"steps"`
	Status        WorkflowStatus        `json:"status"`
	Configuration WorkflowConfiguration `json:"configuration"`
	Metrics       WorkflowMetrics       `json:"metrics"`
	Variables     map[string]any        `json:"variables,omitempty"`
	Results       map[string]any        `json:"results,omitempty"` // step results recorded by the latest run
	Error         string                `json:"error,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	StartedAt     *time.Time            `json:"started_at,omitempty"`
	CompletedAt   *time.Time            `json:"completed_at,omitempty"`
}

// StepByID returns the step with the given id.
func (w *Workflow) StepByID(id string) (*WorkflowStep, bool) {
	for _, step := range w.Steps {
		if step.ID == id {
			return step, true
		}
	}

	return nil, false
}

// Clone returns a deep copy of the workflow. Opaque configuration payloads and
// results are copied one level deep.
func (w *Workflow) Clone() *Workflow {
	if w == nil {
		return nil
	}

	clone := *w
	clone.Variables = copyMap(w.Variables)
	clone.Results = copyMap(w.Results)
	clone.StartedAt = copyTime(w.StartedAt)
	clone.CompletedAt = copyTime(w.CompletedAt)
	clone.Configuration.ParallelExecution = copyPtr(w.Configuration.ParallelExecution)

	if w.Steps != nil {
		clone.Steps = make([]*WorkflowStep, len(w.Steps))
		for i, step := range w.Steps {
			clone.Steps[i] = step.Clone()
		}
	}

	return &clone
}

func copyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}

	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}

	return out
}

func copyTime(t *time.Time) *time.Time {
	return copyPtr(t)
}

func copyPtr[T any](p *T) *T {
	if p == nil {
		return nil
	}

	c := *p

	return &c
}

// Ptr returns a pointer to v, for optional configuration fields.
func Ptr[T any](v T) *T {
	return &v
}
