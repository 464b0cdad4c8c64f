package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dukex/flowrun/pkg/persistence"
)

// Definition errors. Reported before any execution and never retried.
var (
	ErrValidation              = errors.New("workflow validation failed")
	ErrCycle                   = errors.New("dependency cycle")
	ErrUnsupportedWorkflowType = errors.New("unsupported workflow type")
)

// Step execution errors. ErrStepFailed and ErrStepTimeout are retried per the
// step's retry policy; ErrUnsupportedStepType is fatal.
var (
	ErrStepFailed          = errors.New("step failed")
	ErrStepTimeout         = errors.New("step timed out")
	ErrUnsupportedStepType = errors.New("unsupported step type")
)

// Lifecycle errors.
var (
	ErrWorkflowNotFound      = persistence.ErrWorkflowNotFound
	ErrWorkflowAlreadyExists = errors.New("workflow already exists")
	ErrInvalidTransition     = errors.New("invalid workflow status transition")
	ErrWorkflowCancelled     = errors.New("workflow cancelled")
	ErrWorkflowTimeout       = errors.New("workflow timed out")

	// ErrCompensationFailed is logged during rollback and never aborts it.
	ErrCompensationFailed = errors.New("compensation failed")
)

// ValidationErrors lists every problem found in a workflow definition.
type ValidationErrors []string

func (v ValidationErrors) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation, strings.Join(v, "; "))
}

func (v ValidationErrors) Is(target error) bool {
	return target == ErrValidation
}

// WorkflowError wraps engine errors with the operation and workflow involved.
type WorkflowError struct {
	Op         string
	WorkflowID string
	Err        error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s failed for workflow %s: %v", e.Op, e.WorkflowID, e.Err)
}

func (e *WorkflowError) Unwrap() error {
	return e.Err
}

func (e *WorkflowError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

func newWorkflowError(op, workflowID string, err error) *WorkflowError {
	return &WorkflowError{Op: op, WorkflowID: workflowID, Err: err}
}

// StepError is the failure of a step once its retries are exhausted.
type StepError struct {
	StepID   string
	Attempts int
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed after %d attempt(s): %v", e.StepID, e.Attempts, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

func (e *StepError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// RunError is returned by ExecuteWorkflow when a run ends in failed. The
// workflow returned alongside it carries the partial results.
type RunError struct {
	WorkflowID  string
	ExecutionID string
	StepID      string
	Err         error
}

func (e *RunError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("run %s of workflow %s failed at step %s: %v", e.ExecutionID, e.WorkflowID, e.StepID, e.Err)
	}

	return fmt.Sprintf("run %s of workflow %s failed: %v", e.ExecutionID, e.WorkflowID, e.Err)
}

func (e *RunError) Unwrap() error {
	return e.Err
}

func (e *RunError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsValidationError reports whether err carries definition problems.
func IsValidationError(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound reports whether err means the workflow is unknown.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrWorkflowNotFound)
}

// IsConflict reports whether err is a status conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrWorkflowAlreadyExists)
}
