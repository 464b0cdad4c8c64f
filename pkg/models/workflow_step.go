package models

import "time"

// StepType determines how the dispatcher executes a step.
type StepType string

const (
	StepTypeTask         StepType = "task"
	StepTypeCondition    StepType = "condition"
	StepTypeParallel     StepType = "parallel"
	StepTypeDelay        StepType = "delay"
	StepTypeNotification StepType = "notification"
)

type StepStatus string

const (
	StepStatusPending    StepStatus = "pending"
	StepStatusInProgress StepStatus = "in-progress"
	StepStatusCompleted  StepStatus = "completed"
	StepStatusFailed     StepStatus = "failed"
	StepStatusSkipped    StepStatus = "skipped"
)

// IsDone reports whether the step no longer needs to run.
func (s StepStatus) IsDone() bool {
	return s == StepStatusCompleted || s == StepStatusSkipped
}

// RetryPolicy bounds the attempts of a failing step. The delay before retry n
// is InitialDelay * BackoffMultiplier^(n-1). A nil MaxRetries defers to the
// workflow's configuration.max_retries; zero disables retries.
type RetryPolicy struct {
	MaxRetries        *int     `json:"max_retries,omitempty" validate:"omitempty,min=0"`
	BackoffMultiplier float64  `json:"backoff_multiplier"    validate:"min=0"`
	InitialDelay      Duration `json:"initial_delay"         validate:"min=0"`
}

// Compensation describes the task that undoes a completed step.
type Compensation struct {
	TaskType      string         `json:"task_type"               validate:"required"`
	Configuration map[string]any `json:"configuration,omitempty"`
}

type WorkflowStep struct {
	ID                string         `json:"id"                           validate:"required"`
	Name              string         `json:"name"                         validate:"required"`
	Type              StepType       `json:"type"                         validate:"required,oneof=task condition parallel delay notification"`
	TaskType          string         `json:"task_type,omitempty"`
	Configuration     map[string]any `json:"configuration,omitempty"`
	Dependencies      []string       `json:"dependencies,omitempty"`
	Timeout           Duration       `json:"timeout,omitempty"            validate:"min=0"`
	RetryPolicy       RetryPolicy    `json:"retry_policy"`
	Compensation      *Compensation  `json:"compensation,omitempty"`
	EstimatedDuration Duration       `json:"estimated_duration,omitempty" validate:"min=0"`

	Status      StepStatus `json:"status"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a copy of the step safe to hand out of the engine.
func (s *WorkflowStep) Clone() *WorkflowStep {
	if s == nil {
		return nil
	}

	clone := *s
	clone.Configuration = copyMap(s.Configuration)
	clone.StartedAt = copyTime(s.StartedAt)
	clone.CompletedAt = copyTime(s.CompletedAt)
	clone.RetryPolicy.MaxRetries = copyPtr(s.RetryPolicy.MaxRetries)

	if s.Dependencies != nil {
		clone.Dependencies = append([]string(nil), s.Dependencies...)
	}

	if s.Compensation != nil {
		compensation := *s.Compensation
		compensation.Configuration = copyMap(s.Compensation.Configuration)
		clone.Compensation = &compensation
	}

	return &clone
}

// Reset returns the step to its never-executed state.
func (s *WorkflowStep) Reset() {
	s.Status = StepStatusPending
	s.Result = nil
	s.Error = ""
	s.Attempts = 0
	s.StartedAt = nil
	s.CompletedAt = nil
}
