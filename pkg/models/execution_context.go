package models

import (
	"sync"
	"time"
)

// RollbackEntry records a completed step whose effects may need compensating.
type RollbackEntry struct {
	StepID       string        `json:"step_id"`
	Compensation *Compensation `json:"compensation,omitempty"`
	Data         any           `json:"data,omitempty"`
}

// ExecutionContext is the per-run scratch space. It is owned by a single run
// and safe for concurrent use by the steps of that run.
type ExecutionContext struct {
	ID         string    `json:"id"`
	WorkflowID string    `json:"workflow_id"`
	StartTime  time.Time `json:"start_time"`

	mu            sync.RWMutex
	stepResults   map[string]any
	errorSteps    map[string]bool
	rollbackStack []RollbackEntry
}

func NewExecutionContext(id, workflowID string) *ExecutionContext {
	return &ExecutionContext{
		ID:          id,
		WorkflowID:  workflowID,
		StartTime:   time.Now(),
		stepResults: make(map[string]any),
		errorSteps:  make(map[string]bool),
	}
}

// SetResult records the result of a completed step.
func (c *ExecutionContext) SetResult(stepID string, result any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stepResults[stepID] = result
	delete(c.errorSteps, stepID)
}

func (c *ExecutionContext) Result(stepID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.stepResults[stepID]

	return v, ok
}

// Results returns a snapshot of every recorded step result.
func (c *ExecutionContext) Results() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return copyMap(c.stepResults)
}

func (c *ExecutionContext) MarkError(stepID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.errorSteps[stepID] = true
}

func (c *ExecutionContext) HasError(stepID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.errorSteps[stepID]
}

// ErrorSteps returns the ids of steps whose latest attempt failed.
func (c *ExecutionContext) ErrorSteps() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ids := make([]string, 0, len(c.errorSteps))
	for id := range c.errorSteps {
		ids = append(ids, id)
	}

	return ids
}

// PushRollback appends an entry in completion order.
func (c *ExecutionContext) PushRollback(entry RollbackEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rollbackStack = append(c.rollbackStack, entry)
}

// PopRollback removes and returns the most recently pushed entry.
func (c *ExecutionContext) PopRollback() (RollbackEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.rollbackStack)
	if n == 0 {
		return RollbackEntry{}, false
	}

	entry := c.rollbackStack[n-1]
	c.rollbackStack = c.rollbackStack[:n-1]

	return entry, true
}

func (c *ExecutionContext) RollbackDepth() int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.rollbackStack)
}
