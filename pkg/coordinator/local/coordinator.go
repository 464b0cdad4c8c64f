// Package local runs submitted tasks in goroutines of the current process.
package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/flowrun/pkg/coordinator"
	"github.com/dukex/flowrun/pkg/protocol"
	"github.com/dukex/flowrun/pkg/registry"
	"github.com/google/uuid"
)

const defaultRetention = 10 * time.Minute

type entry struct {
	status     coordinator.TaskStatus
	finishedAt time.Time
}

// Coordinator executes tasks from a registry. Finished statuses are kept for
// the retention period and then forgotten.
type Coordinator struct {
	registry  *registry.Registry
	logger    *slog.Logger
	retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu    sync.RWMutex
	tasks map[coordinator.TaskHandle]*entry
}

type Option func(*Coordinator)

func WithRetention(d time.Duration) Option {
	return func(c *Coordinator) {
		c.retention = d
	}
}

func New(reg *registry.Registry, logger *slog.Logger, opts ...Option) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		registry:  reg,
		logger:    logger.With("module", "local_coordinator"),
		retention: defaultRetention,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(map[coordinator.TaskHandle]*entry),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *Coordinator) SubmitTask(
	_ context.Context,
	taskType string,
	configuration map[string]any,
	correlation coordinator.Correlation,
) (coordinator.TaskHandle, error) {
	if !c.registry.HasTask(taskType) {
		return "", fmt.Errorf("%w: %s", coordinator.ErrUnknownTaskType, taskType)
	}

	handle := coordinator.TaskHandle(uuid.NewString())

	c.mu.Lock()
	c.prune()
	c.tasks[handle] = &entry{status: coordinator.TaskStatus{State: coordinator.TaskStatePending}}
	c.mu.Unlock()

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()
		c.run(handle, taskType, configuration, correlation)
	}()

	return handle, nil
}

func (c *Coordinator) TaskStatus(_ context.Context, handle coordinator.TaskHandle) (coordinator.TaskStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.tasks[handle]
	if !ok {
		return coordinator.TaskStatus{}, fmt.Errorf("%w: %s", coordinator.ErrTaskNotFound, handle)
	}

	return e.status, nil
}

// Close cancels running tasks and waits for their goroutines to exit.
func (c *Coordinator) Close() error {
	c.cancel()
	c.wg.Wait()

	return nil
}

func (c *Coordinator) run(handle coordinator.TaskHandle, taskType string, configuration map[string]any, correlation coordinator.Correlation) {
	logger := c.logger.With("task_id", handle, "task_type", taskType,
		"workflow_id", correlation.WorkflowID, "step_id", correlation.StepID)

	c.setStatus(handle, coordinator.TaskStatus{State: coordinator.TaskStateInProgress})

	task, err := c.registry.CreateTask(c.ctx, taskType, configuration)
	if err != nil {
		c.setStatus(handle, coordinator.TaskStatus{State: coordinator.TaskStateFailed, Error: err.Error()})
		return
	}

	result, err := task.Execute(c.ctx, protocol.TaskInput{
		TaskID:     string(handle),
		WorkflowID: correlation.WorkflowID,
		StepID:     correlation.StepID,
	}, logger)
	if err != nil {
		logger.Debug("Task failed", "error", err)
		c.setStatus(handle, coordinator.TaskStatus{State: coordinator.TaskStateFailed, Error: err.Error()})

		return
	}

	c.setStatus(handle, coordinator.TaskStatus{State: coordinator.TaskStateCompleted, Result: result})
}

func (c *Coordinator) setStatus(handle coordinator.TaskHandle, status coordinator.TaskStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.tasks[handle]
	if !ok {
		return
	}

	e.status = status
	if status.State.IsTerminal() {
		e.finishedAt = time.Now()
	}
}

// prune drops finished tasks older than the retention period. Callers hold mu.
func (c *Coordinator) prune() {
	if c.retention <= 0 {
		return
	}

	cutoff := time.Now().Add(-c.retention)
	for handle, e := range c.tasks {
		if e.status.State.IsTerminal() && e.finishedAt.Before(cutoff) {
			delete(c.tasks, handle)
		}
	}
}
