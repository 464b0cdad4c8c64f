package workflow_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dukex/flowrun/pkg/coordinator"
	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/workflow"
)

// taskFunc computes the status of a task each time it is polled.
type taskFunc func(config map[string]any, correlation coordinator.Correlation) coordinator.TaskStatus

type submission struct {
	taskType    string
	correlation coordinator.Correlation
	config      map[string]any
	poll        taskFunc
}

// scriptedCoordinator answers task submissions with scripted handlers and
// records every submission in order.
type scriptedCoordinator struct {
	mu          sync.Mutex
	handlers    map[string]taskFunc
	submissions []submission
}

func newScriptedCoordinator() *scriptedCoordinator {
	return &scriptedCoordinator{handlers: make(map[string]taskFunc)}
}

func (c *scriptedCoordinator) handle(taskType string, fn taskFunc) *scriptedCoordinator {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handlers[taskType] = fn

	return c
}

func (c *scriptedCoordinator) SubmitTask(
	_ context.Context,
	taskType string,
	config map[string]any,
	correlation coordinator.Correlation,
) (coordinator.TaskHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fn, ok := c.handlers[taskType]
	if !ok {
		return "", fmt.Errorf("%w: %s", coordinator.ErrUnknownTaskType, taskType)
	}

	c.submissions = append(c.submissions, submission{taskType: taskType, correlation: correlation, config: config, poll: fn})

	return coordinator.TaskHandle(fmt.Sprintf("task-%d", len(c.submissions)-1)), nil
}

func (c *scriptedCoordinator) TaskStatus(_ context.Context, handle coordinator.TaskHandle) (coordinator.TaskStatus, error) {
	c.mu.Lock()

	var index int
	if _, err := fmt.Sscanf(string(handle), "task-%d", &index); err != nil || index >= len(c.submissions) {
		c.mu.Unlock()

		return coordinator.TaskStatus{}, coordinator.ErrTaskNotFound
	}

	s := c.submissions[index]
	c.mu.Unlock()

	return s.poll(s.config, s.correlation), nil
}

// steps returns the step ids submitted with taskType, in submission order.
// An empty taskType matches every submission.
func (c *scriptedCoordinator) steps(taskType string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0)

	for _, s := range c.submissions {
		if taskType == "" || s.taskType == taskType {
			ids = append(ids, s.correlation.StepID)
		}
	}

	return ids
}

func succeed(result any) taskFunc {
	return func(map[string]any, coordinator.Correlation) coordinator.TaskStatus {
		return coordinator.TaskStatus{State: coordinator.TaskStateCompleted, Result: result}
	}
}

// echo completes with the task configuration as result.
func echo() taskFunc {
	return func(config map[string]any, _ coordinator.Correlation) coordinator.TaskStatus {
		return coordinator.TaskStatus{State: coordinator.TaskStateCompleted, Result: config}
	}
}

func failWith(message string) taskFunc {
	return func(map[string]any, coordinator.Correlation) coordinator.TaskStatus {
		return coordinator.TaskStatus{State: coordinator.TaskStateFailed, Error: message}
	}
}

func pending() taskFunc {
	return func(map[string]any, coordinator.Correlation) coordinator.TaskStatus {
		return coordinator.TaskStatus{State: coordinator.TaskStateInProgress}
	}
}

// rendezvous stays in progress until n tasks of taskType were submitted, which
// never happens when those tasks are dispatched one at a time.
func rendezvous(coord *scriptedCoordinator, taskType string, n int) taskFunc {
	return func(map[string]any, coordinator.Correlation) coordinator.TaskStatus {
		if len(coord.steps(taskType)) < n {
			return coordinator.TaskStatus{State: coordinator.TaskStateInProgress}
		}

		return coordinator.TaskStatus{State: coordinator.TaskStateCompleted, Result: "met"}
	}
}

// gated stays in progress until gate is closed.
func gated(gate <-chan struct{}) taskFunc {
	return func(map[string]any, coordinator.Correlation) coordinator.TaskStatus {
		select {
		case <-gate:
			return coordinator.TaskStatus{State: coordinator.TaskStateCompleted, Result: "released"}
		default:
			return coordinator.TaskStatus{State: coordinator.TaskStateInProgress}
		}
	}
}

func testConfig() workflow.Config {
	return workflow.Config{
		PollInterval:        time.Millisecond,
		CompensationTimeout: time.Second,
	}
}

func newTestEngine(t *testing.T, coord coordinator.Coordinator, opts ...workflow.Option) *workflow.Engine {
	t.Helper()

	base := []workflow.Option{
		workflow.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		workflow.WithConfig(testConfig()),
	}

	engine := workflow.NewEngine(coord, append(base, opts...)...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = engine.Close(ctx)
	})

	return engine
}

// eventRecorder keeps every lifecycle event published by an engine.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func record(engine *workflow.Engine) *eventRecorder {
	r := &eventRecorder{}
	engine.Subscribe(func(_ context.Context, event events.Event) error {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.events = append(r.events, event)

		return nil
	})

	return r
}

func (r *eventRecorder) ofType(eventType events.EventType) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]events.Event, 0)

	for _, e := range r.events {
		if e.GetType() == eventType {
			out = append(out, e)
		}
	}

	return out
}

// compensations records the step ids a compensator was asked to undo.
type compensations struct {
	mu    sync.Mutex
	steps []string
	fail  map[string]error
}

func (c *compensations) Compensate(_ context.Context, _ *models.Workflow, entry models.RollbackEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.steps = append(c.steps, entry.StepID)

	return c.fail[entry.StepID]
}

func (c *compensations) recorded() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.steps...)
}

func stepStatus(t *testing.T, wf *models.Workflow, id string) models.StepStatus {
	t.Helper()

	step, ok := wf.StepByID(id)
	if !ok {
		t.Fatalf("step %s not found", id)
	}

	return step.Status
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}

	return -1
}
