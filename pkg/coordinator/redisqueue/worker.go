package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukex/flowrun/pkg/coordinator"
	"github.com/dukex/flowrun/pkg/protocol"
	"github.com/dukex/flowrun/pkg/registry"
	"github.com/redis/go-redis/v9"
)

const defaultPollTimeout = time.Second

// Worker drains the task queue and executes each task with a handler from
// the registry.
type Worker struct {
	client      *redis.Client
	keys        keys
	registry    *registry.Registry
	logger      *slog.Logger
	id          string
	concurrency int
	pollTimeout time.Duration
	retention   time.Duration
}

type WorkerOption func(*Worker)

func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

func WithPollTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.pollTimeout = d
	}
}

// WithStatusRetention sets how long finished task statuses stay readable.
func WithStatusRetention(d time.Duration) WorkerOption {
	return func(w *Worker) {
		w.retention = d
	}
}

func NewWorker(client *redis.Client, prefix string, reg *registry.Registry, logger *slog.Logger, id string, opts ...WorkerOption) *Worker {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	w := &Worker{
		client:      client,
		keys:        keys{prefix: prefix},
		registry:    reg,
		logger:      logger.With("module", "redis_worker", "worker_id", id),
		id:          id,
		concurrency: 1,
		pollTimeout: defaultPollTimeout,
		retention:   defaultRetention,
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Run processes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "Worker started", "concurrency", w.concurrency)

	var wg sync.WaitGroup

	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}

	wg.Wait()
	w.logger.Info("Worker stopped")

	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		if _, err := w.ProcessNext(ctx); err != nil && ctx.Err() == nil {
			w.logger.ErrorContext(ctx, "Failed to process task", "error", err)

			select {
			case <-ctx.Done():
			case <-time.After(w.pollTimeout):
			}
		}
	}
}

// ProcessNext waits up to the poll timeout for one task and executes it. It
// reports whether a task was processed.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	res, err := w.client.BRPop(ctx, w.pollTimeout, w.keys.queue()).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	if len(res) != 2 {
		return false, fmt.Errorf("unexpected BRPOP reply: %v", res)
	}

	var envelope Envelope
	if err := json.Unmarshal([]byte(res[1]), &envelope); err != nil {
		return false, fmt.Errorf("failed to decode task: %w", err)
	}

	w.execute(ctx, envelope)

	return true, nil
}

func (w *Worker) execute(ctx context.Context, envelope Envelope) {
	logger := w.logger.With("task_id", envelope.ID, "task_type", envelope.TaskType,
		"workflow_id", envelope.WorkflowID, "step_id", envelope.StepID)

	if err := w.writeStatus(ctx, envelope.ID, coordinator.TaskStatus{State: coordinator.TaskStateInProgress}); err != nil {
		logger.ErrorContext(ctx, "Failed to mark task in progress", "error", err)
	}

	status := w.run(ctx, envelope, logger)

	// statuses must be written even when the worker is shutting down
	if err := w.writeStatus(context.WithoutCancel(ctx), envelope.ID, status); err != nil {
		logger.ErrorContext(ctx, "Failed to write task status", "error", err)
	}
}

func (w *Worker) run(ctx context.Context, envelope Envelope, logger *slog.Logger) coordinator.TaskStatus {
	task, err := w.registry.CreateTask(ctx, envelope.TaskType, envelope.Configuration)
	if err != nil {
		return coordinator.TaskStatus{State: coordinator.TaskStateFailed, Error: err.Error()}
	}

	result, err := task.Execute(ctx, protocol.TaskInput{
		TaskID:     envelope.ID,
		WorkflowID: envelope.WorkflowID,
		StepID:     envelope.StepID,
	}, logger)
	if err != nil {
		logger.InfoContext(ctx, "Task failed", "error", err)
		return coordinator.TaskStatus{State: coordinator.TaskStateFailed, Error: err.Error()}
	}

	return coordinator.TaskStatus{State: coordinator.TaskStateCompleted, Result: result}
}

func (w *Worker) writeStatus(ctx context.Context, id string, status coordinator.TaskStatus) error {
	values := []any{
		fieldState, string(status.State),
		fieldError, status.Error,
		fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano),
	}

	if status.Result != nil {
		payload, err := json.Marshal(status.Result)
		if err != nil {
			status = coordinator.TaskStatus{State: coordinator.TaskStateFailed, Error: "result is not serializable: " + err.Error()}
			values = []any{fieldState, string(status.State), fieldError, status.Error}
		} else {
			values = append(values, fieldResult, string(payload))
		}
	}

	key := w.keys.task(id)

	_, err := w.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, values...)

		if status.State.IsTerminal() && w.retention > 0 {
			pipe.Expire(ctx, key, w.retention)
		}

		return nil
	})

	return err
}
