// Package redisqueue distributes tasks to worker processes through Redis.
//
// Submitted tasks are pushed on the list <prefix>tasks and their status is
// kept in the hash <prefix>task:<id>. Workers pop from the list with BRPOP
// and write the outcome back to the hash.
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dukex/flowrun/pkg/coordinator"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultPrefix    = "flowrun:"
	defaultRetention = 24 * time.Hour

	fieldState      = "state"
	fieldTaskType   = "task_type"
	fieldWorkflowID = "workflow_id"
	fieldStepID     = "step_id"
	fieldResult     = "result"
	fieldError      = "error"
	fieldUpdatedAt  = "updated_at"
)

// Envelope is the queued representation of a task.
type Envelope struct {
	ID            string         `json:"id"`
	TaskType      string         `json:"task_type"`
	Configuration map[string]any `json:"configuration,omitempty"`
	WorkflowID    string         `json:"workflow_id"`
	StepID        string         `json:"step_id"`
	SubmittedAt   time.Time      `json:"submitted_at"`
}

type keys struct {
	prefix string
}

func (k keys) queue() string {
	return k.prefix + "tasks"
}

func (k keys) task(id string) string {
	return k.prefix + "task:" + id
}

// Coordinator submits tasks to the Redis queue and reads their status.
type Coordinator struct {
	client *redis.Client
	keys   keys
}

func NewCoordinator(client *redis.Client, prefix string) *Coordinator {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Coordinator{client: client, keys: keys{prefix: prefix}}
}

func (c *Coordinator) SubmitTask(
	ctx context.Context,
	taskType string,
	configuration map[string]any,
	correlation coordinator.Correlation,
) (coordinator.TaskHandle, error) {
	envelope := Envelope{
		ID:            uuid.NewString(),
		TaskType:      taskType,
		Configuration: configuration,
		WorkflowID:    correlation.WorkflowID,
		StepID:        correlation.StepID,
		SubmittedAt:   time.Now().UTC(),
	}

	payload, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to encode task: %w", err)
	}

	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.keys.task(envelope.ID),
			fieldState, string(coordinator.TaskStatePending),
			fieldTaskType, taskType,
			fieldWorkflowID, correlation.WorkflowID,
			fieldStepID, correlation.StepID,
			fieldUpdatedAt, envelope.SubmittedAt.Format(time.RFC3339Nano),
		)
		pipe.LPush(ctx, c.keys.queue(), payload)

		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}

	return coordinator.TaskHandle(envelope.ID), nil
}

func (c *Coordinator) TaskStatus(ctx context.Context, handle coordinator.TaskHandle) (coordinator.TaskStatus, error) {
	fields, err := c.client.HGetAll(ctx, c.keys.task(string(handle))).Result()
	if err != nil {
		return coordinator.TaskStatus{}, fmt.Errorf("failed to read task status: %w", err)
	}

	if len(fields) == 0 {
		return coordinator.TaskStatus{}, fmt.Errorf("%w: %s", coordinator.ErrTaskNotFound, handle)
	}

	status := coordinator.TaskStatus{
		State: coordinator.TaskState(fields[fieldState]),
		Error: fields[fieldError],
	}

	if raw, ok := fields[fieldResult]; ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &status.Result); err != nil {
			return coordinator.TaskStatus{}, fmt.Errorf("failed to decode task result: %w", err)
		}
	}

	return status, nil
}

// QueueLength returns the number of tasks waiting for a worker.
func (c *Coordinator) QueueLength(ctx context.Context) (int64, error) {
	return c.client.LLen(ctx, c.keys.queue()).Result()
}

func (c *Coordinator) HealthCheck(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return errors.Join(errors.New("redis unreachable"), err)
	}

	return nil
}
