// Package redis provides Redis persistence for workflows and their events.
//
// Keys, relative to the configured prefix:
//
//	workflow:<id>   JSON workflow snapshot
//	workflows       sorted set of workflow ids scored by creation time
//	events:<id>     list of JSON stored events in publication order
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
	"github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key written by the store.
const DefaultPrefix = "flowrun:"

type Persistence struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewPersistence(client *redis.Client, prefix string, logger *slog.Logger) *Persistence {
	if prefix == "" {
		prefix = DefaultPrefix
	}

	return &Persistence{
		client: client,
		prefix: prefix,
		logger: logger.With("module", "redis_persistence"),
	}
}

func (p *Persistence) workflowKey(id string) string {
	return p.prefix + "workflow:" + id
}

func (p *Persistence) indexKey() string {
	return p.prefix + "workflows"
}

func (p *Persistence) eventsKey(id string) string {
	return p.prefix + "events:" + id
}

func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	return nil
}

// Close leaves the client open; its owner closes it.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func (p *Persistence) SaveWorkflow(ctx context.Context, workflow *models.Workflow) error {
	if workflow.ID == "" {
		return persistence.NewWorkflowError("SaveWorkflow", "", persistence.ErrInvalidWorkflow)
	}

	document, err := json.Marshal(workflow)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", workflow.ID, err)
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.workflowKey(workflow.ID), document, 0)
		pipe.ZAdd(ctx, p.indexKey(), redis.Z{
			Score:  float64(workflow.CreatedAt.UnixMilli()),
			Member: workflow.ID,
		})

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", workflow.ID, err)
	}

	return nil
}

func (p *Persistence) WorkflowByID(ctx context.Context, id string) (*models.Workflow, error) {
	document, err := p.client.Get(ctx, p.workflowKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.NewWorkflowError("WorkflowByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}

	var workflow models.Workflow
	if err := json.Unmarshal(document, &workflow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow %s: %w", id, err)
	}

	return &workflow, nil
}

// Workflows returns every stored workflow ordered by creation time. Index
// entries whose snapshot vanished are skipped.
func (p *Persistence) Workflows(ctx context.Context) ([]*models.Workflow, error) {
	ids, err := p.client.ZRange(ctx, p.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	workflows := make([]*models.Workflow, 0, len(ids))

	for _, id := range ids {
		workflow, err := p.WorkflowByID(ctx, id)
		if err != nil {
			if persistence.IsWorkflowNotFound(err) {
				p.logger.WarnContext(ctx, "workflow index references missing snapshot", "workflow_id", id)

				continue
			}

			return nil, err
		}

		workflows = append(workflows, workflow)
	}

	sort.SliceStable(workflows, func(i, j int) bool {
		return workflows[i].CreatedAt.Before(workflows[j].CreatedAt)
	})

	return workflows, nil
}

func (p *Persistence) DeleteWorkflow(ctx context.Context, id string) error {
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, p.workflowKey(id), p.eventsKey(id))
		pipe.ZRem(ctx, p.indexKey(), id)

		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}

	return nil
}

func (p *Persistence) SaveEvent(ctx context.Context, event events.Event) error {
	stored, err := persistence.NewStoredEvent(event)
	if err != nil {
		return err
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal stored event %s: %w", stored.ID, err)
	}

	if err := p.client.RPush(ctx, p.eventsKey(stored.WorkflowID), data).Err(); err != nil {
		return fmt.Errorf("failed to append event %s: %w", stored.ID, err)
	}

	return nil
}

func (p *Persistence) EventsByWorkflow(ctx context.Context, workflowID string) ([]persistence.StoredEvent, error) {
	raw, err := p.client.LRange(ctx, p.eventsKey(workflowID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read events of workflow %s: %w", workflowID, err)
	}

	stored := make([]persistence.StoredEvent, 0, len(raw))

	for _, entry := range raw {
		var event persistence.StoredEvent
		if err := json.Unmarshal([]byte(entry), &event); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event of workflow %s: %w", workflowID, err)
		}

		stored = append(stored, event)
	}

	return stored, nil
}
