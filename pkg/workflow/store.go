package workflow

import (
	"context"
	"sort"
	"sync"

	"github.com/dukex/flowrun/pkg/models"
)

// entry holds a workflow and, while it has one, its current run.
type entry struct {
	mu       sync.Mutex
	workflow *models.Workflow
	exec     *models.ExecutionContext
	cancel   context.CancelCauseFunc
	// done is non-nil while a run is in flight and closed when it returns.
	done      chan struct{}
	cancelled bool
	removed   bool

	// saveMu orders snapshot writes to persistence.
	saveMu sync.Mutex
}

func (e *entry) snapshot() *models.Workflow {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.workflow.Clone()
}

// store indexes the workflows owned by one engine.
type store struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

func newStore() *store {
	return &store{entries: make(map[string]*entry)}
}

func (s *store) create(workflow *models.Workflow) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[workflow.ID]; exists {
		return nil, ErrWorkflowAlreadyExists
	}

	e := &entry{workflow: workflow}
	s.entries[workflow.ID] = e

	return e, nil
}

func (s *store) get(id string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}

	return e, nil
}

func (s *store) remove(id string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}

	delete(s.entries, id)

	return e, nil
}

// list returns snapshots of every workflow ordered by creation time.
func (s *store) list() []*models.Workflow {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	workflows := make([]*models.Workflow, 0, len(entries))
	for _, e := range entries {
		workflows = append(workflows, e.snapshot())
	}

	sort.Slice(workflows, func(i, j int) bool {
		if workflows[i].CreatedAt.Equal(workflows[j].CreatedAt) {
			return workflows[i].ID < workflows[j].ID
		}

		return workflows[i].CreatedAt.Before(workflows[j].CreatedAt)
	})

	return workflows
}
