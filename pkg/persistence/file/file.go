// Package file provides file-based persistence for workflows and their events.
//
// Layout below the root directory:
//
//	workflows/<id>.json   workflow snapshot
//	events/<id>.jsonl     one stored event per line, in publication order
package file

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/dukex/flowrun/pkg/events"
	"github.com/dukex/flowrun/pkg/models"
	"github.com/dukex/flowrun/pkg/persistence"
)

// Persistence implements the persistence.Persistence interface using the file system.
type Persistence struct {
	root string
	mu   sync.Mutex
}

// NewPersistence creates a Persistence rooted at root. A file:// prefix is accepted.
func NewPersistence(root string) *Persistence {
	return &Persistence{root: strings.Replace(root, "file://", "", 1)}
}

// Close performs any necessary cleanup. For file-based persistence, there is nothing to clean up.
func (fp *Persistence) Close(_ context.Context) error {
	return nil
}

// HealthCheck verifies the root directory exists.
func (fp *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(fp.root); err != nil {
		return fmt.Errorf("file persistence root %s: %w", fp.root, err)
	}

	return nil
}

func (fp *Persistence) workflowPath(id string) string {
	return filepath.Join(fp.root, "workflows", filepath.Base(id)+".json")
}

func (fp *Persistence) eventsPath(id string) string {
	return filepath.Join(fp.root, "events", filepath.Base(id)+".jsonl")
}

// Workflows returns every stored workflow ordered by creation time.
func (fp *Persistence) Workflows(ctx context.Context) ([]*models.Workflow, error) {
	files, err := fs.Glob(os.DirFS(filepath.Join(fp.root, "workflows")), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow files: %w", err)
	}

	workflows := make([]*models.Workflow, 0, len(files))

	for _, name := range files {
		workflow, err := fp.WorkflowByID(ctx, strings.TrimSuffix(name, ".json"))
		if err != nil {
			if persistence.IsWorkflowNotFound(err) {
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

func (fp *Persistence) WorkflowByID(_ context.Context, id string) (*models.Workflow, error) {
	body, err := os.ReadFile(fp.workflowPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.NewWorkflowError("WorkflowByID", id, persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to fetch workflow %s: %w", id, err)
	}

	var workflow models.Workflow

	if err := json.Unmarshal(body, &workflow); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow %s: %w", id, err)
	}

	return &workflow, nil
}

// SaveWorkflow writes the snapshot atomically through a temporary file.
func (fp *Persistence) SaveWorkflow(_ context.Context, workflow *models.Workflow) error {
	if workflow.ID == "" {
		return persistence.NewWorkflowError("SaveWorkflow", "", persistence.ErrInvalidWorkflow)
	}

	dir := filepath.Join(fp.root, "workflows")
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create workflows directory: %w", err)
	}

	data, err := json.MarshalIndent(workflow, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", workflow.ID, err)
	}

	tmp, err := os.CreateTemp(dir, workflow.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write workflow %s: %w", workflow.ID, err)
	}

	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return fmt.Errorf("failed to write workflow %s: %w", workflow.ID, err)
	}

	return os.Rename(tmp.Name(), fp.workflowPath(workflow.ID))
}

func (fp *Persistence) DeleteWorkflow(_ context.Context, id string) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	for _, path := range []string{fp.workflowPath(id), fp.eventsPath(id)} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to delete %s: %w", path, err)
		}
	}

	return nil
}

func (fp *Persistence) SaveEvent(_ context.Context, event events.Event) error {
	stored, err := persistence.NewStoredEvent(event)
	if err != nil {
		return err
	}

	line, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal stored event: %w", err)
	}

	fp.mu.Lock()
	defer fp.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(fp.root, "events"), 0750); err != nil {
		return fmt.Errorf("failed to create events directory: %w", err)
	}

	f, err := os.OpenFile(fp.eventsPath(stored.WorkflowID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to open event log: %w", err)
	}

	defer func() {
		_ = f.Close()
	}()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

func (fp *Persistence) EventsByWorkflow(_ context.Context, workflowID string) ([]persistence.StoredEvent, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	body, err := os.ReadFile(fp.eventsPath(workflowID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []persistence.StoredEvent{}, nil
		}

		return nil, fmt.Errorf("failed to read event log: %w", err)
	}

	stored := make([]persistence.StoredEvent, 0)
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		if len(bytes.TrimSpace(scanner.Bytes())) == 0 {
			continue
		}

		var event persistence.StoredEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			return nil, fmt.Errorf("failed to decode stored event: %w", err)
		}

		stored = append(stored, event)
	}

	return stored, scanner.Err()
}
