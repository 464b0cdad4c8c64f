// Package scheduler starts a fresh run of a workflow definition on every tick
// of a cron expression.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/robfig/cron/v3"
)

var (
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrScheduleExists   = errors.New("schedule already exists")
)

// Runner creates and executes workflow runs. *workflow.Engine satisfies it.
type Runner interface {
	CreateWorkflow(ctx context.Context, definition *models.Workflow) (*models.Workflow, error)
	ExecuteWorkflow(ctx context.Context, id string) (*models.Workflow, error)
}

// Schedule binds a cron expression to a workflow definition. Each tick runs a
// copy of Definition under a newly assigned id.
type Schedule struct {
	ID         string
	CronExpr   string
	Definition *models.Workflow
}

func (s Schedule) Validate() error {
	if s.ID == "" {
		return errors.New("schedule ID is required")
	}

	if s.CronExpr == "" {
		return errors.New("schedule cron expression is required")
	}

	if _, err := cron.ParseStandard(s.CronExpr); err != nil {
		return fmt.Errorf("invalid cron expression: %w", err)
	}

	if s.Definition == nil {
		return errors.New("schedule workflow definition is required")
	}

	return nil
}

// Entry describes a registered schedule.
type Entry struct {
	ID       string    `json:"id"`
	CronExpr string    `json:"cron"`
	Workflow string    `json:"workflow"`
	Next     time.Time `json:"next,omitzero"`
	Prev     time.Time `json:"prev,omitzero"`
}

type Scheduler struct {
	runner Runner
	logger *slog.Logger
	cron   *cron.Cron

	mu        sync.Mutex
	ctx       context.Context
	schedules map[string]Schedule
	entries   map[string]cron.EntryID
}

func New(runner Runner, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		runner: runner,
		logger: logger.With("module", "scheduler"),
		cron: cron.New(cron.WithChain(
			cron.SkipIfStillRunning(cron.DefaultLogger),
			cron.Recover(cron.DefaultLogger),
		)),
		ctx:       context.Background(),
		schedules: make(map[string]Schedule),
		entries:   make(map[string]cron.EntryID),
	}
}

// Add registers a schedule. Overlapping ticks of one schedule are skipped
// while its previous run is still executing.
func (s *Scheduler) Add(schedule Schedule) error {
	if err := schedule.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.schedules[schedule.ID]; ok {
		return fmt.Errorf("%w: %s", ErrScheduleExists, schedule.ID)
	}

	schedule.Definition = schedule.Definition.Clone()

	id := schedule.ID

	entryID, err := s.cron.AddFunc(schedule.CronExpr, func() {
		if _, err := s.Trigger(s.runContext(), id); err != nil {
			s.logger.Error("Scheduled run failed", "schedule_id", id, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to add cron job for schedule %s: %w", id, err)
	}

	s.schedules[id] = schedule
	s.entries[id] = entryID

	s.logger.Info("Added schedule", "schedule_id", id, "cron", schedule.CronExpr, "workflow", schedule.Definition.Name)

	return nil
}

func (s *Scheduler) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entryID, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}

	s.cron.Remove(entryID)
	delete(s.entries, id)
	delete(s.schedules, id)

	return nil
}

// Entries lists the registered schedules ordered by id.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]Entry, 0, len(s.schedules))

	for id, schedule := range s.schedules {
		cronEntry := s.cron.Entry(s.entries[id])
		entries = append(entries, Entry{
			ID:       id,
			CronExpr: schedule.CronExpr,
			Workflow: schedule.Definition.Name,
			Next:     cronEntry.Next,
			Prev:     cronEntry.Prev,
		})
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })

	return entries
}

// Trigger runs the schedule's definition once, synchronously, and returns the
// finished run. The run's variables gain "scheduled_at" and "schedule_id".
func (s *Scheduler) Trigger(ctx context.Context, id string) (*models.Workflow, error) {
	s.mu.Lock()
	schedule, ok := s.schedules[id]
	s.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, id)
	}

	definition := schedule.Definition.Clone()
	definition.ID = ""

	if definition.Variables == nil {
		definition.Variables = make(map[string]any, 2)
	}

	definition.Variables["scheduled_at"] = time.Now().UTC().Format(time.RFC3339)
	definition.Variables["schedule_id"] = id

	created, err := s.runner.CreateWorkflow(ctx, definition)
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduled run: %w", err)
	}

	logger := s.logger.With("schedule_id", id, "workflow_id", created.ID)
	logger.Info("Cron job triggered")

	result, err := s.runner.ExecuteWorkflow(ctx, created.ID)
	if err != nil {
		return result, fmt.Errorf("scheduled run %s: %w", created.ID, err)
	}

	logger.Info("Scheduled run finished", "status", result.Status)

	return result, nil
}

// Start begins firing schedules. Runs started by the scheduler use ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info("Starting scheduler", "schedules", len(s.Entries()))
	s.cron.Start()
}

// Stop stops firing schedules and waits for running jobs or ctx, whichever
// finishes first.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.logger.Info("Stopping scheduler")

	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) runContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ctx
}
