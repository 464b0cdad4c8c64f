// Package metrics aggregates run and step statistics from lifecycle events.
// The aggregate is observational only and never feeds back into scheduling.
package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/dukex/flowrun/pkg/events"
)

// Number of recent event ids remembered to drop redelivered events.
const defaultDedupeWindow = 4096

type WorkflowStats struct {
	TotalRuns       int           `json:"total_runs"`
	ActiveRuns      int           `json:"active_runs"`
	CompletedRuns   int           `json:"completed_runs"`
	FailedRuns      int           `json:"failed_runs"`
	AverageDuration time.Duration `json:"average_duration"`
	SuccessRate     float64       `json:"success_rate"`
}

type StepStats struct {
	Attempts        int           `json:"attempts"`
	Completed       int           `json:"completed"`
	Failed          int           `json:"failed"`
	AverageDuration time.Duration `json:"average_duration"`

	samples int
}

// Snapshot is a point-in-time copy of the aggregate, keyed by workflow id and
// step id respectively.
type Snapshot struct {
	Workflows map[string]WorkflowStats `json:"workflows"`
	Steps     map[string]StepStats     `json:"steps"`
}

type Aggregator struct {
	mu        sync.Mutex
	workflows map[string]*WorkflowStats
	steps     map[string]*StepStats

	seen      map[string]struct{}
	seenOrder []string
	window    int
}

func NewAggregator() *Aggregator {
	return &Aggregator{
		workflows: make(map[string]*WorkflowStats),
		steps:     make(map[string]*StepStats),
		seen:      make(map[string]struct{}),
		window:    defaultDedupeWindow,
	}
}

// Handle folds one lifecycle event into the aggregate. An event id seen
// recently is ignored, so redelivery does not double count.
func (a *Aggregator) Handle(_ context.Context, event events.Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.duplicate(event.GetBase().ID) {
		return nil
	}

	switch e := event.(type) {
	case *events.WorkflowStarted:
		stats := a.workflow(e.WorkflowID)
		stats.TotalRuns++
		stats.ActiveRuns++
		stats.updateRate()
	case *events.WorkflowCompleted:
		a.finishRun(e.WorkflowID, e.Duration, true)
	case *events.WorkflowFailed:
		a.finishRun(e.WorkflowID, e.Duration, false)
	case *events.WorkflowCancelled:
		// A workflow cancelled before it ever ran has no run to finish.
		if stats, ok := a.workflows[e.WorkflowID]; ok && stats.ActiveRuns > 0 {
			a.finishRun(e.WorkflowID, e.Duration, false)
		}
	case *events.StepStarted:
		a.step(e.StepID).Attempts++
	case *events.StepCompleted:
		stats := a.step(e.StepID)
		stats.Completed++
		stats.observe(e.Duration)
	case *events.StepFailed:
		stats := a.step(e.StepID)
		if e.Final {
			stats.Failed++
		}

		stats.observe(e.Duration)
	}

	return nil
}

// Snapshot returns a deep copy of the aggregate.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snapshot := Snapshot{
		Workflows: make(map[string]WorkflowStats, len(a.workflows)),
		Steps:     make(map[string]StepStats, len(a.steps)),
	}

	for id, stats := range a.workflows {
		snapshot.Workflows[id] = *stats
	}

	for id, stats := range a.steps {
		snapshot.Steps[id] = *stats
	}

	return snapshot
}

func (a *Aggregator) workflow(id string) *WorkflowStats {
	stats, ok := a.workflows[id]
	if !ok {
		stats = &WorkflowStats{}
		a.workflows[id] = stats
	}

	return stats
}

func (a *Aggregator) step(id string) *StepStats {
	stats, ok := a.steps[id]
	if !ok {
		stats = &StepStats{}
		a.steps[id] = stats
	}

	return stats
}

func (a *Aggregator) finishRun(workflowID string, duration time.Duration, success bool) {
	stats := a.workflow(workflowID)
	if stats.ActiveRuns > 0 {
		stats.ActiveRuns--
	}

	if success {
		stats.CompletedRuns++
	} else {
		stats.FailedRuns++
	}

	finished := stats.CompletedRuns + stats.FailedRuns
	stats.AverageDuration += (duration - stats.AverageDuration) / time.Duration(finished)
	stats.updateRate()
}

func (a *Aggregator) duplicate(id string) bool {
	if id == "" {
		return false
	}

	if _, ok := a.seen[id]; ok {
		return true
	}

	a.seen[id] = struct{}{}
	a.seenOrder = append(a.seenOrder, id)

	if len(a.seenOrder) > a.window {
		delete(a.seen, a.seenOrder[0])
		a.seenOrder = a.seenOrder[1:]
	}

	return false
}

func (s *WorkflowStats) updateRate() {
	if s.TotalRuns == 0 {
		s.SuccessRate = 0

		return
	}

	s.SuccessRate = float64(s.CompletedRuns) / float64(s.TotalRuns)
}

func (s *StepStats) observe(duration time.Duration) {
	s.samples++
	s.AverageDuration += (duration - s.AverageDuration) / time.Duration(s.samples)
}
