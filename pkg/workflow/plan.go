package workflow

import (
	"time"

	"github.com/dukex/flowrun/pkg/models"
)

// Plan describes how a workflow would be executed without running it.
type Plan struct {
	WorkflowID string              `json:"workflow_id"`
	Type       models.WorkflowType `json:"type"`
	// Order is the topological order of the steps.
	Order []string `json:"order"`
	// Groups are the scheduling groups of the workflow's strategy.
	Groups []PlanGroup `json:"groups"`
	// Levels are the topological levels of the dependency graph.
	Levels [][]string `json:"levels"`
	// ParallelOpportunities are the levels holding more than one step.
	ParallelOpportunities [][]string `json:"parallel_opportunities"`
	CriticalPath          []string      `json:"critical_path"`
	CriticalPathDuration  time.Duration `json:"critical_path_duration"`
	// EstimatedDuration sums the estimated duration of every group, counting
	// only the slowest member of a concurrent group.
	EstimatedDuration time.Duration `json:"estimated_duration"`
}

type PlanGroup struct {
	Steps      []string `json:"steps"`
	Concurrent bool     `json:"concurrent"`
}

// BuildPlan computes the execution plan of a valid workflow.
func BuildPlan(workflow *models.Workflow) (*Plan, error) {
	graph := NewGraph(workflow.Steps)

	order, err := graph.TopologicalOrder()
	if err != nil {
		return nil, err
	}

	levels, err := graph.Levels()
	if err != nil {
		return nil, err
	}

	criticalPath, criticalDuration, err := graph.CriticalPath()
	if err != nil {
		return nil, err
	}

	groups, err := executionGroups(workflow)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		WorkflowID:            workflow.ID,
		Type:                  workflow.Type,
		Order:                 stepIDs(order),
		Groups:                make([]PlanGroup, 0, len(groups)),
		Levels:                make([][]string, 0, len(levels)),
		ParallelOpportunities: make([][]string, 0),
		CriticalPath:          criticalPath,
		CriticalPathDuration:  criticalDuration,
	}

	for _, level := range levels {
		ids := stepIDs(level)
		plan.Levels = append(plan.Levels, ids)

		if len(ids) > 1 {
			plan.ParallelOpportunities = append(plan.ParallelOpportunities, ids)
		}
	}

	for _, group := range groups {
		plan.Groups = append(plan.Groups, PlanGroup{Steps: stepIDs(group.steps), Concurrent: group.concurrent})
		plan.EstimatedDuration += groupEstimate(group)
	}

	return plan, nil
}

func groupEstimate(group stepGroup) time.Duration {
	var total time.Duration

	for _, step := range group.steps {
		estimate := step.EstimatedDuration.Std()

		switch {
		case !group.concurrent:
			total += estimate
		case estimate > total:
			total = estimate
		}
	}

	return total
}

func stepIDs(steps []*models.WorkflowStep) []string {
	ids := make([]string, 0, len(steps))
	for _, step := range steps {
		ids = append(ids, step.ID)
	}

	return ids
}
