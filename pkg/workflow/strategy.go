package workflow

import (
	"fmt"

	"github.com/dukex/flowrun/pkg/models"
)

// stepGroup is a unit of scheduling. The run finishes every member of a group
// before it starts the next one; members of a concurrent group run in their
// own goroutines.
type stepGroup struct {
	steps      []*models.WorkflowStep
	concurrent bool
}

// strategy turns a workflow into its ordered execution groups.
type strategy func(workflow *models.Workflow) ([]stepGroup, error)

var strategies = map[models.WorkflowType]strategy{
	models.WorkflowTypeSequential:  sequentialGroups,
	models.WorkflowTypeConditional: sequentialGroups,
	models.WorkflowTypeParallel:    parallelGroups,
	models.WorkflowTypeDAG:         dagGroups,
}

func executionGroups(workflow *models.Workflow) ([]stepGroup, error) {
	plan, ok := strategies[workflow.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedWorkflowType, workflow.Type)
	}

	return plan(workflow)
}

// sequentialGroups runs steps one at a time in authoring order.
func sequentialGroups(workflow *models.Workflow) ([]stepGroup, error) {
	groups := make([]stepGroup, 0, len(workflow.Steps))
	for _, step := range workflow.Steps {
		groups = append(groups, stepGroup{steps: []*models.WorkflowStep{step}})
	}

	return groups, nil
}

// parallelGroups splits the steps into maximal runs of non-parallel steps,
// with every parallel-typed step forming a group of its own.
func parallelGroups(workflow *models.Workflow) ([]stepGroup, error) {
	concurrent := workflow.Configuration.Concurrent()
	groups := make([]stepGroup, 0)

	var current []*models.WorkflowStep

	flush := func() {
		if len(current) > 0 {
			groups = append(groups, stepGroup{steps: current, concurrent: concurrent})
			current = nil
		}
	}

	for _, step := range workflow.Steps {
		if step.Type == models.StepTypeParallel {
			flush()
			groups = append(groups, stepGroup{steps: []*models.WorkflowStep{step}, concurrent: concurrent})

			continue
		}

		current = append(current, step)
	}

	flush()

	return groups, nil
}

// dagGroups runs the topological levels of the dependency graph in order.
func dagGroups(workflow *models.Workflow) ([]stepGroup, error) {
	levels, err := NewGraph(workflow.Steps).Levels()
	if err != nil {
		return nil, err
	}

	groups := make([]stepGroup, 0, len(levels))
	for _, level := range levels {
		groups = append(groups, stepGroup{steps: level, concurrent: workflow.Configuration.Concurrent()})
	}

	return groups, nil
}

// guardedSteps returns the ids a condition step decides on: the ids listed
// under configuration.guards or, without that key, the step that follows it.
func guardedSteps(workflow *models.Workflow, conditionID string) []string {
	for i, step := range workflow.Steps {
		if step.ID != conditionID {
			continue
		}

		if guards, ok := step.Configuration["guards"]; ok {
			return stringList(guards)
		}

		if i+1 < len(workflow.Steps) {
			return []string{workflow.Steps[i+1].ID}
		}

		return nil
	}

	return nil
}

func stringList(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))

		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}

		return out
	default:
		return nil
	}
}
