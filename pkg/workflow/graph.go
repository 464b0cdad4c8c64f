package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dukex/flowrun/pkg/models"
)

// Graph is the dependency graph of a workflow's steps. Node indices follow
// authoring order, which is also the tie-break whenever several steps are
// ready at once. Dependencies naming unknown steps are ignored here; the
// validator reports them.
type Graph struct {
	steps      []*models.WorkflowStep
	index      map[string]int
	dependents [][]int
	requires   [][]int
}

func NewGraph(steps []*models.WorkflowStep) *Graph {
	g := &Graph{
		steps:      steps,
		index:      make(map[string]int, len(steps)),
		dependents: make([][]int, len(steps)),
		requires:   make([][]int, len(steps)),
	}

	for i, step := range steps {
		if _, dup := g.index[step.ID]; !dup {
			g.index[step.ID] = i
		}
	}

	for i, step := range steps {
		seen := make(map[int]bool, len(step.Dependencies))

		for _, dep := range step.Dependencies {
			j, ok := g.index[dep]
			if !ok || seen[j] {
				continue
			}

			seen[j] = true
			g.requires[i] = append(g.requires[i], j)
			g.dependents[j] = append(g.dependents[j], i)
		}
	}

	return g
}

func (g *Graph) inDegrees() []int {
	degrees := make([]int, len(g.steps))
	for i := range g.steps {
		degrees[i] = len(g.requires[i])
	}

	return degrees
}

// TopologicalOrder runs Kahn's algorithm, always dequeuing the ready step that
// comes first in authoring order.
func (g *Graph) TopologicalOrder() ([]*models.WorkflowStep, error) {
	degrees := g.inDegrees()
	ready := make([]int, 0, len(g.steps))

	for i, degree := range degrees {
		if degree == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]*models.WorkflowStep, 0, len(g.steps))

	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, g.steps[current])

		for _, next := range g.dependents[current] {
			degrees[next]--
			if degrees[next] == 0 {
				ready = insertSorted(ready, next)
			}
		}
	}

	if len(order) < len(g.steps) {
		return nil, g.cycleError(degrees)
	}

	return order, nil
}

// Levels groups steps by topological depth: every step lands in the first
// level after all of its dependencies. Steps within a level keep authoring order.
func (g *Graph) Levels() ([][]*models.WorkflowStep, error) {
	degrees := g.inDegrees()
	current := make([]int, 0)

	for i, degree := range degrees {
		if degree == 0 {
			current = append(current, i)
		}
	}

	var (
		levels  [][]*models.WorkflowStep
		ordered int
	)

	for len(current) > 0 {
		level := make([]*models.WorkflowStep, 0, len(current))
		next := make([]int, 0)

		for _, i := range current {
			level = append(level, g.steps[i])
			ordered++

			for _, dependent := range g.dependents[i] {
				degrees[dependent]--
				if degrees[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}

		sort.Ints(next)
		levels = append(levels, level)
		current = next
	}

	if ordered < len(g.steps) {
		return nil, g.cycleError(degrees)
	}

	return levels, nil
}

// CriticalPath returns the chain of dependent steps with the largest summed
// estimated duration, and that sum.
func (g *Graph) CriticalPath() ([]string, time.Duration, error) {
	order, err := g.TopologicalOrder()
	if err != nil {
		return nil, 0, err
	}

	if len(order) == 0 {
		return nil, 0, nil
	}

	finish := make([]time.Duration, len(g.steps))
	previous := make([]int, len(g.steps))
	end := -1

	for _, step := range order {
		i := g.index[step.ID]
		previous[i] = -1

		var longest time.Duration

		for _, dep := range g.requires[i] {
			if previous[i] == -1 || finish[dep] > longest {
				longest = finish[dep]
				previous[i] = dep
			}
		}

		finish[i] = longest + step.EstimatedDuration.Std()

		if end == -1 || finish[i] > finish[end] {
			end = i
		}
	}

	path := make([]string, 0)
	for i := end; i != -1; i = previous[i] {
		path = append(path, g.steps[i].ID)
	}

	for l, r := 0, len(path)-1; l < r; l, r = l+1, r-1 {
		path[l], path[r] = path[r], path[l]
	}

	return path, finish[end], nil
}

func (g *Graph) cycleError(degrees []int) error {
	remaining := make([]string, 0)

	for i, degree := range degrees {
		if degree > 0 {
			remaining = append(remaining, g.steps[i].ID)
		}
	}

	return fmt.Errorf("%w between steps %s", ErrCycle, strings.Join(remaining, ", "))
}

func insertSorted(values []int, v int) []int {
	i := sort.SearchInts(values, v)
	values = append(values, 0)
	copy(values[i+1:], values[i:])
	values[i] = v

	return values
}
