package workflow

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/dukex/flowrun/pkg/models"
	"github.com/go-playground/validator/v10"
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" || name == "" {
			return field.Name
		}

		return name
	})

	return v
}

// Validate returns every structural problem of a workflow definition, in check
// order: workflow fields, step presence, step id uniqueness, step fields,
// dependency resolution and, for dag workflows, cycles. An empty result means
// the definition is accepted.
func Validate(workflow *models.Workflow) []string {
	if workflow == nil {
		return []string{"workflow is required"}
	}

	problems := fieldProblems("workflow", structValidator.Struct(workflow))

	if len(workflow.Steps) == 0 {
		return append(problems, "workflow must have at least one step")
	}

	seen := make(map[string]bool, len(workflow.Steps))
	for _, step := range workflow.Steps {
		if step == nil || step.ID == "" {
			continue
		}

		if seen[step.ID] {
			problems = append(problems, fmt.Sprintf("duplicate step id %q", step.ID))
		}

		seen[step.ID] = true
	}

	for i, step := range workflow.Steps {
		if step == nil {
			problems = append(problems, fmt.Sprintf("step %d is empty", i))

			continue
		}

		problems = append(problems, fieldProblems(stepLabel(i, step), structValidator.Struct(step))...)

		if step.Type == models.StepTypeTask && step.TaskType == "" {
			problems = append(problems, stepLabel(i, step)+": task_type is required for task steps")
		}
	}

	for i, step := range workflow.Steps {
		if step == nil {
			continue
		}

		for _, dep := range step.Dependencies {
			if !seen[dep] {
				problems = append(problems, fmt.Sprintf("%s depends on unknown step %q", stepLabel(i, step), dep))
			}
		}
	}

	if workflow.Type == models.WorkflowTypeDAG && len(problems) == 0 {
		if _, err := NewGraph(workflow.Steps).TopologicalOrder(); err != nil {
			problems = append(problems, err.Error())
		}
	}

	return problems
}

func stepLabel(index int, step *models.WorkflowStep) string {
	if step.ID == "" {
		return fmt.Sprintf("step %d", index)
	}

	return fmt.Sprintf("step %q", step.ID)
}

func fieldProblems(label string, err error) []string {
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return []string{fmt.Sprintf("%s: %v", label, err)}
	}

	problems := make([]string, 0, len(fieldErrors))

	for _, fe := range fieldErrors {
		field := fe.Namespace()
		if _, rest, ok := strings.Cut(field, "."); ok {
			field = rest
		}

		switch fe.Tag() {
		case "required":
			problems = append(problems, fmt.Sprintf("%s: %s is required", label, field))
		case "oneof":
			problems = append(problems, fmt.Sprintf("%s: %s %q must be one of [%s]", label, field, fe.Value(), fe.Param()))
		case "min":
			problems = append(problems, fmt.Sprintf("%s: %s must be at least %s", label, field, fe.Param()))
		default:
			problems = append(problems, fmt.Sprintf("%s: %s failed %s", label, field, fe.Tag()))
		}
	}

	return problems
}
