package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

// Condition operators understood by ConditionEvaluator.
const (
	OperatorEquals             = "equals"
	OperatorNotEquals          = "notEquals"
	OperatorGreaterThan        = "greaterThan"
	OperatorGreaterThanOrEqual = "greaterThanOrEqual"
	OperatorLessThan           = "lessThan"
	OperatorLessThanOrEqual    = "lessThanOrEqual"
	OperatorExists             = "exists"
	OperatorAll                = "all"
	OperatorAny                = "any"
	OperatorNot                = "not"
)

var ErrInvalidCondition = errors.New("invalid condition")

type Conditional interface {
	Evaluate(expr any, results map[string]any) (bool, error)
}

// ConditionEvaluator evaluates condition trees against step results.
//
// A tree is either a literal (bool, "true"/"false", number, nil) or an object
// with an "operator" key:
//
//	{"operator": "equals", "left": {"ref": "x"}, "right": 5}
//	{"operator": "all", "conditions": [...]}
//	{"operator": "not", "condition": {...}}
//	{"operator": "exists", "operand": "$fetch.body.id"}
//
// Operands reference step results with {"ref": "step.path"} or "$step.path".
// An ordering comparison with an unresolved or null operand is false, the same
// as equals against a missing result. A null or empty literal is invalid.
type ConditionEvaluator struct{}

func (e ConditionEvaluator) Evaluate(expr any, results map[string]any) (bool, error) {
	node, ok := expr.(map[string]any)
	if !ok {
		return truthy(expr)
	}

	op, _ := node["operator"].(string)
	switch op {
	case OperatorEquals, OperatorNotEquals:
		left, _ := resolve(node["left"], results)
		right, _ := resolve(node["right"], results)
		eq := valuesEqual(left, right)
		if op == OperatorNotEquals {
			return !eq, nil
		}

		return eq, nil
	case OperatorGreaterThan, OperatorGreaterThanOrEqual, OperatorLessThan, OperatorLessThanOrEqual:
		left, lfound := resolve(node["left"], results)
		right, rfound := resolve(node["right"], results)

		if !lfound || !rfound || left == nil || right == nil {
			return false, nil
		}

		return compare(op, left, right)
	case OperatorExists:
		v, found := resolve(node["operand"], results)
		return found && v != nil, nil
	case OperatorAll, OperatorAny:
		conditions, ok := node["conditions"].([]any)
		if !ok {
			return false, fmt.Errorf("%w: %s requires a conditions list", ErrInvalidCondition, op)
		}

		for _, c := range conditions {
			r, err := e.Evaluate(c, results)
			if err != nil {
				return false, err
			}

			if op == OperatorAny && r {
				return true, nil
			}

			if op == OperatorAll && !r {
				return false, nil
			}
		}

		return op == OperatorAll, nil
	case OperatorNot:
		r, err := e.Evaluate(node["condition"], results)
		if err != nil {
			return false, err
		}

		return !r, nil
	case "":
		return false, fmt.Errorf("%w: missing operator", ErrInvalidCondition)
	default:
		return false, fmt.Errorf("%w: unknown operator %q", ErrInvalidCondition, op)
	}
}

func truthy(exp any) (bool, error) {
	if exp == nil {
		return false, fmt.Errorf("%w: empty condition", ErrInvalidCondition)
	}

	switch v := exp.(type) {
	case bool:
		return v, nil
	case string:
		if v == "" {
			return false, fmt.Errorf("%w: empty condition", ErrInvalidCondition)
		}

		result, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%w: cannot convert string %q to boolean", ErrInvalidCondition, v)
		}

		return result, nil
	case int:
		return v != 0, nil
	case int64:
		return v != 0, nil
	case float64:
		return v != 0, nil
	default:
		return false, fmt.Errorf("%w: cannot convert %T to boolean", ErrInvalidCondition, exp)
	}
}

// resolve returns the operand value, dereferencing step result paths.
func resolve(operand any, results map[string]any) (any, bool) {
	var path string

	switch v := operand.(type) {
	case map[string]any:
		ref, ok := v["ref"].(string)
		if !ok {
			return v, true
		}

		path = ref
	case string:
		if !strings.HasPrefix(v, "$") {
			return v, true
		}

		path = strings.TrimPrefix(v, "$")
	default:
		return operand, true
	}

	path = strings.TrimPrefix(path, "stepResults.")
	parts := strings.Split(path, ".")

	current, ok := results[parts[0]]
	if !ok {
		return nil, false
	}

	for _, key := range parts[1:] {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}

		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}

	return current, true
}

func valuesEqual(left, right any) bool {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		return lf == rf
	}

	return reflect.DeepEqual(left, right)
}

func compare(op string, left, right any) (bool, error) {
	var cmp int

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)

	switch {
	case lok && rok:
		switch {
		case lf < rf:
			cmp = -1
		case lf > rf:
			cmp = 1
		}
	default:
		ls, lsok := left.(string)
		rs, rsok := right.(string)
		if !lsok || !rsok {
			return false, fmt.Errorf("%w: cannot compare %T with %T", ErrInvalidCondition, left, right)
		}

		cmp = strings.Compare(ls, rs)
	}

	switch op {
	case OperatorGreaterThan:
		return cmp > 0, nil
	case OperatorGreaterThanOrEqual:
		return cmp >= 0, nil
	case OperatorLessThan:
		return cmp < 0, nil
	default:
		return cmp <= 0, nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
