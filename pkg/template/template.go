// Package template renders text/template expressions found in step
// configuration against the results of earlier steps.
package template

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// Data is the context exposed to templates.
type Data struct {
	WorkflowID  string
	ExecutionID string
	StepResults map[string]any
	Variables   map[string]any
}

func (d Data) toMap() map[string]any {
	return map[string]any{
		"step_results": d.StepResults,
		"steps":        d.StepResults,
		"variables":    d.Variables,
		"vars":         d.Variables,
		"env":          getEnvVars(),
		"execution": map[string]any{
			"id":          d.ExecutionID,
			"workflow_id": d.WorkflowID,
		},
	}
}

func RenderWithData(input string, data Data) (any, error) {
	return Render(input, data.toMap())
}

// NeedsTemplating reports whether input contains a template action.
func NeedsTemplating(input string) bool {
	return strings.Contains(input, "{{")
}

// RenderConfig returns a copy of config with every templated string value,
// at any depth, replaced by its rendered value.
func RenderConfig(config map[string]any, data Data) (map[string]any, error) {
	if config == nil {
		return nil, nil
	}

	ctx := data.toMap()

	rendered, err := renderValue(config, ctx)
	if err != nil {
		return nil, err
	}

	return rendered.(map[string]any), nil
}

func renderValue(value any, ctx map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		if !NeedsTemplating(v) {
			return v, nil
		}

		return Render(v, ctx)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			r, err := renderValue(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}

			out[key] = r
		}

		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			r, err := renderValue(item, ctx)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}

			out[i] = r
		}

		return out, nil
	default:
		return value, nil
	}
}

func Parse(templateStr string) (*template.Template, error) {
	return template.
		New("transform").
		Option("missingkey=zero").
		Funcs(template.FuncMap{
			"now": func() string {
				return time.Now().UTC().Format(time.RFC3339)
			},
			"rand": func(max int) int {
				if max <= 0 {
					return 0
				}
				num := make([]byte, 1)
				_, err := rand.Read(num)
				if err != nil {
					return 0
				}

				return int(num[0]) % max
			},
			"json": func(v any) (string, error) {
				b, err := json.Marshal(v)
				return string(b), err
			},
		}).Parse(templateStr)
}

// Render executes templateStr against data. Output that looks like JSON, a
// number or a boolean is decoded into that type.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", templateStr, err)
	}

	var buf strings.Builder

	err = tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", templateStr, err)
	}

	result := strings.TrimSpace(buf.String())
	if (strings.HasPrefix(result, "{") && strings.HasSuffix(result, "}")) ||
		(strings.HasPrefix(result, "[") && strings.HasSuffix(result, "]")) {
		var jsonResult any

		err := json.Unmarshal([]byte(result), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return jsonResult, fmt.Errorf("failed to parse json '%s': %w", templateStr, err)
	}

	if num, err := strconv.ParseFloat(result, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(result); err == nil {
		return b, nil
	}

	return result, nil
}

func getEnvVars() map[string]any {
	envMap := make(map[string]any)

	for _, env := range os.Environ() {
		parts := strings.SplitN(env, "=", 2)
		if len(parts) == 2 {
			envMap[parts[0]] = parts[1]
		}
	}

	return envMap
}
