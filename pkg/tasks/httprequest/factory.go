package httprequest

import (
	"context"

	"github.com/dukex/flowrun/pkg/protocol"
)

// TaskFactory creates HTTP request tasks.
type TaskFactory struct{}

func NewTaskFactory() *TaskFactory {
	return &TaskFactory{}
}

func (*TaskFactory) Create(_ context.Context, config map[string]any) (protocol.Task, error) {
	return NewTask(config)
}

func (*TaskFactory) ID() string {
	return "http_request"
}

func (*TaskFactory) Name() string {
	return "HTTP Request"
}

func (*TaskFactory) Description() string {
	return "Performs an HTTP request and returns its status, headers and decoded body."
}

func (*TaskFactory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Absolute URL. Supports templating with step results.",
				"examples": []string{
					"https://api.example.com/users",
					"https://api.example.com/users/{{ .step_results.get_user.id }}",
				},
			},
			"method": map[string]any{
				"type":    "string",
				"default": "GET",
				"enum":    []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"},
			},
			"headers": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"body": map[string]any{
				"description": "Request body. Objects and arrays are sent as JSON.",
			},
			"timeout": map[string]any{
				"type":    "string",
				"default": "30s",
			},
			"fail_on_status": map[string]any{
				"type":        "boolean",
				"default":     true,
				"description": "Fail the task when the response status is 400 or above.",
			},
		},
		"required": []string{"url"},
	}
}
