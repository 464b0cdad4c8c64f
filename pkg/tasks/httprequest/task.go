// Package httprequest provides the HTTP request task.
package httprequest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dukex/flowrun/pkg/protocol"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrHTTPRequestURLInvalid is returned when the configured URL is missing or not absolute.
	ErrHTTPRequestURLInvalid = errors.New("invalid HTTP request url")
	// ErrHTTPStatus is returned for responses with a status of 400 or above.
	ErrHTTPStatus = errors.New("unexpected HTTP status")
)

// Task performs one HTTP request. Retries are left to the step retry policy.
type Task struct {
	Method       string
	URL          string
	Headers      map[string]string
	Body         any
	Timeout      time.Duration
	FailOnStatus bool

	client *http.Client
}

func NewTask(config map[string]any) (*Task, error) {
	rawURL, _ := config["url"].(string)

	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrHTTPRequestURLInvalid, rawURL)
	}

	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	headers := make(map[string]string)
	if headersMap, ok := config["headers"].(map[string]any); ok {
		for k, v := range headersMap {
			headers[k] = fmt.Sprintf("%v", v)
		}
	}

	timeout := defaultTimeout
	if raw, ok := config["timeout"].(string); ok && raw != "" {
		timeout, err = time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", raw, err)
		}
	}

	failOnStatus := true
	if v, ok := config["fail_on_status"].(bool); ok {
		failOnStatus = v
	}

	return &Task{
		Method:       strings.ToUpper(method),
		URL:          rawURL,
		Headers:      headers,
		Body:         config["body"],
		Timeout:      timeout,
		FailOnStatus: failOnStatus,
		client:       &http.Client{Timeout: timeout},
	}, nil
}

func (t *Task) Execute(ctx context.Context, input protocol.TaskInput, logger *slog.Logger) (any, error) {
	logger = logger.With("module", "http_request_task", "step_id", input.StepID)
	logger.InfoContext(ctx, "Executing HTTP request", "method", t.Method, "url", t.URL)

	body, err := t.requestBody()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, t.Method, t.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	if _, isString := t.Body.(string); t.Body != nil && !isString && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}

	return t.processResponse(ctx, resp, logger)
}

func (t *Task) requestBody() (io.Reader, error) {
	switch b := t.Body.(type) {
	case nil:
		return http.NoBody, nil
	case string:
		return strings.NewReader(b), nil
	default:
		payload, err := json.Marshal(b)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}

		return bytes.NewReader(payload), nil
	}
}

func (t *Task) processResponse(ctx context.Context, resp *http.Response, logger *slog.Logger) (any, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var body any

	if err := json.Unmarshal(bodyBytes, &body); err != nil {
		body = string(bodyBytes)
	}

	headers := make(map[string]any, len(resp.Header))
	for k := range resp.Header {
		headers[k] = resp.Header.Get(k)
	}

	logger.InfoContext(ctx, "HTTP request completed", "status", resp.StatusCode, "body_length", len(bodyBytes))

	if t.FailOnStatus && resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("%w: %d %s", ErrHTTPStatus, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	return map[string]any{
		"status_code": resp.StatusCode,
		"body":        body,
		"headers":     headers,
	}, nil
}
