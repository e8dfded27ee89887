// Package executor invokes downstream executor services over HTTP and
// classifies the outcome of each step attempt. An Invoker turns a task
// into a terminal result; the Breaking decorator guards invocations
// with per-target circuit breakers.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cascadehq/cascade/id"
	"github.com/cascadehq/cascade/task"
)

// Invoker executes one task attempt against its target service.
// A non-nil Result with Success=false is a classified step failure;
// a non-nil error means the invocation itself could not be performed.
type Invoker interface {
	Invoke(ctx context.Context, t *task.Task) (*task.Result, error)
}

// Resolver maps a target service name to its base URL.
type Resolver func(targetService string) (string, error)

// StaticResolver resolves targets from a fixed map.
func StaticResolver(endpoints map[string]string) Resolver {
	return func(target string) (string, error) {
		base, ok := endpoints[target]
		if !ok {
			return "", fmt.Errorf("executor: no endpoint for target service %q", target)
		}
		return base, nil
	}
}

// invokeRequest is the wire format sent to executor services.
type invokeRequest struct {
	TaskID       id.TaskID       `json:"task_id"`
	InstanceID   id.InstanceID   `json:"instance_id"`
	StepID       string          `json:"step_id"`
	Compensation bool            `json:"compensation,omitempty"`
	Attempt      int             `json:"attempt"`
	Input        json.RawMessage `json:"input,omitempty"`
}

// invokeResponse is the wire format returned by executor services.
type invokeResponse struct {
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  *errorDetail    `json:"error,omitempty"`
}

type errorDetail struct {
	Message   string `json:"message"`
	Permanent bool   `json:"permanent,omitempty"`
}

const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
)

// HTTP invokes executor services with POST {base}/v1/execute.
type HTTP struct {
	client  *http.Client
	resolve Resolver
	logger  *slog.Logger
}

// HTTPOption configures an HTTP invoker.
type HTTPOption func(*HTTP)

// WithClient overrides the underlying HTTP client.
func WithClient(c *http.Client) HTTPOption {
	return func(h *HTTP) {
		if c != nil {
			h.client = c
		}
	}
}

// WithLogger sets the invoker's logger.
func WithLogger(l *slog.Logger) HTTPOption {
	return func(h *HTTP) {
		if l != nil {
			h.logger = l
		}
	}
}

// NewHTTP creates an HTTP invoker that resolves targets via resolve.
func NewHTTP(resolve Resolver, opts ...HTTPOption) *HTTP {
	h := &HTTP{
		client:  &http.Client{},
		resolve: resolve,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Invoke sends the task to its target service and classifies the
// outcome. Timeouts and transport errors come back as retryable failed
// results with Timeout set where the deadline was the cause.
func (h *HTTP) Invoke(ctx context.Context, t *task.Task) (*task.Result, error) {
	base, err := h.resolve(t.TargetService)
	if err != nil {
		// Unroutable targets cannot succeed on retry.
		return failure(t, err.Error(), true, false), nil
	}

	if t.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	stepID := t.StepID
	if t.Compensation && t.CompensationStepID != "" {
		stepID = t.CompensationStepID
	}
	body, err := json.Marshal(invokeRequest{
		TaskID:       t.ID,
		InstanceID:   t.InstanceID,
		StepID:       stepID,
		Compensation: t.Compensation,
		Attempt:      t.Attempt,
		Input:        t.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("executor: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("executor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return failure(t, "invocation deadline exceeded", false, true), nil
		}
		return failure(t, err.Error(), false, false), nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return failure(t, fmt.Sprintf("read response: %v", err), false, false), nil
	}

	switch {
	case resp.StatusCode >= 500:
		return failure(t, fmt.Sprintf("target returned %d", resp.StatusCode), false, false), nil
	case resp.StatusCode >= 400:
		// 4xx means the request itself is wrong; retrying will not help.
		return failure(t, fmt.Sprintf("target rejected request with %d", resp.StatusCode), true, false), nil
	}

	var out invokeResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return failure(t, fmt.Sprintf("malformed response: %v", err), false, false), nil
	}

	res := &task.Result{
		TaskID:     t.ID,
		Duration:   time.Since(start),
		FinishedAt: time.Now().UTC(),
	}
	switch out.Status {
	case statusSucceeded:
		res.Success = true
		res.Output = out.Output
	case statusFailed:
		res.Error = "step failed"
		if out.Error != nil {
			res.Error = out.Error.Message
			res.Permanent = out.Error.Permanent
		}
	default:
		res.Error = fmt.Sprintf("unknown response status %q", out.Status)
	}
	return res, nil
}

func failure(t *task.Task, msg string, permanent, timeout bool) *task.Result {
	return &task.Result{
		TaskID:     t.ID,
		Error:      msg,
		Permanent:  permanent,
		Timeout:    timeout,
		FinishedAt: time.Now().UTC(),
	}
}
