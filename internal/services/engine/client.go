// Package engine is the HTTP client of the external workflow engine.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowdeploy-go/internal/domain/execution"
	"github.com/flowdeploy-go/pkg/config"
	"github.com/flowdeploy-go/pkg/logger"
	"github.com/flowdeploy-go/pkg/metrics"
	"github.com/flowdeploy-go/pkg/resilience"
)

// ExecuteRequest asks the engine to run a workflow over staged inputs.
// Timeout is in seconds; -1 returns as soon as the run is queued.
type ExecuteRequest struct {
	WorkflowID     string                        `json:"workflow_id"`
	PipelineID     string                        `json:"pipeline_id"`
	ExecutionID    string                        `json:"execution_id"`
	OrganizationID string                        `json:"organization_id"`
	Files          map[string]execution.FileHash `json:"files"`
	Timeout        int                           `json:"timeout"`
}

// StatusError is a non-2xx engine response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("workflow engine returned %d: %s", e.Code, e.Message)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *resilience.CircuitBreaker
	logger     logger.Logger
}

func NewClient(cfg config.EngineConfig, log logger.Logger) (*Client, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid engine url %q", cfg.URL)
	}

	limit := rate.Inf
	if cfg.RPS > 0 {
		limit = rate.Limit(cfg.RPS)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig(cfg.BreakerName)
	breakerCfg.IsSuccessful = countsAsSuccess

	return &Client{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		// Deadlines come from the caller's context
		httpClient: &http.Client{Transport: http.DefaultTransport},
		limiter:    rate.NewLimiter(limit, burst),
		breaker:    resilience.NewCircuitBreaker(breakerCfg),
		logger:     log,
	}, nil
}

// countsAsSuccess keeps caller mistakes from tripping the breaker.
func countsAsSuccess(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Code < 500
}

func (c *Client) ExecuteAsync(ctx context.Context, req ExecuteRequest) (*execution.Result, error) {
	var result execution.Result
	if err := c.do(ctx, "execute", http.MethodPost, "/api/v1/executions", req, &result); err != nil {
		return nil, err
	}
	if result.ExecutionID == "" {
		result.ExecutionID = req.ExecutionID
	}
	if result.WorkflowID == "" {
		result.WorkflowID = req.WorkflowID
	}
	return &result, nil
}

func (c *Client) GetStatus(ctx context.Context, executionID string) (*execution.Result, error) {
	var result execution.Result
	err := c.do(ctx, "status", http.MethodGet, "/api/v1/executions/"+url.PathEscape(executionID), nil, &result)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, execution.ErrNotFound
		}
		return nil, err
	}
	return &result, nil
}

// Acknowledge tells the engine the caller has received a terminal result so
// it may release it.
func (c *Client) Acknowledge(ctx context.Context, executionID string) error {
	return c.do(ctx, "acknowledge", http.MethodPost, "/api/v1/executions/"+url.PathEscape(executionID)+"/acknowledge", nil, nil)
}

func (c *Client) do(ctx context.Context, op, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		metrics.RecordEngineRequest(op, "throttled")
		return fmt.Errorf("engine request throttled: %w", err)
	}

	start := time.Now()
	_, err := c.breaker.Execute(ctx, func(ctx context.Context) (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, body, out)
	})

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.RecordEngineRequest(op, result)
	c.logger.Debug("Workflow engine call", "operation", op, "duration", time.Since(start).String(), "error", err)
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode engine request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("workflow engine unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Message: errorMessage(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode engine response: %w", err)
	}
	return nil
}

func errorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return s
	}
	return "no error detail"
}
