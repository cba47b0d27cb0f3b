package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
)

// Client talks to a running worker's API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a client for addr, which may be host:port or a URL.
func NewClient(addr string) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// StartWorkflow creates a workflow on the worker.
func (c *Client) StartWorkflow(ctx context.Context, workflowType string, data map[string]any) (*StartWorkflowResponse, error) {
	var out StartWorkflowResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/workflows", StartWorkflowRequest{Type: workflowType, Data: data}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Workflow fetches a workflow and its tasks.
func (c *Client) Workflow(ctx context.Context, id core.WorkflowID) (*WorkflowView, error) {
	var out WorkflowView
	if err := c.do(ctx, http.MethodGet, "/api/v1/workflows/"+url.PathEscape(string(id)), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Redeliver asks the worker to deliver a pending task again.
func (c *Client) Redeliver(ctx context.Context, id core.TaskID) (*TaskView, error) {
	var out TaskView
	if err := c.do(ctx, http.MethodPost, "/api/v1/tasks/"+url.PathEscape(string(id))+"/redeliver", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return core.ErrTransient(core.CodeAPIUnreachable, "worker api unreachable").WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
			msg = payload.Error
		}
		return &StatusError{Status: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
