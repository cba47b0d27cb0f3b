package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
)

func TestClient_RoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	c := NewClient(ts.URL)
	ctx := context.Background()

	started, err := c.StartWorkflow(ctx, "greet", map[string]any{"name": "ada"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if started.FirstTask.Node != "start" {
		t.Errorf("first node = %q", started.FirstTask.Node)
	}

	view, err := c.Workflow(ctx, started.Workflow.ID)
	if err != nil {
		t.Fatalf("Workflow: %v", err)
	}
	if view.Type != "greet" || len(view.Tasks) != 1 {
		t.Errorf("view = %+v", view)
	}

	task, err := c.Redeliver(ctx, started.FirstTask.ID)
	if err != nil {
		t.Fatalf("Redeliver: %v", err)
	}
	if task.ID != started.FirstTask.ID {
		t.Errorf("redelivered %q", task.ID)
	}
}

func TestClient_StatusError(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.Handler())
	defer ts.Close()

	_, err := NewClient(ts.URL).Workflow(context.Background(), "missing")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("error = %v, want *StatusError", err)
	}
	if statusErr.Status != http.StatusNotFound {
		t.Errorf("status = %d", statusErr.Status)
	}
	if statusErr.Message == "" {
		t.Error("message is empty")
	}
}

func TestClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := ts.Listener.Addr().String()
	ts.Close()

	_, err := NewClient(addr).Workflow(context.Background(), "x")
	if !core.IsTransient(err) {
		t.Errorf("error = %v, want transient", err)
	}
}

func TestNewClient_AddsScheme(t *testing.T) {
	if got := NewClient("127.0.0.1:8080/").baseURL; got != "http://127.0.0.1:8080" {
		t.Errorf("baseURL = %q", got)
	}
	if got := NewClient("https://ops.example.com").baseURL; got != "https://ops.example.com" {
		t.Errorf("baseURL = %q", got)
	}
}
