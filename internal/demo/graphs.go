// Package demo holds the workflow graphs bundled with the stepwise binary.
package demo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
	"github.com/hugo-lorenzo-mato/stepwise/internal/graph"
)

// Workflow types.
const (
	TypeGreeting  = "greeting"
	TypeCountdown = "countdown"
	TypeDeadline  = "deadline"
)

// Graphs returns every bundled graph.
func Graphs() []*graph.Graph {
	return []*graph.Graph{Greeting(), Countdown(), Deadline()}
}

// Register adds the bundled graphs to reg.
func Register(reg *graph.Registry) error {
	return reg.Register(Graphs()...)
}

// Greeting builds a greeting from data["name"] and stores it in data["greeting"].
// A missing name fails the task.
func Greeting() *graph.Graph {
	return graph.New(TypeGreeting).
		Add(
			&graph.Node{Name: "start", Run: func(_ context.Context, in graph.Input) core.Outcome {
				name, _ := in.Workflow.Get("name")
				if s, ok := name.(string); !ok || s == "" {
					return core.Fail(errors.New("data.name is required"))
				}
				return core.Continue()
			}},
			&graph.Node{Name: "greet", Run: func(_ context.Context, in graph.Input) core.Outcome {
				name, _ := in.Workflow.Get("name")
				in.Workflow.Set("greeting", fmt.Sprintf("hello, %s", name))
				return core.Continue()
			}},
			&graph.Node{Name: "end", Run: noop},
		).
		Edge("start", "greet").
		Edge("greet", "end")
}

// Countdown loops on "tick" until data["count"] reaches zero.
func Countdown() *graph.Graph {
	return graph.New(TypeCountdown).
		Add(
			&graph.Node{Name: "start", Run: func(_ context.Context, in graph.Input) core.Outcome {
				if _, ok := in.Workflow.Get("count"); !ok {
					in.Workflow.Set("count", 3)
				}
				return core.Continue()
			}},
			&graph.Node{Name: "tick", WantsTask: true, Run: func(_ context.Context, in graph.Input) core.Outcome {
				raw, _ := in.Workflow.Get("count")
				n, ok := asInt(raw)
				if !ok {
					return core.Fail(fmt.Errorf("data.count is not a number: %v", raw))
				}
				if n <= 0 {
					return core.Success("end")
				}
				in.Workflow.Set("count", n-1)
				in.Workflow.Set("last_tick", string(in.Task.ID))
				return core.Success("tick")
			}},
			&graph.Node{Name: "end", Run: noop},
		).
		Edge("start", "tick").
		Edge("tick", "tick", "end")
}

// Deadline sleeps for data["sleep"] in a node limited to one second. Sleeps
// past the limit are routed to call_error.
func Deadline() *graph.Graph {
	return graph.New(TypeDeadline, graph.WithRecordErrors(), graph.WithErrorSuccessor("call_error")).
		Add(
			&graph.Node{Name: "start", Timeout: time.Second, Run: func(ctx context.Context, in graph.Input) core.Outcome {
				raw, _ := in.Workflow.Get("sleep")
				d, err := time.ParseDuration(fmt.Sprint(raw))
				if raw == nil || err != nil {
					d = 0
				}
				select {
				case <-time.After(d):
					return core.Continue()
				case <-ctx.Done():
					return core.Fail(ctx.Err())
				}
			}},
			&graph.Node{Name: "end", Run: noop},
			&graph.Node{Name: "call_error", Run: func(_ context.Context, in graph.Input) core.Outcome {
				in.Workflow.Set("recovered", true)
				return core.Continue()
			}},
		).
		Edge("start", "end", "call_error")
}

func noop(context.Context, graph.Input) core.Outcome { return core.Continue() }

// asInt accepts the numeric shapes data takes after a JSON round trip.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
