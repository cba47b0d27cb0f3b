package executor

import (
	"context"
	"fmt"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
	"github.com/hugo-lorenzo-mato/stepwise/internal/graph"
)

// Planner computes and creates successor tasks. It only ever adds tasks.
type Planner struct {
	errorSuccessor string
}

// NewPlanner creates a planner. errorSuccessor is the fallback name of the
// timeout successor, excluded from default edges.
func NewPlanner(errorSuccessor string) *Planner {
	return &Planner{errorSuccessor: errorSuccessor}
}

// Plan returns the successor nodes of from. With no hint the graph's default
// edges are used; otherwise every hinted name must be a node of g.
func (p *Planner) Plan(g *graph.Graph, from string, hint []string) ([]*graph.Node, error) {
	if len(hint) == 0 {
		return g.Next(from, p.errorSuccessor), nil
	}
	nodes := make([]*graph.Node, 0, len(hint))
	for _, name := range hint {
		n, ok := g.Node(name)
		if !ok {
			return nil, core.ErrExecution(core.CodeUnknownSuccessor,
				fmt.Sprintf("node %s returned unknown successor %q", from, name))
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// ErrorSuccessor returns the timeout successor declared on from, if any.
func (p *Planner) ErrorSuccessor(g *graph.Graph, from string) (*graph.Node, bool) {
	return g.ErrorSuccessor(from, p.errorSuccessor)
}

// Materialize creates one pending task per node, linked to parent.
func (p *Planner) Materialize(ctx context.Context, tx core.Tx, parent *core.Task, nodes []*graph.Node) ([]*core.Task, error) {
	created := make([]*core.Task, 0, len(nodes))
	for _, n := range nodes {
		t := parent.Successor(n.Name)
		if err := tx.CreateTask(ctx, t); err != nil {
			return nil, err
		}
		created = append(created, t)
	}
	return created, nil
}
