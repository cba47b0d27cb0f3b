// Package graph defines process graphs: named nodes, their default
// successor edges and the node reached when an attempt times out.
package graph

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
)

// Input is what a node receives. Task is nil unless the node wants it.
type Input struct {
	Workflow *core.Workflow
	Task     *core.Task
}

// Func is the executable logic of a node. It must observe ctx cancellation.
type Func func(ctx context.Context, in Input) core.Outcome

// Node is an immutable step of a graph.
type Node struct {
	Name      string
	WantsTask bool
	// Timeout overrides the executor default when positive.
	Timeout time.Duration
	Run     Func
}

// Graph is one process shape.
type Graph struct {
	typ            string
	start          string
	errorSuccessor string
	recordErrors   bool
	nodes          map[string]*Node
	order          []string
	edges          map[string][]string
}

// Option configures a Graph.
type Option func(*Graph)

// WithStart names the node a new workflow begins at. Defaults to the first node added.
func WithStart(name string) Option {
	return func(g *Graph) { g.start = name }
}

// WithErrorSuccessor names the successor taken when an attempt times out.
// Without it the executor's configured name is used.
func WithErrorSuccessor(name string) Option {
	return func(g *Graph) { g.errorSuccessor = name }
}

// WithRecordErrors declares that workflows of this graph keep a diagnostic error field.
func WithRecordErrors() Option {
	return func(g *Graph) { g.recordErrors = true }
}

// New creates an empty graph of the given workflow type.
func New(workflowType string, opts ...Option) *Graph {
	g := &Graph{
		typ:   workflowType,
		nodes: make(map[string]*Node),
		edges: make(map[string][]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Add registers nodes. Adding a name twice panics; graphs are built at startup.
func (g *Graph) Add(nodes ...*Node) *Graph {
	for _, n := range nodes {
		if _, exists := g.nodes[n.Name]; exists {
			panic(fmt.Sprintf("graph %s: duplicate node %q", g.typ, n.Name))
		}
		g.nodes[n.Name] = n
		g.order = append(g.order, n.Name)
		if g.start == "" {
			g.start = n.Name
		}
	}
	return g
}

// Edge declares default successors of from, in order.
func (g *Graph) Edge(from string, to ...string) *Graph {
	g.edges[from] = append(g.edges[from], to...)
	return g
}

// Type returns the workflow type this graph runs.
func (g *Graph) Type() string { return g.typ }

// Start returns the initial node.
func (g *Graph) Start() (*Node, bool) {
	return g.Node(g.start)
}

// Node looks up a node by name.
func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Nodes returns all node names in insertion order.
func (g *Graph) Nodes() []string {
	return append([]string(nil), g.order...)
}

// RecordsErrors reports whether workflows of this graph keep a diagnostic error.
func (g *Graph) RecordsErrors() bool { return g.recordErrors }

// Declared returns every declared successor of from, including the error successor.
func (g *Graph) Declared(from string) []*Node {
	out := make([]*Node, 0, len(g.edges[from]))
	for _, name := range g.edges[from] {
		if n, ok := g.nodes[name]; ok {
			out = append(out, n)
		}
	}
	return out
}

// Next returns the default successors followed after a plain success.
// The error successor named by fallback (or the graph's own designation)
// is reached only on timeout and is skipped here.
func (g *Graph) Next(from, fallback string) []*Node {
	errName := g.errorSuccessorName(fallback)
	var out []*Node
	for _, n := range g.Declared(from) {
		if n.Name == errName {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Successor finds a declared successor of from by name.
func (g *Graph) Successor(from, name string) (*Node, bool) {
	for _, n := range g.Declared(from) {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

// ErrorSuccessor returns the declared error-handling successor of from.
// The graph's own designation wins over fallback.
func (g *Graph) ErrorSuccessor(from, fallback string) (*Node, bool) {
	name := g.errorSuccessorName(fallback)
	if name == "" {
		return nil, false
	}
	return g.Successor(from, name)
}

func (g *Graph) errorSuccessorName(fallback string) string {
	if g.errorSuccessor != "" {
		return g.errorSuccessor
	}
	return fallback
}

// Validate checks that the start node and all edge endpoints exist and
// every node has logic.
func (g *Graph) Validate() error {
	if g.typ == "" {
		return core.ErrValidation(core.CodeInvalidGraph, "graph type cannot be empty")
	}
	if _, ok := g.nodes[g.start]; !ok {
		return core.ErrValidation(core.CodeInvalidGraph,
			fmt.Sprintf("graph %s: start node %q not defined", g.typ, g.start))
	}
	for _, name := range g.order {
		if g.nodes[name].Run == nil {
			return core.ErrValidation(core.CodeInvalidGraph,
				fmt.Sprintf("graph %s: node %q has no logic", g.typ, name))
		}
	}
	froms := make([]string, 0, len(g.edges))
	for from := range g.edges {
		froms = append(froms, from)
	}
	sort.Strings(froms)
	for _, from := range froms {
		if _, ok := g.nodes[from]; !ok {
			return core.ErrValidation(core.CodeInvalidGraph,
				fmt.Sprintf("graph %s: edge from unknown node %q", g.typ, from))
		}
		for _, to := range g.edges[from] {
			if _, ok := g.nodes[to]; !ok {
				return core.ErrValidation(core.CodeInvalidGraph,
					fmt.Sprintf("graph %s: edge %s -> %s targets unknown node", g.typ, from, to))
			}
		}
	}
	return nil
}
