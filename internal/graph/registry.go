package graph

import (
	"fmt"
	"sort"
	"sync"

	"github.com/hugo-lorenzo-mato/stepwise/internal/core"
)

// Registry maps workflow types to graphs. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	graphs map[string]*Graph
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{graphs: make(map[string]*Graph)}
}

// Register validates and adds graphs.
func (r *Registry) Register(graphs ...*Graph) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, g := range graphs {
		if err := g.Validate(); err != nil {
			return err
		}
		if _, exists := r.graphs[g.Type()]; exists {
			return core.ErrConflict(core.CodeDuplicateGraph,
				fmt.Sprintf("graph %s already registered", g.Type()))
		}
		r.graphs[g.Type()] = g
	}
	return nil
}

// MustRegister is Register for startup wiring.
func (r *Registry) MustRegister(graphs ...*Graph) *Registry {
	if err := r.Register(graphs...); err != nil {
		panic(err)
	}
	return r
}

// Get returns the graph for a workflow type.
func (r *Registry) Get(workflowType string) (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.graphs[workflowType]
	if !ok {
		return nil, &core.DomainError{
			Category: core.ErrCatNotFound,
			Code:     core.CodeGraphNotFound,
			Message:  fmt.Sprintf("no graph registered for workflow type %q", workflowType),
		}
	}
	return g, nil
}

// Types lists registered workflow types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.graphs))
	for typ := range r.graphs {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}
