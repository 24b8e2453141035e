// Package workflow holds the workflow definitions a process knows about and
// loads them from YAML.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/snarktank/antfarm/pkg/api"
)

// Registry is an in-memory api.SpecProvider. Only validated definitions are
// admitted.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*api.WorkflowSpec
}

var _ api.SpecProvider = (*Registry)(nil)

func NewRegistry() *Registry {
	return &Registry{
		byID: make(map[string]*api.WorkflowSpec),
	}
}

// Register validates spec and adds it. Registering an id twice is an error.
func (r *Registry) Register(spec api.WorkflowSpec) error {
	if err := Validate(&spec); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[spec.ID]; exists {
		return fmt.Errorf("workflow %q already registered", spec.ID)
	}
	r.byID[spec.ID] = &spec
	return nil
}

// Replace validates spec and adds it, overwriting any definition with the
// same id. Runs already started keep the steps they were created with.
func (r *Registry) Replace(spec api.WorkflowSpec) error {
	if err := Validate(&spec); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[spec.ID] = &spec
	return nil
}

func (r *Registry) Workflow(ctx context.Context, id string) (*api.WorkflowSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	spec, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", id, api.ErrWorkflowNotFound)
	}
	cp := *spec
	cp.Agents = append([]api.AgentSpec(nil), spec.Agents...)
	cp.Steps = append([]api.StepSpec(nil), spec.Steps...)
	return &cp, nil
}

// IDs returns the registered workflow ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Agents returns the fully qualified agent ids of every registered workflow.
func (r *Registry) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, spec := range r.byID {
		for _, st := range spec.Steps {
			seen[api.AgentID(spec.ID, st.Agent)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
