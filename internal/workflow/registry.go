package workflow

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps workflow names to implementations.
type Registry struct {
	mu        sync.RWMutex
	workflows map[Name]Workflow
}

// NewRegistry creates a registry holding wfs.
func NewRegistry(wfs ...Workflow) *Registry {
	r := &Registry{workflows: make(map[Name]Workflow, len(wfs))}
	for _, wf := range wfs {
		r.Register(wf)
	}
	return r
}

// Register adds wf. It panics on an empty or duplicate name, which is a
// wiring bug.
func (r *Registry) Register(wf Workflow) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := wf.Name()
	if name == "" {
		panic("workflow: register with empty name")
	}
	if _, exists := r.workflows[name]; exists {
		panic(fmt.Sprintf("workflow: %q registered twice", name))
	}
	r.workflows[name] = wf
}

// Get returns the workflow registered under name.
func (r *Registry) Get(name Name) (Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[name]
	return wf, ok
}

// List returns every workflow sorted by name.
func (r *Registry) List() []Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, wf)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Len returns the number of registered workflows.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workflows)
}
