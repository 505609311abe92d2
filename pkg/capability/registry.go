package capability

import (
	"fmt"
	"sort"
	"sync"
)

// Schema is the declarative description of a capability handed verbatim to
// a model backend.
type Schema struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// Registry maps unique names to capabilities.
type Registry struct {
	mu    sync.RWMutex
	items map[string]Capability
}

// NewRegistry creates a registry holding caps. It fails on an empty or
// duplicate name.
func NewRegistry(caps ...Capability) (*Registry, error) {
	r := &Registry{items: make(map[string]Capability)}
	for _, c := range caps {
		if err := r.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds c to the registry.
func (r *Registry) Register(c Capability) error {
	if c == nil {
		return fmt.Errorf("capability cannot be nil")
	}
	name := c.Name()
	if name == "" {
		return fmt.Errorf("capability name is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[name]; exists {
		return fmt.Errorf("capability %s already registered", name)
	}
	r.items[name] = c
	return nil
}

// Lookup returns the capability registered under name.
func (r *Registry) Lookup(name string) (Capability, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[name]
	return c, ok
}

// List returns all capabilities sorted by name.
func (r *Registry) List() []Capability {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Capability, 0, len(r.items))
	for _, c := range r.items {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Schemas describes every registered capability, sorted by name.
func (r *Registry) Schemas() []Schema {
	caps := r.List()
	out := make([]Schema, 0, len(caps))
	for _, c := range caps {
		out = append(out, Schema{
			Name:        c.Name(),
			Description: c.Description(),
			Parameters:  c.InputSchema(),
		})
	}
	return out
}

// With returns a copy of the registry overlaid with extra. An extra
// capability replaces a registered one of the same name. The receiver is
// not modified.
func (r *Registry) With(extra ...Capability) *Registry {
	out := &Registry{items: make(map[string]Capability)}
	if r != nil {
		r.mu.RLock()
		for name, c := range r.items {
			out.items[name] = c
		}
		r.mu.RUnlock()
	}
	for _, c := range extra {
		if c != nil && c.Name() != "" {
			out.items[c.Name()] = c
		}
	}
	return out
}
