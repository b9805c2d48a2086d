// Package provider implements the connector registry mapping provider ids
// from the configuration document to live gateway.Connector instances.
package provider

import (
	"fmt"
	"slices"
	"sync"

	gateway "github.com/chenpu17/cc-gw-sub003/internal"
)

// Registry maps provider ids to gateway.Connector instances.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]gateway.Connector
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]gateway.Connector)}
}

// Register adds a connector under the given provider id.
// It overwrites any previously registered connector with the same id.
func (r *Registry) Register(id string, c gateway.Connector) {
	r.mu.Lock()
	r.providers[id] = c
	r.mu.Unlock()
}

// Get returns the connector registered under id, or an error if not found.
func (r *Registry) Get(id string) (gateway.Connector, error) {
	r.mu.RLock()
	p, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", id)
	}
	return p, nil
}

// List returns a sorted slice of all registered provider ids.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := slices.Collect(func(yield func(string) bool) {
		for name := range r.providers {
			if !yield(name) {
				return
			}
		}
	})
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
