package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the configured adapters keyed by provider id.
//
// Registry is safe for concurrent use. Adapters are registered at startup and
// may be replaced when provider configuration is reloaded.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds an adapter. It fails if the id is taken or the adapter's
// declared capabilities disagree with the interfaces it implements.
func (r *Registry) Register(p Provider) error {
	if p.ID() == "" {
		return fmt.Errorf("provider id is required")
	}
	if err := checkDeclared(p); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[p.ID()]; exists {
		return fmt.Errorf("provider %q already registered", p.ID())
	}
	r.providers[p.ID()] = p
	return nil
}

// Replace installs p, closing any adapter previously registered under its id.
func (r *Registry) Replace(p Provider) error {
	if err := checkDeclared(p); err != nil {
		return err
	}

	r.mu.Lock()
	old := r.providers[p.ID()]
	r.providers[p.ID()] = p
	r.mu.Unlock()

	if old != nil && old != p {
		return old.Close()
	}
	return nil
}

// Get returns the adapter for id. Unknown ids yield ErrNotFound.
func (r *Registry) Get(id string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	if !ok {
		return nil, NewError("Resolve", id, "", Errorf(ErrNotFound, "provider %q is not configured", id))
	}
	return p, nil
}

// Remove unregisters and closes the adapter for id.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	p, ok := r.providers[id]
	delete(r.providers, id)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return p.Close()
}

// IDs returns the registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close closes every adapter and empties the registry.
func (r *Registry) Close() error {
	r.mu.Lock()
	providers := r.providers
	r.providers = make(map[string]Provider)
	r.mu.Unlock()

	var firstErr error
	for _, p := range providers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
