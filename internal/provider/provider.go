// Package provider implements the registry for usage provider adapters
// and the pace derivation shared by all of them.
package provider

import (
	"context"
	"fmt"
	"slices"
	"sync"

	core "github.com/eugener/palantir/internal"
)

// UsageProvider fetches one provider's rate-limit snapshot. Fetch is the
// only suspension point; implementations bound it with a timeout and
// return typed core errors on failure.
type UsageProvider interface {
	// ID returns the provider identifier (e.g. "claude", "codex").
	ID() string
	// Label returns the human-facing provider name.
	Label() string
	// FetchUsage retrieves a fresh snapshot from the upstream.
	FetchUsage(ctx context.Context) (core.ProviderSnapshot, error)
}

// Registry maps provider IDs to UsageProvider instances.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]UsageProvider
}

// NewRegistry returns an empty, ready-to-use Registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]UsageProvider)}
}

// Register adds a provider under its ID, overwriting any previous
// registration.
func (r *Registry) Register(p UsageProvider) {
	r.mu.Lock()
	r.providers[p.ID()] = p
	r.mu.Unlock()
}

// Get returns the provider registered under id, or an error if not found.
func (r *Registry) Get(id string) (UsageProvider, error) {
	r.mu.RLock()
	p, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q not registered", id)
	}
	return p, nil
}

// List returns a sorted slice of all registered provider IDs.
func (r *Registry) List() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}
