package config

import (
	"fmt"
	"sync"
)

// ProviderRegistry stores provider configurations with thread-safe access.
type ProviderRegistry struct {
	providers map[string]*ProviderConfig
	mu        sync.RWMutex
}

// NewProviderRegistry creates a registry from the given map. The input is
// copied so later mutation of the source map has no effect.
func NewProviderRegistry(providers map[string]*ProviderConfig) *ProviderRegistry {
	copied := make(map[string]*ProviderConfig, len(providers))
	for k, v := range providers {
		copied[k] = v
	}
	return &ProviderRegistry{providers: copied}
}

// Get retrieves a provider configuration by name.
func (r *ProviderRegistry) Get(name string) (*ProviderConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return p, nil
}

// Has checks whether a provider exists in the registry.
func (r *ProviderRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.providers[name]
	return ok
}

// Enabled returns the names of all enabled providers.
func (r *ProviderRegistry) Enabled() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name, p := range r.providers {
		if p.Enabled {
			names = append(names, name)
		}
	}
	return names
}

// GetAll returns a copy of all provider configurations.
func (r *ProviderRegistry) GetAll() map[string]*ProviderConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]*ProviderConfig, len(r.providers))
	for k, v := range r.providers {
		out[k] = v
	}
	return out
}

// Len returns the number of registered providers.
func (r *ProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}
