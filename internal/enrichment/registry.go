// Package enrichment augments synced tables with data from external lookup
// providers, caching every answer by source identifier.
package enrichment

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrProviderNotRegistered = errors.New("enrichment provider not registered")
	// ErrRunInProgress is returned when the enrichment profile is already running.
	ErrRunInProgress = errors.New("enrichment already in progress")
)

// Provider looks up one identifier. A nil result with a nil error means the
// remote has no record for it.
type Provider interface {
	Key() string
	Enrich(ctx context.Context, identifier string, cfg map[string]string) (map[string]any, error)
}

// CanPreprocessIdentifier is implemented by providers that normalise the
// lookup key, e.g. trimming or zero-padding. The cache keeps the original.
type CanPreprocessIdentifier interface {
	PreprocessIdentifier(identifier string) string
}

type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register stores p under its key, replacing any provider with the same key.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Key()] = p
}

func (r *Registry) Get(key string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotRegistered, key)
	}
	return p, nil
}

// All returns a copy of the registered providers by key.
func (r *Registry) All() map[string]Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Provider, len(r.providers))
	for k, p := range r.providers {
		out[k] = p
	}
	return out
}
