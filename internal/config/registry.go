package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/soundio/pkg/device"
)

// ErrBackendNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested backend name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// BackendFactory constructs an audio backend. The returned backend is owned
// by the caller, who must Close it.
type BackendFactory func() (device.Backend, error)

// Registry maps backend names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]BackendFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]BackendFactory)}
}

// Register registers a backend factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) Register(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// Names returns the registered backend names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

// Create instantiates the backend registered under name.
// Returns [ErrBackendNotRegistered] if no factory has been registered for it.
func (r *Registry) Create(name string) (device.Backend, error) {
	r.mu.RLock()
	factory, ok := r.backends[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotRegistered, name)
	}
	b, err := factory()
	if err != nil {
		return nil, fmt.Errorf("config: create backend %q: %w", name, err)
	}
	return b, nil
}
