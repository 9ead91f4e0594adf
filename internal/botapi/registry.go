package botapi

import (
	"errors"
	"sync"
)

// ErrNoClient is returned when no client can be built for a credential reference.
var ErrNoClient = errors.New("botapi: no client for credential reference")

// Factory builds a live client from a credential reference. The factory is
// where the opaque reference is exchanged for the actual credential.
type Factory func(credentialRef string) (Client, error)

// Registry indexes live protocol clients by credential reference.
// Handles are built on first use and must be invalidated on credential
// rotation or tenant suspension; no ambient global client state.
type Registry struct {
	mu      sync.RWMutex
	factory Factory
	clients map[string]Client
}

// NewRegistry creates a client registry with the given factory.
func NewRegistry(factory Factory) *Registry {
	return &Registry{
		factory: factory,
		clients: make(map[string]Client),
	}
}

// Client returns the live handle for a credential reference, creating it if needed.
func (r *Registry) Client(credentialRef string) (Client, error) {
	if credentialRef == "" {
		return nil, ErrNoClient
	}

	r.mu.RLock()
	c, ok := r.clients[credentialRef]
	r.mu.RUnlock()
	if ok {
		return c, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[credentialRef]; ok {
		return c, nil
	}
	c, err := r.factory(credentialRef)
	if err != nil {
		return nil, err
	}
	r.clients[credentialRef] = c
	return c, nil
}

// Invalidate drops the cached handle for a credential reference.
// Called on rotation and suspension.
func (r *Registry) Invalidate(credentialRef string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, credentialRef)
}

// Len reports the number of cached handles (for tests and stats).
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}
