package statemachine

import (
	"sync"

	"github.com/rs/zerolog"
)

// Registry holds one machine per session id. A connection owns exactly
// one registry; registries are never shared across connections.
type Registry struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		machines: make(map[string]*Machine),
		logger:   logger,
	}
}

// Create registers a fresh machine for sessionID and returns it. An
// existing machine for the same id is replaced.
func (r *Registry) Create(sessionID string) *Machine {
	m := New(r.logger.With().Str("session_id", sessionID).Logger())

	r.mu.Lock()
	defer r.mu.Unlock()
	r.machines[sessionID] = m
	return m
}

// Get returns the machine for sessionID, or nil when none exists.
func (r *Registry) Get(sessionID string) *Machine {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.machines[sessionID]
}

// Remove drops the machine for sessionID.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.machines, sessionID)
}

// SessionsInState returns the ids of all sessions currently in state.
func (r *Registry) SessionsInState(state State) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var ids []string
	for id, m := range r.machines {
		if m.Is(state) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Count returns the number of registered machines.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.machines)
}
