package session

import "sync"

// Registry maps provider call ids to live sessions. Lookups for
// unknown or already-removed ids return nil and callers treat that as
// a no-op, so late media or duplicate stops cannot touch another call.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*CallSession)}
}

// Add stores a session under its call id.
func (r *Registry) Add(callID string, s *CallSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[callID] = s
}

// Get returns the session for a call id, or nil.
func (r *Registry) Get(callID string) *CallSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[callID]
}

// Remove drops a call id. Removing an unknown id is a no-op.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callID)
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Each calls fn for every live session.
func (r *Registry) Each(fn func(callID string, s *CallSession)) {
	r.mu.RLock()
	snapshot := make(map[string]*CallSession, len(r.sessions))
	for id, s := range r.sessions {
		snapshot[id] = s
	}
	r.mu.RUnlock()
	for id, s := range snapshot {
		fn(id, s)
	}
}
