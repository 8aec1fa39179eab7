package agentsession

import (
	"sync"
	"time"
)

// Registry tracks every Session that has attached to this process and not
// yet closed, and answers "which session is current" for the request
// multiplexer (spec §4.F). The listener adds a session via Register when it
// accepts the connection, and removes it via Remove when the session reports
// StateClosed.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds a session to the registry.
func (r *Registry) Register(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID()] = s
}

// Remove drops a session from the registry (called once it reaches
// StateClosed).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Get looks up a session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Current selects the most-recently-active session in StateActive, per spec
// §4.F's "most recently active session" selection rule. Returns (nil,
// false) if no session is active.
func (r *Registry) Current() (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best *Session
	var bestActivity time.Time
	for _, s := range r.sessions {
		if s.State() != StateActive {
			continue
		}
		la := s.LastActivity()
		if best == nil || la.After(bestActivity) {
			best = s
			bestActivity = la
		}
	}
	return best, best != nil
}

// Count returns the total number of registered sessions, regardless of
// state.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// ActiveCount returns the number of sessions currently in StateActive.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sessions {
		if s.State() == StateActive {
			n++
		}
	}
	return n
}

// Sweep evicts every active session whose last activity exceeds
// staleThreshold (spec §4.E stale-peer sweep, default 30s interval / 30s
// threshold). Intended to be called periodically by a ticker owned by the
// bridge server.
func (r *Registry) Sweep(staleThreshold time.Duration, now time.Time) {
	r.mu.RLock()
	stale := make([]*Session, 0)
	for _, s := range r.sessions {
		if s.State() == StateActive && now.Sub(s.LastActivity()) > staleThreshold {
			stale = append(stale, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range stale {
		go s.Close("stale: no activity within threshold")
	}
}

// All returns a snapshot slice of every registered session, for diagnostics
// (spec §6.3 list of connected sessions).
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
