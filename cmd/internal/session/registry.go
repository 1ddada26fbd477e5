package session

import (
	"sort"
	"sync"
	"time"
)

// Registry maps identities to their live Session.
//
// It performs atomic insert, remove and lookup only. State transitions belong to the
// session's task.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create inserts a new idle Session for id.
//
// If a live entry exists, it is returned together with ErrAlreadyConnected (connected)
// or ErrAttachInProgress (any pending state). A closed entry is replaced.
func (r *Registry) Create(id, origin, target string, now time.Time) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[id]; ok {
		switch st := s.State(); {
		case st == StateConnected:
			return s, ErrAlreadyConnected
		case st != StateClosed:
			return s, ErrAttachInProgress
		}
	}

	s := newSession(id, origin, target, now)
	r.sessions[id] = s
	return s, nil
}

// Get returns the Session for id, or nil.
func (r *Registry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Remove deletes the entry for id and returns it.
func (r *Registry) Remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.sessions[id]
	delete(r.sessions, id)
	return s
}

// removeSession deletes s only if it is still the entry for its identity.
func (r *Registry) removeSession(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[s.ID]; ok && cur == s {
		delete(r.sessions, s.ID)
		return true
	}
	return false
}

// List returns snapshots of every session, ordered by identity.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Count returns how many entries are in state st.
func (r *Registry) Count(st State) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, s := range r.sessions {
		if s.State() == st {
			n++
		}
	}
	return n
}

// byTarget returns the sessions bound to a fan-out target.
func (r *Registry) byTarget(target string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, s := range r.sessions {
		if s.FanoutTarget == target {
			out = append(out, s)
		}
	}
	return out
}

func (r *Registry) all() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
