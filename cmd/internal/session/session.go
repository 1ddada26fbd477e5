// Package session orchestrates one protocol connection per identity.
//
// The Registry is the single source of truth for what is attached. Each Session is driven
// by its own task goroutine, which is the only consumer of its client's event stream and
// the only writer of its state. See Controller for the public operations.
package session

import (
	"sync"
	"time"

	"github.com/Crazynotdev/Tts/cmd/internal/protocol"
)

// Session is one attached identity.
type Session struct {
	ID           string
	Origin       string
	FanoutTarget string
	CreatedAt    time.Time

	mu          sync.RWMutex
	state       State
	connectedAt time.Time
	artifact    *Artifact
	selfJID     string
	paired      bool
	client      protocol.Client
	task        *task
}

func newSession(id, origin, target string, now time.Time) *Session {
	return &Session{
		ID:           id,
		Origin:       origin,
		FanoutTarget: target,
		CreatedAt:    now,
		state:        StateIdle,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Snapshot is a point-in-time copy of a Session.
type Snapshot struct {
	ID           string
	Origin       string
	FanoutTarget string
	State        State
	CreatedAt    time.Time
	ConnectedAt  time.Time
	SelfJID      string
	Artifact     *Artifact
}

// Connecting mirrors the legacy isConnecting flag.
func (s Snapshot) Connecting() bool { return s.State.Pending() }

// Connected reports whether the identity is usable.
func (s Snapshot) Connected() bool { return s.State == StateConnected }

// Snapshot copies the session.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		ID:           s.ID,
		Origin:       s.Origin,
		FanoutTarget: s.FanoutTarget,
		State:        s.state,
		CreatedAt:    s.CreatedAt,
		ConnectedAt:  s.connectedAt,
		SelfJID:      s.selfJID,
	}
	if s.artifact != nil {
		a := *s.artifact
		snap.Artifact = &a
	}
	return snap
}

// setState applies from -> to if the edge is legal and returns the previous state.
func (s *Session) setState(to State) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from := s.state
	if !CanTransition(from, to) {
		return from, false
	}
	s.state = to
	return from, true
}

// Paired reports whether the identity holds registered credentials, either loaded at
// attach or earned by reaching connected. A paired session is never abandoned.
func (s *Session) Paired() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paired
}

func (s *Session) setPaired() {
	s.mu.Lock()
	s.paired = true
	s.mu.Unlock()
}

// currentClient returns the client the task is driving, or nil between reconnects.
func (s *Session) currentClient() protocol.Client {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client
}

func (s *Session) setClient(c protocol.Client) {
	s.mu.Lock()
	s.client = c
	s.mu.Unlock()
}

func (s *Session) setTask(t *task) {
	s.mu.Lock()
	s.task = t
	s.mu.Unlock()
}

func (s *Session) taskRef() *task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.task
}

func (s *Session) setArtifact(a *Artifact) {
	s.mu.Lock()
	s.artifact = a
	s.mu.Unlock()
}

func (s *Session) markConnected(now time.Time, selfJID string) {
	s.mu.Lock()
	s.connectedAt = now
	s.selfJID = selfJID
	s.paired = true
	s.artifact = nil
	s.mu.Unlock()
}

func (s *Session) clearConnected() {
	s.mu.Lock()
	s.connectedAt = time.Time{}
	s.mu.Unlock()
}
