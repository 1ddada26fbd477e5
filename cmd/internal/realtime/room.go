package realtime

import (
	"sync"
	"time"

	v1 "github.com/Crazynotdev/Tts/contracts/events/v1"
)

// Room is the fan-out target of one session: every client joined to it receives the
// session's events. It keeps a short backlog so a client that joins late still sees
// the pending pairing artifact.
//
// Publish never blocks; a member whose queue is full misses the event.
type Room struct {
	ID string

	mu       sync.RWMutex
	members  map[string]*Client
	backlog  []v1.Envelope
	capacity int
	touched  time.Time
}

func newRoom(id string, capacity int, now time.Time) *Room {
	if capacity <= 0 {
		capacity = defaultBacklog
	}
	return &Room{
		ID:       id,
		members:  make(map[string]*Client),
		capacity: capacity,
		touched:  now,
	}
}

// join adds client and returns the backlog to replay to it, oldest first.
func (r *Room) join(client *Client, now time.Time) []v1.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.members[client.ID] = client
	r.touched = now
	return append([]v1.Envelope(nil), r.backlog...)
}

// leave removes a member and returns how many remain. removed is false when the client
// was not a member.
func (r *Room) leave(clientID string) (remaining int, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, removed = r.members[clientID]
	delete(r.members, clientID)
	return len(r.members), removed
}

func (r *Room) publish(env v1.Envelope, now time.Time) (delivered int) {
	r.mu.Lock()
	r.backlog = append(r.backlog, env)
	if over := len(r.backlog) - r.capacity; over > 0 {
		r.backlog = append(r.backlog[:0:0], r.backlog[over:]...)
	}
	r.touched = now
	members := make([]*Client, 0, len(r.members))
	for _, m := range r.members {
		members = append(members, m)
	}
	r.mu.Unlock()

	for _, m := range members {
		if m.offer(env) {
			delivered++
		}
	}
	return delivered
}

// Len returns the number of members.
func (r *Room) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Backlog returns a copy of the retained events.
func (r *Room) Backlog() []v1.Envelope {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]v1.Envelope(nil), r.backlog...)
}

func (r *Room) idleSince(cut time.Time) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members) == 0 && r.touched.Before(cut)
}
