package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Crazynotdev/Tts/cmd/internal/metrics"
	v1 "github.com/Crazynotdev/Tts/contracts/events/v1"
)

// Hub owns the rooms and the set of connected clients. It implements the session
// package's Notifier: Publish targets one room, Broadcast reaches every client.
type Hub struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	backlog int
	roomTTL time.Duration
	onEmpty func(room string)

	mu      sync.RWMutex
	rooms   map[string]*Room
	clients map[string]*Client
	// last broadcast per type, replayed to clients when they connect.
	latest map[string]v1.Envelope
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithBacklog sets how many events each room retains.
func WithBacklog(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.backlog = n
		}
	}
}

// WithRoomTTL sets how long a room without members survives after its last publish.
func WithRoomTTL(d time.Duration) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.roomTTL = d
		}
	}
}

// WithOnRoomEmpty registers fn to run when the last client leaves a room.
func WithOnRoomEmpty(fn func(room string)) HubOption {
	return func(h *Hub) { h.onEmpty = fn }
}

// WithHubMetrics sets the collectors.
func WithHubMetrics(m *metrics.Metrics) HubOption {
	return func(h *Hub) { h.metrics = m }
}

// WithHubClock overrides time.Now.
func WithHubClock(now func() time.Time) HubOption {
	return func(h *Hub) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHub constructs a Hub instance.
func NewHub(log *slog.Logger, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:     log,
		now:     time.Now,
		backlog: defaultBacklog,
		roomTTL: defaultRoomTTL,
		rooms:   make(map[string]*Room),
		clients: make(map[string]*Client),
		latest:  make(map[string]v1.Envelope),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// SetOnRoomEmpty replaces the empty-room callback. It exists for wiring cycles where the
// callback's owner is built after the Hub.
func (h *Hub) SetOnRoomEmpty(fn func(room string)) {
	h.mu.Lock()
	h.onEmpty = fn
	h.mu.Unlock()
}

// Register adds a connected client to the broadcast set and queues the latest broadcasts.
func (h *Hub) Register(c *Client) {
	if c == nil || c.ID == "" {
		return
	}
	h.mu.Lock()
	h.clients[c.ID] = c
	n := len(h.clients)
	replay := make([]v1.Envelope, 0, len(h.latest))
	for _, env := range h.latest {
		replay = append(replay, env)
	}
	h.mu.Unlock()

	for _, env := range replay {
		c.offer(env)
	}
	h.metrics.SetWSClients(n)
}

// Unregister removes a client from the broadcast set.
func (h *Hub) Unregister(c *Client) {
	if c == nil {
		return
	}
	h.mu.Lock()
	delete(h.clients, c.ID)
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.SetWSClients(n)
}

// Join binds c to room and returns the backlog to replay.
func (h *Hub) Join(room string, c *Client) []v1.Envelope {
	h.mu.Lock()
	backlog := h.roomLocked(room).join(c, h.now())
	h.mu.Unlock()

	h.log.Info("ws.room.join", "room", room, "client_id", c.ID, "replay", len(backlog))
	return backlog
}

// Leave unbinds a client from room. When it was the last member the room is dropped and
// the empty-room callback runs.
func (h *Hub) Leave(room, clientID string) {
	h.mu.Lock()
	r, ok := h.rooms[room]
	if !ok {
		h.mu.Unlock()
		return
	}
	remaining, removed := r.leave(clientID)
	if removed && remaining == 0 {
		delete(h.rooms, room)
	}
	fn := h.onEmpty
	h.mu.Unlock()

	if !removed {
		return
	}
	h.log.Info("ws.room.leave", "room", room, "client_id", clientID, "remaining", remaining)
	if remaining == 0 && fn != nil {
		fn(room)
	}
}

// Room returns the room with id, or nil.
func (h *Hub) Room(id string) *Room { return h.room(id) }

// Rooms returns the number of rooms.
func (h *Hub) Rooms() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) room(id string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[id]
}

func (h *Hub) roomLocked(id string) *Room {
	if r, ok := h.rooms[id]; ok {
		return r
	}
	r := newRoom(id, h.backlog, h.now())
	h.rooms[id] = r
	return r
}

// Publish sends an event to one room. The room is created if needed so the event is kept
// for clients that join later. It never blocks.
func (h *Hub) Publish(room, typ string, payload any) {
	if room == "" {
		return
	}
	env, ok := h.envelope(typ, payload)
	if !ok {
		return
	}
	env.Room = room

	h.mu.Lock()
	n := h.roomLocked(room).publish(env, h.now())
	h.mu.Unlock()

	h.metrics.RecordEvent(typ)
	h.log.Debug("ws.event.publish", "room", room, "type", typ, "delivered", n)
}

// Broadcast sends an event to every connected client. It never blocks.
func (h *Hub) Broadcast(typ string, payload any) {
	env, ok := h.envelope(typ, payload)
	if !ok {
		return
	}

	h.mu.Lock()
	h.latest[typ] = env
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.offer(env)
	}
	h.metrics.RecordEvent(typ)
}

// Sweep drops rooms that have no members and saw no publish within the TTL.
func (h *Hub) Sweep() int {
	cut := h.now().Add(-h.roomTTL)

	h.mu.Lock()
	defer h.mu.Unlock()

	n := 0
	for id, r := range h.rooms {
		if r.idleSince(cut) {
			delete(h.rooms, id)
			n++
		}
	}
	return n
}

// Run sweeps idle rooms until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	every := h.roomTTL / 2
	if every < time.Second {
		every = time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if n := h.Sweep(); n > 0 {
				h.log.Debug("ws.room.sweep", "dropped", n)
			}
		}
	}
}

func (h *Hub) envelope(typ string, payload any) (v1.Envelope, bool) {
	b, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("ws.event.encode.fail", "type", typ, "err", err)
		return v1.Envelope{}, false
	}
	return newEnvelope(typ, b, h.now().UTC()), true
}
