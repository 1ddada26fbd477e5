package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Crazynotdev/Tts/cmd/internal/authstate"
	"github.com/Crazynotdev/Tts/cmd/internal/protocol"
	"github.com/Crazynotdev/Tts/cmd/internal/protocol/fake"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type published struct {
	Room    string
	Type    string
	Payload any
}

type recordingNotifier struct {
	mu        sync.Mutex
	events    []published
	broadcast []published
}

func (n *recordingNotifier) Publish(room, typ string, payload any) {
	n.mu.Lock()
	n.events = append(n.events, published{Room: room, Type: typ, Payload: payload})
	n.mu.Unlock()
}

func (n *recordingNotifier) Broadcast(typ string, payload any) {
	n.mu.Lock()
	n.broadcast = append(n.broadcast, published{Type: typ, Payload: payload})
	n.mu.Unlock()
}

func (n *recordingNotifier) find(room, typ string) (published, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, e := range n.events {
		if e.Room == room && e.Type == typ {
			return e, true
		}
	}
	return published{}, false
}

func (n *recordingNotifier) count(typ string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, e := range n.events {
		if e.Type == typ {
			c++
		}
	}
	return c
}

func (n *recordingNotifier) lastBroadcast() (published, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.broadcast) == 0 {
		return published{}, false
	}
	return n.broadcast[len(n.broadcast)-1], true
}

// pingHandler answers ".ping" and counts opens.
type pingHandler struct {
	mu    sync.Mutex
	opens int
	seen  []string
}

func (h *pingHandler) HandleOpen(context.Context, Conn) {
	h.mu.Lock()
	h.opens++
	h.mu.Unlock()
}

func (h *pingHandler) HandleMessage(ctx context.Context, c Conn, m protocol.InboundMessage) {
	h.mu.Lock()
	h.seen = append(h.seen, m.ID)
	h.mu.Unlock()

	if m.Body() == ".ping" {
		_ = c.Client.Send(ctx, m.Chat, protocol.Text("🏓 Pong!"))
	}
}

func (h *pingHandler) openCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opens
}

func (h *pingHandler) seenIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

type harness struct {
	ctrl     *Controller
	factory  *fake.Factory
	auth     *authstate.FileStore
	notifier *recordingNotifier
	handler  *pingHandler
}

func newHarness(t *testing.T, fopts fake.Options, cfg Config, opts ...Option) *harness {
	t.Helper()

	auth, err := authstate.NewFileStore(t.TempDir())
	require.NoError(t, err)

	h := &harness{
		factory:  fake.NewFactory(fopts),
		auth:     auth,
		notifier: &recordingNotifier{},
		handler:  &pingHandler{},
	}

	base := []Option{
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithNotifier(h.notifier),
		WithHandler(h.handler),
	}
	h.ctrl = NewController(h.factory, auth, cfg, append(base, opts...)...)
	t.Cleanup(h.ctrl.Close)
	return h
}

func (h *harness) state(id string) State {
	return h.ctrl.Status(id).State
}

func (h *harness) pongs(c *fake.Client) int {
	n := 0
	for _, s := range c.Sent() {
		if s.Msg.Text == "🏓 Pong!" {
			n++
		}
	}
	return n
}

func textFrom(id, chat, body string) protocol.MessagesEvent {
	return protocol.MessagesEvent{Messages: []protocol.InboundMessage{{
		ID:       id,
		Chat:     chat,
		Sender:   chat,
		PushName: "Alice",
		Content:  protocol.Content{Conversation: body},
	}}}
}

// manualClock is a settable time source.
type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock(start time.Time) *manualClock { return &manualClock{now: start} }

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// gateHandler holds every message until release is closed.
type gateHandler struct {
	started chan string
	release chan struct{}

	mu   sync.Mutex
	seen []string
}

func newGateHandler() *gateHandler {
	return &gateHandler{started: make(chan string, 8), release: make(chan struct{})}
}

func (h *gateHandler) HandleOpen(context.Context, Conn) {}

func (h *gateHandler) HandleMessage(ctx context.Context, _ Conn, m protocol.InboundMessage) {
	h.mu.Lock()
	h.seen = append(h.seen, m.ID)
	h.mu.Unlock()

	h.started <- m.ID
	select {
	case <-h.release:
	case <-ctx.Done():
	}
}

func (h *gateHandler) seenIDs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}
