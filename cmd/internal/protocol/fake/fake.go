// Package fake is an in-process protocol driver.
//
// It backs the "fake" driver used for local development (pairing completes by itself
// after a delay) and is the scripted client used by orchestrator tests.
package fake

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/Crazynotdev/Tts/cmd/internal/protocol"
)

// Options tunes how fake clients behave.
type Options struct {
	// EmitQROnConnect makes Connect emit a QR event when the identity is not registered.
	EmitQROnConnect bool
	// OpenRegistered makes Connect emit an open event when the identity is registered.
	OpenRegistered bool
	// AutoPairAfter, when > 0, completes pairing that long after a pairing artifact was issued.
	AutoPairAfter time.Duration
	// PairingCode overrides the generated pairing code.
	PairingCode string
	// NewClientErr makes the factory fail.
	NewClientErr error
	// EventBuffer is the event channel capacity (default 64).
	EventBuffer int
}

// Factory creates fake clients and remembers them for inspection.
type Factory struct {
	opts Options

	mu      sync.Mutex
	clients map[string][]*Client
}

// NewFactory constructs a Factory.
func NewFactory(opts Options) *Factory {
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 64
	}
	return &Factory{opts: opts, clients: make(map[string][]*Client)}
}

// NewClient implements protocol.Factory.
func (f *Factory) NewClient(_ context.Context, id string, state protocol.AuthState) (protocol.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.opts.NewClientErr != nil {
		return nil, f.opts.NewClientErr
	}
	c := newClient(id, state, f.opts)
	f.clients[id] = append(f.clients[id], c)
	return c, nil
}

// SetNewClientErr changes the factory failure for subsequent NewClient calls.
func (f *Factory) SetNewClientErr(err error) {
	f.mu.Lock()
	f.opts.NewClientErr = err
	f.mu.Unlock()
}

// Clients returns every client built for id, oldest first.
func (f *Factory) Clients(id string) []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.clients[id]...)
}

// Last returns the newest client for id, or nil.
func (f *Factory) Last(id string) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	cs := f.clients[id]
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}

// Client is a scripted protocol.Client.
type Client struct {
	id    string
	state protocol.AuthState
	opts  Options

	events chan protocol.Event
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	loggedOut bool
	connected bool
	selfJID   string
	sent      []Sent
	sendErr   error
	pairCalls int
	emitters  sync.WaitGroup
	closeOnce sync.Once
}

// Sent records one Send call.
type Sent struct {
	To  string
	Msg protocol.OutboundMessage
}

func newClient(id string, state protocol.AuthState, opts Options) *Client {
	return &Client{
		id:      id,
		state:   state,
		opts:    opts,
		events:  make(chan protocol.Event, opts.EventBuffer),
		done:    make(chan struct{}),
		selfJID: id + "@s.whatsapp.net",
	}
}

// Connect implements protocol.Client.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return protocol.ErrClientClosed
	}
	c.connected = true
	registered := c.state.Registered
	c.mu.Unlock()

	switch {
	case registered && c.opts.OpenRegistered:
		c.Emit(protocol.OpenEvent{SelfJID: c.selfJID})
	case !registered && c.opts.EmitQROnConnect:
		c.Emit(protocol.QREvent{Code: "2@" + randomDigits(24)})
		c.scheduleAutoPair()
	}
	return nil
}

// Events implements protocol.Client.
func (c *Client) Events() <-chan protocol.Event { return c.events }

// RequestPairingCode implements protocol.Client.
func (c *Client) RequestPairingCode(ctx context.Context, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", protocol.ErrClientClosed
	}
	c.pairCalls++
	c.mu.Unlock()

	c.scheduleAutoPair()

	if c.opts.PairingCode != "" {
		return c.opts.PairingCode, nil
	}
	return randomDigits(8), nil
}

// Send implements protocol.Client.
func (c *Client) Send(ctx context.Context, to string, msg protocol.OutboundMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return protocol.ErrClientClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, Sent{To: to, Msg: msg})
	return nil
}

// DownloadMedia implements protocol.Client. It returns the media URL bytes as content.
func (c *Client) DownloadMedia(ctx context.Context, media *protocol.Media) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if media == nil {
		return nil, fmt.Errorf("fake: nil media")
	}
	return []byte(media.URL), nil
}

// SelfJID implements protocol.Client.
func (c *Client) SelfJID() string { return c.selfJID }

// Logout implements protocol.Client.
func (c *Client) Logout(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	return c.Close()
}

// Close implements protocol.Client.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
		c.emitters.Wait()
		close(c.events)
	})
	return nil
}

// Emit pushes an event onto the stream. It returns false once the client is closed.
func (c *Client) Emit(ev protocol.Event) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.emitters.Add(1)
	c.mu.Unlock()
	defer c.emitters.Done()

	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// SetSendErr makes subsequent Send calls fail with err.
func (c *Client) SetSendErr(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

// Sent returns a copy of every successful Send.
func (c *Client) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// LoggedOut reports whether Logout was called.
func (c *Client) LoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

// Closed reports whether the client was stopped.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// PairingCalls returns how many pairing codes were requested.
func (c *Client) PairingCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pairCalls
}

func (c *Client) scheduleAutoPair() {
	if c.opts.AutoPairAfter <= 0 {
		return
	}
	go func() {
		t := time.NewTimer(c.opts.AutoPairAfter)
		defer t.Stop()
		select {
		case <-c.done:
			return
		case <-t.C:
		}
		c.mu.Lock()
		c.state = protocol.AuthState{Registered: true, Blob: []byte(`{"paired":true}`), UpdatedAt: time.Now().UTC()}
		st := c.state
		c.mu.Unlock()

		c.Emit(protocol.CredsUpdateEvent{State: st})
		c.Emit(protocol.OpenEvent{SelfJID: c.selfJID})
	}()
}

func randomDigits(n int) string {
	b := make([]byte, n)
	for i := range b {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			b[i] = '0'
			continue
		}
		b[i] = byte('0' + v.Int64())
	}
	return string(b)
}
