package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/Crazynotdev/Tts/cmd/internal/admission"
	"github.com/Crazynotdev/Tts/cmd/internal/authstate"
	"github.com/Crazynotdev/Tts/cmd/internal/ids"
	"github.com/Crazynotdev/Tts/cmd/internal/metrics"
	"github.com/Crazynotdev/Tts/cmd/internal/protocol"
	v1 "github.com/Crazynotdev/Tts/contracts/events/v1"
)

// Notifier delivers user-facing events. Publish targets one room; Broadcast reaches every client.
type Notifier interface {
	Publish(room, typ string, payload any)
	Broadcast(typ string, payload any)
}

// Conn is what a Handler needs to act for a connected identity.
type Conn struct {
	ID          string
	SelfJID     string
	Origin      string
	ConnectedAt time.Time
	Client      protocol.Client
}

// Handler receives the connected-side work of a session, in order, on the session's inbox worker.
type Handler interface {
	// HandleOpen runs once per successful open.
	HandleOpen(ctx context.Context, c Conn)
	// HandleMessage runs for every inbound message that was not sent by the identity itself.
	HandleMessage(ctx context.Context, c Conn, msg protocol.InboundMessage)
}

// Admitter is the admission policy consulted before a new session is created.
type Admitter interface {
	TryAdmit(origin, id string) error
	Release(origin, id string)
}

// BackoffConfig bounds reconnection after a recoverable close.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
	MaxRetries int
}

// Config tunes the controller.
type Config struct {
	PairingTTL  time.Duration
	PairingMode PairingMode
	Backoff     BackoffConfig

	// OpTimeout bounds each blocking protocol call made by a session task.
	OpTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PairingTTL <= 0 {
		c.PairingTTL = 120 * time.Second
	}
	if c.PairingMode == "" {
		c.PairingMode = PairingCode
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = time.Second
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 30 * time.Second
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = 2
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter > 1 {
		c.Backoff.Jitter = 0.5
	}
	if c.Backoff.MaxRetries <= 0 {
		c.Backoff.MaxRetries = 8
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 30 * time.Second
	}
	return c
}

// Controller owns the Registry and every session task.
type Controller struct {
	cfg      Config
	log      *slog.Logger
	registry *Registry
	factory  protocol.Factory
	auth     authstate.Store
	notifier Notifier
	handler  Handler
	admit    Admitter
	metrics  *metrics.Metrics
	now      func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	tasks   sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Controller) {
		if log != nil {
			c.log = log
		}
	}
}

// WithNotifier sets where user-facing events go.
func WithNotifier(n Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithHandler sets the connected-side handler (welcome, commands, notices).
func WithHandler(h Handler) Option {
	return func(c *Controller) { c.handler = h }
}

// WithAdmission sets the admission policy.
func WithAdmission(a Admitter) Option {
	return func(c *Controller) { c.admit = a }
}

// WithMetrics sets the collectors.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithRegistry shares an existing Registry.
func WithRegistry(r *Registry) Option {
	return func(c *Controller) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// NewController constructs a Controller. Call Close (or Run) to stop every session.
func NewController(factory protocol.Factory, auth authstate.Store, cfg Config, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:      cfg.withDefaults(),
		log:      slog.Default(),
		registry: NewRegistry(),
		factory:  factory,
		auth:     auth,
		notifier: nopNotifier{},
		handler:  nopHandler{},
		now:      time.Now,
		baseCtx:  ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.notifier == nil {
		c.notifier = nopNotifier{}
	}
	if c.handler == nil {
		c.handler = nopHandler{}
	}
	return c
}

// Registry returns the controller's registry.
func (c *Controller) Registry() *Registry { return c.registry }

// AttachRequest is one attach call.
type AttachRequest struct {
	Number string
	Origin string
	// SocketID is the fan-out room; a new one is generated when empty.
	SocketID string
}

// AttachResult describes the session serving an attach call.
type AttachResult struct {
	ID       string
	SocketID string
	State    State
	// Existing is true when the identity was already attached and nothing new was started.
	Existing bool
}

// Attach admits and starts a session for req.Number.
//
// An identity that is already live is returned as is, without consulting admission and
// without creating a second protocol client.
func (c *Controller) Attach(ctx context.Context, req AttachRequest) (AttachResult, error) {
	const op = "session.Attach"

	id, err := CanonicalizeNumber(req.Number)
	if err != nil {
		return AttachResult{}, &OpError{Op: op, Kind: ErrInvalidNumber}
	}
	if c.isClosed() {
		return AttachResult{}, &OpError{Op: op, ID: id, Kind: ErrClosed}
	}
	if s := c.registry.Get(id); s != nil && s.State().Live() {
		return existingResult(s), nil
	}

	origin := strings.TrimSpace(req.Origin)
	if origin == "" {
		origin = admission.UnknownOrigin
	}
	target := strings.TrimSpace(req.SocketID)
	if target == "" {
		target, err = ids.NewULID(c.now())
		if err != nil {
			return AttachResult{}, &OpError{Op: op, ID: id, Kind: ErrConstruct, Err: err}
		}
	}

	s, err := c.registry.Create(id, origin, target, c.now())
	if err != nil {
		// Lost a race with a concurrent attach. An idle winner has not cleared admission
		// yet and may still be rejected, so it is not reported as an existing session.
		if s.State() == StateIdle {
			return AttachResult{}, &OpError{Op: op, ID: id, Kind: ErrAttachInProgress}
		}
		return existingResult(s), nil
	}

	if c.admit != nil {
		if err := c.admit.TryAdmit(origin, id); err != nil {
			c.transition(s, StateClosed)
			c.registry.removeSession(s)

			var rej *admission.RejectedError
			if errors.As(err, &rej) {
				c.metrics.RecordAdmissionReject(string(rej.Reason))
			}
			c.log.Info("session.admission.reject", "session_id", id, "origin", origin, "err", err)
			return AttachResult{}, err
		}
	}
	c.transition(s, StateConnecting)

	state, err := c.auth.Load(ctx, id)
	if err != nil {
		kind := ErrStorage
		if errors.Is(err, protocol.ErrBadCredentials) {
			kind = ErrConstruct
		}
		c.failConstruct(s, err)
		return AttachResult{}, &OpError{Op: op, ID: id, Kind: kind, Err: err}
	}
	client, err := c.factory.NewClient(ctx, id, state)
	if err != nil {
		c.failConstruct(s, err)
		return AttachResult{}, &OpError{Op: op, ID: id, Kind: ErrConstruct, Err: err}
	}
	if state.Registered {
		s.setPaired()
	}

	t := newTask(c, s, client)
	s.setTask(t)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = client.Close()
		c.release(origin, id)
		c.registry.removeSession(s)
		return AttachResult{}, &OpError{Op: op, ID: id, Kind: ErrClosed}
	}
	c.tasks.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.tasks.Done()
		t.run(c.baseCtx)
	}()

	c.metrics.SetActive(c.registry.Len())
	c.log.Info("session.attach", "session_id", id, "origin", origin, "socket_id", target)

	return AttachResult{ID: id, SocketID: target, State: StateConnecting}, nil
}

// Disconnect logs the identity out, deletes its credentials and removes it.
// It returns once the session task has fully stopped.
func (c *Controller) Disconnect(ctx context.Context, idOrNumber string) error {
	const op = "session.Disconnect"

	id := IdentityOf(idOrNumber)
	var t *task
	if s := c.registry.Get(id); s != nil {
		t = s.taskRef()
	}
	if t == nil {
		return &OpError{Op: op, ID: id, Kind: ErrNotFound}
	}
	if !t.signal(ctx, ctrlDisconnect) {
		if err := ctx.Err(); err != nil {
			return err
		}
		return &OpError{Op: op, ID: id, Kind: ErrNotFound}
	}

	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Abandon tears down every session bound to target that is still pairing.
// Sessions that are connected, were connected before, or resumed registered credentials
// are left running. It is called when the last web client of a room goes away.
func (c *Controller) Abandon(target string) int {
	if strings.TrimSpace(target) == "" {
		return 0
	}
	n := 0
	for _, s := range c.registry.byTarget(target) {
		t := s.taskRef()
		if t == nil || s.State() == StateConnected || s.Paired() {
			continue
		}
		if t.signal(context.Background(), ctrlAbandon) {
			n++
		}
	}
	if n > 0 {
		c.log.Info("session.abandon", "socket_id", target, "sessions", n)
	}
	return n
}

// StatusReport is the externally visible status of an identity.
type StatusReport struct {
	ID          string
	State       State
	Origin      string
	ConnectedAt time.Time
	Artifact    *Artifact
}

// Status reports the identity's state; unknown identities are idle.
func (c *Controller) Status(idOrNumber string) StatusReport {
	id := IdentityOf(idOrNumber)
	s := c.registry.Get(id)
	if s == nil {
		return StatusReport{ID: id, State: StateIdle}
	}
	snap := s.Snapshot()
	return StatusReport{
		ID:          id,
		State:       snap.State,
		Origin:      snap.Origin,
		ConnectedAt: snap.ConnectedAt,
		Artifact:    snap.Artifact,
	}
}

// List returns snapshots of every live session.
func (c *Controller) List() []Snapshot { return c.registry.List() }

// ConnectedCount returns the number of connected identities.
func (c *Controller) ConnectedCount() int { return c.registry.Count(StateConnected) }

// ActiveCount returns the number of attached identities in any state.
func (c *Controller) ActiveCount() int { return c.registry.Len() }

// Run blocks until ctx is done, then stops every session.
func (c *Controller) Run(ctx context.Context) error {
	<-ctx.Done()
	c.Close()
	return nil
}

// Close stops every session task without logging out and waits for them.
// Credentials stay on disk. It is safe to call more than once.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.tasks.Wait()
}

func (c *Controller) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Controller) release(origin, id string) {
	if c.admit != nil {
		c.admit.Release(origin, id)
	}
}

// transition moves s to "to" and records it. Illegal edges are logged and ignored.
func (c *Controller) transition(s *Session, to State) bool {
	from, ok := s.setState(to)
	if !ok {
		if from != to {
			c.log.Warn("session.state.invalid", "session_id", s.ID, "from", from.String(), "to", to.String())
		}
		return false
	}
	c.metrics.RecordTransition(from.String(), to.String())
	c.log.Info("session.state.change", "session_id", s.ID, "from", from.String(), "to", to.String())
	return true
}

// failConstruct ends a session that never got a working client.
func (c *Controller) failConstruct(s *Session, err error) {
	c.log.Warn("session.construct.fail", "session_id", s.ID, "err", err)
	c.notifier.Publish(s.FanoutTarget, v1.TypeConnectionError, v1.ConnectionErrorPayload{
		Number:  s.ID,
		Message: err.Error(),
	})
	c.transition(s, StateClosed)
	c.registry.removeSession(s)
	c.release(s.Origin, s.ID)
	c.metrics.SetActive(c.registry.Len())
}

func (c *Controller) publishCount() {
	n := c.ConnectedCount()
	c.metrics.SetConnected(n)
	c.metrics.SetActive(c.registry.Len())
	c.notifier.Broadcast(v1.TypeBotsUpdate, v1.BotsUpdatePayload{Count: n})
}

func existingResult(s *Session) AttachResult {
	snap := s.Snapshot()
	return AttachResult{
		ID:       snap.ID,
		SocketID: snap.FanoutTarget,
		State:    snap.State,
		Existing: true,
	}
}

type nopNotifier struct{}

func (nopNotifier) Publish(string, string, any) {}
func (nopNotifier) Broadcast(string, any)       {}

type nopHandler struct{}

func (nopHandler) HandleOpen(context.Context, Conn)                            {}
func (nopHandler) HandleMessage(context.Context, Conn, protocol.InboundMessage) {}
