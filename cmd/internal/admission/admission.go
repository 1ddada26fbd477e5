// Package admission bounds how many identities one origin may attach and how often
// it may try. It throttles casual abuse and is not a security boundary.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Crazynotdev/Tts/cmd/internal/ratelimit"
)

// Reason names why an attempt was rejected.
type Reason string

const (
	ReasonTooManySessions Reason = "too_many_sessions"
	ReasonRateLimited     Reason = "rate_limited"
)

// UnknownOrigin is used when the caller cannot determine an origin.
const UnknownOrigin = "unknown"

// ErrRejected matches every *RejectedError via errors.Is.
var ErrRejected = errors.New("admission: rejected")

// RejectedError is returned by TryAdmit when an origin is over one of its bounds.
type RejectedError struct {
	Origin     string
	Reason     Reason
	RetryAfter time.Duration
}

func (e *RejectedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("admission: %s rejected (%s), retry after %s", e.Origin, e.Reason, e.RetryAfter.Round(time.Second))
	}
	return fmt.Sprintf("admission: %s rejected (%s)", e.Origin, e.Reason)
}

func (e *RejectedError) Unwrap() error { return ErrRejected }

// Config holds the per-origin bounds.
type Config struct {
	// MaxActive is the number of identities one origin may hold at once.
	MaxActive int
	// MaxAttempts per Window.
	MaxAttempts int
	Window      time.Duration
	// SweepInterval is how often Run evicts idle origins.
	SweepInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxActive <= 0 {
		c.MaxActive = 3
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.Window <= 0 {
		c.Window = 10 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	return c
}

type originState struct {
	active   map[string]struct{}
	attempts *ratelimit.Window
}

// Controller tracks active identities and recent attempts per origin. In memory only.
type Controller struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	origins map[string]*originState
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// New constructs a Controller.
func New(cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		origins: make(map[string]*originState),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Config returns the effective bounds.
func (c *Controller) Config() Config { return c.cfg }

// TryAdmit records an attach attempt for id from origin.
// An identity already active for the origin is admitted without counting against the bounds.
func (c *Controller) TryAdmit(origin, id string) error {
	origin = normalizeOrigin(origin)
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.stateLocked(origin)
	if _, ok := st.active[id]; ok {
		return nil
	}
	if len(st.active) >= c.cfg.MaxActive {
		return &RejectedError{Origin: origin, Reason: ReasonTooManySessions}
	}
	if ok, retry := st.attempts.Reserve(now); !ok {
		return &RejectedError{Origin: origin, Reason: ReasonRateLimited, RetryAfter: retry}
	}
	st.active[id] = struct{}{}
	return nil
}

// Release forgets id for origin. Unknown pairs are ignored.
func (c *Controller) Release(origin, id string) {
	origin = normalizeOrigin(origin)

	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.origins[origin]; ok {
		delete(st.active, id)
	}
}

// Active returns how many identities origin currently holds.
func (c *Controller) Active(origin string) int {
	origin = normalizeOrigin(origin)

	c.mu.Lock()
	defer c.mu.Unlock()

	if st, ok := c.origins[origin]; ok {
		return len(st.active)
	}
	return 0
}

// EvictStale drops origins that hold no identity and have no attempt left in the window.
// It returns the number of evicted origins.
func (c *Controller) EvictStale() int {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for origin, st := range c.origins {
		if len(st.active) == 0 && st.attempts.Len(now) == 0 {
			delete(c.origins, origin)
			n++
		}
	}
	return n
}

// Run evicts stale origins every SweepInterval until ctx is done.
func (c *Controller) Run(ctx context.Context) error {
	t := time.NewTicker(c.cfg.SweepInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			c.EvictStale()
		}
	}
}

func (c *Controller) stateLocked(origin string) *originState {
	st, ok := c.origins[origin]
	if !ok {
		st = &originState{
			active:   make(map[string]struct{}),
			attempts: ratelimit.NewWindow(c.cfg.MaxAttempts, c.cfg.Window),
		}
		c.origins[origin] = st
	}
	return st
}

func normalizeOrigin(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return UnknownOrigin
	}
	return origin
}
