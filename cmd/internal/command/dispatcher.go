// Package command answers chat messages on behalf of connected identities: the one-time
// welcome for new contacts, the online notice, and the prefixed command table.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Crazynotdev/Tts/cmd/internal/contacts"
	"github.com/Crazynotdev/Tts/cmd/internal/metrics"
	"github.com/Crazynotdev/Tts/cmd/internal/protocol"
	"github.com/Crazynotdev/Tts/cmd/internal/session"
)

const DefaultPrefix = "."

// SessionCounter reports how many identities are attached.
type SessionCounter interface {
	ActiveCount() int
}

// Request is one parsed command invocation.
type Request struct {
	Conn session.Conn
	Msg  protocol.InboundMessage
	Name string
	Args []string
}

// Func runs a command. A returned error produces the generic failure reply.
type Func func(ctx context.Context, d *Dispatcher, r Request) error

// Command is one entry of the command table.
type Command struct {
	Name    string
	Aliases []string
	Help    string
	Run     Func
}

// Config tunes a Dispatcher.
type Config struct {
	Prefix       string
	DownloadsDir string

	// ReplyRate and ReplyBurst throttle outbound replies per identity. Zero disables it.
	ReplyRate  rate.Limit
	ReplyBurst int
}

// Dispatcher implements session.Handler.
type Dispatcher struct {
	cfg      Config
	log      *slog.Logger
	catalog  *CatalogStore
	contacts contacts.Store
	sessions SessionCounter
	metrics  *metrics.Metrics
	now      func() time.Time
	intn     func(n int) int

	commands []Command
	extra    []Command
	index    map[string]*Command

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(log *slog.Logger) Option {
	return func(d *Dispatcher) {
		if log != nil {
			d.log = log
		}
	}
}

func WithCatalog(c *CatalogStore) Option {
	return func(d *Dispatcher) {
		if c != nil {
			d.catalog = c
		}
	}
}

func WithContacts(s contacts.Store) Option {
	return func(d *Dispatcher) { d.contacts = s }
}

func WithSessions(s SessionCounter) Option {
	return func(d *Dispatcher) { d.sessions = s }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// WithRand overrides the random source used by quote, random and waifu.
func WithRand(intn func(n int) int) Option {
	return func(d *Dispatcher) {
		if intn != nil {
			d.intn = intn
		}
	}
}

// WithCommands appends commands to the built-in table. A name already taken is replaced.
func WithCommands(cmds ...Command) Option {
	return func(d *Dispatcher) { d.extra = append(d.extra, cmds...) }
}

// New constructs a Dispatcher with the built-in command table.
func New(cfg Config, opts ...Option) *Dispatcher {
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.DownloadsDir == "" {
		cfg.DownloadsDir = "downloads"
	}

	d := &Dispatcher{
		cfg:      cfg,
		log:      slog.Default(),
		now:      time.Now,
		intn:     rand.IntN,
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.catalog == nil {
		d.catalog, _ = NewCatalogStore("")
	}

	d.commands = builtins()
	for _, c := range d.extra {
		replaced := false
		for i := range d.commands {
			if d.commands[i].Name == c.Name {
				d.commands[i] = c
				replaced = true
			}
		}
		if !replaced {
			d.commands = append(d.commands, c)
		}
	}
	d.index = make(map[string]*Command, len(d.commands)*2)
	for i := range d.commands {
		c := &d.commands[i]
		d.index[c.Name] = c
		for _, a := range c.Aliases {
			d.index[a] = c
		}
	}
	return d
}

// Prefix returns the command prefix.
func (d *Dispatcher) Prefix() string { return d.cfg.Prefix }

// Commands returns the command table in menu order.
func (d *Dispatcher) Commands() []Command { return append([]Command(nil), d.commands...) }

// Lookup resolves a command name or alias.
func (d *Dispatcher) Lookup(name string) (Command, bool) {
	c, ok := d.index[strings.ToLower(name)]
	if !ok {
		return Command{}, false
	}
	return *c, true
}

// Parse splits body into a lower-cased command name and its arguments.
// ok is false when body does not start with prefix.
func Parse(prefix, body string) (name string, args []string, ok bool) {
	if prefix == "" || !strings.HasPrefix(body, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(body[len(prefix):])
	if len(fields) == 0 {
		return "", nil, true
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// HandleOpen sends the online notice to the identity's own chat.
func (d *Dispatcher) HandleOpen(ctx context.Context, c session.Conn) {
	if c.SelfJID == "" || c.Client == nil {
		return
	}
	cat := d.catalog.Get()
	text := render(cat.OnlineNotice, cat, d.cfg.Prefix, "")
	if err := c.Client.Send(ctx, c.SelfJID, protocol.Text(text)); err != nil {
		d.log.Warn("command.notice.fail", "session_id", c.ID, "err", err)
	}
}

// HandleMessage welcomes first-time contacts, then dispatches.
func (d *Dispatcher) HandleMessage(ctx context.Context, c session.Conn, msg protocol.InboundMessage) {
	if msg.FromMe {
		return
	}
	d.welcome(ctx, c, msg)
	d.Dispatch(ctx, c, msg)
}

// welcome greets a contact the first time any identity hears from it. The contact is
// marked before the greeting is sent so a failed send is not retried.
func (d *Dispatcher) welcome(ctx context.Context, c session.Conn, msg protocol.InboundMessage) {
	if d.contacts == nil || msg.Chat == "" {
		return
	}

	seen, err := d.contacts.HasSeen(ctx, msg.Chat)
	if err != nil {
		d.log.Warn("command.welcome.lookup.fail", "session_id", c.ID, "peer", msg.Chat, "err", err)
		return
	}
	if seen {
		return
	}
	if err := d.contacts.MarkSeen(ctx, msg.Chat); err != nil {
		d.log.Warn("command.welcome.mark.fail", "session_id", c.ID, "peer", msg.Chat, "err", err)
		return
	}

	name := msg.PushName
	if name == "" {
		name = "Cher utilisateur"
	}
	cat := d.catalog.Get()
	out := protocol.Text(render(cat.Welcome, cat, d.cfg.Prefix, name))
	if user, ok := strings.CutSuffix(msg.Chat, "@s.whatsapp.net"); ok {
		out.Mentions = []string{user}
	}
	if err := d.send(ctx, c, msg.Chat, out); err != nil {
		d.log.Warn("command.welcome.fail", "session_id", c.ID, "peer", msg.Chat, "err", err)
	}
}

// Dispatch runs the command named in msg, if any. It never returns an error: failures are
// logged and answered in chat.
func (d *Dispatcher) Dispatch(ctx context.Context, c session.Conn, msg protocol.InboundMessage) {
	name, args, ok := Parse(d.cfg.Prefix, msg.Body())
	if !ok {
		return
	}

	cmd, found := d.Lookup(name)
	if !found {
		d.metrics.RecordCommand("unknown", "unknown", 0)
		cat := d.catalog.Get()
		if err := d.send(ctx, c, msg.Chat, protocol.Text(render(cat.Unknown, cat, d.cfg.Prefix, ""))); err != nil {
			d.log.Warn("command.reply.fail", "session_id", c.ID, "command", name, "err", err)
		}
		return
	}

	start := d.now()
	err := d.run(ctx, cmd, Request{Conn: c, Msg: msg, Name: cmd.Name, Args: args})
	elapsed := d.now().Sub(start).Seconds()

	if err == nil {
		d.metrics.RecordCommand(cmd.Name, "ok", elapsed)
		d.log.Debug("command.exec", "session_id", c.ID, "command", cmd.Name)
		return
	}

	d.metrics.RecordCommand(cmd.Name, "error", elapsed)
	d.log.Warn("command.exec.fail", "session_id", c.ID, "command", cmd.Name, "err", err)
	if ctx.Err() != nil {
		return
	}
	if err := d.send(ctx, c, msg.Chat, protocol.Text(d.catalog.Get().Failed)); err != nil {
		d.log.Warn("command.reply.fail", "session_id", c.ID, "command", cmd.Name, "err", err)
	}
}

var errPanic = errors.New("command panicked")

func (d *Dispatcher) run(ctx context.Context, cmd Command, r Request) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %v", errPanic, p)
		}
	}()
	return cmd.Run(ctx, d, r)
}

// Reply answers the chat a request came from.
func (d *Dispatcher) Reply(ctx context.Context, r Request, msg protocol.OutboundMessage) error {
	return d.send(ctx, r.Conn, r.Msg.Chat, msg)
}

// ReplyText answers with plain text.
func (d *Dispatcher) ReplyText(ctx context.Context, r Request, text string) error {
	return d.Reply(ctx, r, protocol.Text(text))
}

func (d *Dispatcher) send(ctx context.Context, c session.Conn, to string, msg protocol.OutboundMessage) error {
	if c.Client == nil {
		return protocol.ErrClientClosed
	}
	if lim := d.limiter(c.ID); lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	return c.Client.Send(ctx, to, msg)
}

func (d *Dispatcher) limiter(id string) *rate.Limiter {
	if d.cfg.ReplyRate <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	lim, ok := d.limiters[id]
	if !ok {
		burst := d.cfg.ReplyBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(d.cfg.ReplyRate, burst)
		d.limiters[id] = lim
	}
	return lim
}
