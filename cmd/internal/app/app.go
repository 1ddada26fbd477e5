// Package app wires the gateway runtime: config, logging, storage, the session controller,
// the command dispatcher, and the HTTP and WebSocket surfaces.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Crazynotdev/Tts/cmd/internal/admission"
	"github.com/Crazynotdev/Tts/cmd/internal/api"
	"github.com/Crazynotdev/Tts/cmd/internal/authstate"
	"github.com/Crazynotdev/Tts/cmd/internal/command"
	"github.com/Crazynotdev/Tts/cmd/internal/contacts"
	"github.com/Crazynotdev/Tts/cmd/internal/metrics"
	"github.com/Crazynotdev/Tts/cmd/internal/protocol"
	"github.com/Crazynotdev/Tts/cmd/internal/protocol/fake"
	"github.com/Crazynotdev/Tts/cmd/internal/realtime"
	"github.com/Crazynotdev/Tts/cmd/internal/session"
)

// App is the gateway runtime: it owns the HTTP server and every long-lived component.
type App struct {
	cfg Config
	log Logger

	dbPool    *pgxpool.Pool
	dbEnabled bool
	contacts  contacts.Store

	metrics   *metrics.Metrics
	admission *admission.Controller
	catalog   *command.CatalogStore
	hub       *realtime.Hub
	sessions  *session.Controller

	handler http.Handler
}

// sessionCount adapts a func to command.SessionCounter.
type sessionCount func() int

func (f sessionCount) ActiveCount() int { return f() }

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	ctx := context.Background()

	factory, err := newFactory(cfg)
	if err != nil {
		return nil, err
	}
	auth, err := authstate.NewFileStore(cfg.SessionsDir)
	if err != nil {
		return nil, err
	}
	catalog, err := command.NewCatalogStore(cfg.CatalogFile)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, metrics: metrics.New(), catalog: catalog}
	if err := a.openContacts(ctx); err != nil {
		return nil, err
	}

	a.admission = admission.New(admission.Config{
		MaxActive:   cfg.MaxSessionsPerOrigin,
		MaxAttempts: cfg.MaxAttemptsPerOrigin,
		Window:      cfg.AttemptWindow,
	})

	a.hub = realtime.NewHub(log,
		realtime.WithBacklog(cfg.RoomBacklog),
		realtime.WithRoomTTL(cfg.RoomTTL),
		realtime.WithHubMetrics(a.metrics),
	)

	dispatcher := command.New(command.Config{
		Prefix:       cfg.CommandPrefix,
		DownloadsDir: cfg.DownloadsDir,
		ReplyRate:    rate.Limit(cfg.ReplyRate),
		ReplyBurst:   cfg.ReplyBurst,
	},
		command.WithLogger(log),
		command.WithCatalog(catalog),
		command.WithContacts(a.contacts),
		command.WithSessions(sessionCount(func() int { return a.sessions.ActiveCount() })),
		command.WithMetrics(a.metrics),
	)

	a.sessions = session.NewController(factory, auth, session.Config{
		PairingTTL:  cfg.PairingTTL,
		PairingMode: session.ParsePairingMode(cfg.PairingMode),
		OpTimeout:   cfg.OpTimeout,
		Backoff: session.BackoffConfig{
			Initial:    cfg.ReconnectInitial,
			Max:        cfg.ReconnectMax,
			Multiplier: cfg.ReconnectMultiplier,
			Jitter:     cfg.ReconnectJitter,
			MaxRetries: cfg.ReconnectMaxRetries,
		},
	},
		session.WithLogger(log),
		session.WithNotifier(a.hub),
		session.WithHandler(dispatcher),
		session.WithAdmission(a.admission),
		session.WithMetrics(a.metrics),
	)

	// A browser that leaves its room for good abandons any pairing still in progress there.
	a.hub.SetOnRoomEmpty(func(room string) { a.sessions.Abandon(room) })

	ws := realtime.NewWSGateway(log, a.hub, realtime.GatewayConfig{
		OriginRequired:   cfg.WSOriginRequired,
		AllowedOrigins:   cfg.WSAllowedOrigins,
		DevInsecure:      cfg.WSDevInsecure,
		SendQueueSize:    cfg.WSSendQueue,
		HeartbeatEvery:   cfg.WSHeartbeatEvery,
		HeartbeatTimeout: cfg.WSHeartbeatTimeout,
		RateEvents:       cfg.WSRateEvents,
		RateWindow:       cfg.WSRateWindow,
	})

	apiHandler := api.NewHandler(log, a.sessions, api.Config{
		TrustProxy: cfg.TrustProxy,
		OpTimeout:  cfg.OpTimeout,
	})

	mux := http.NewServeMux()
	registerHTTP(mux, log, cfg, a.dbPool, a.dbEnabled, ws, apiHandler, a.metrics.Handler())
	a.handler = WithRequestLogging(WithSecurityHeaders(WithCORS(mux, cfg, log)), log)

	return a, nil
}

// Handler returns the root HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// Sessions returns the session controller.
func (a *App) Sessions() *session.Controller { return a.sessions }

// Run starts the HTTP server and background workers, and blocks until context cancellation
// or a fatal server error. Sessions are stopped with their credentials kept.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 45*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"db_enabled", a.dbEnabled,
		"driver", a.cfg.Driver,
		"pairing_mode", a.cfg.PairingMode,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", "context_done")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error { return a.sessions.Run(gctx) })
	g.Go(func() error { return a.admission.Run(gctx) })
	g.Go(func() error { return a.hub.Run(gctx) })
	g.Go(func() error {
		if err := a.catalog.Watch(gctx, a.log); err != nil {
			a.log.Warn("catalog.watch.fail", "path", a.catalog.Path(), "err", err)
		}
		return nil
	})

	err := g.Wait()
	a.Close()
	a.log.Info("server.stopped")
	return err
}

// Close stops every session and releases storage. It is safe to call more than once.
func (a *App) Close() {
	a.sessions.Close()
	if a.contacts != nil {
		if err := a.contacts.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
}

func (a *App) openContacts(ctx context.Context) error {
	if a.cfg.DatabaseURL == "" {
		st, err := contacts.OpenFileStore(a.cfg.SeenFile)
		if err != nil {
			return err
		}
		a.log.Info("db.disabled.file_store", "path", a.cfg.SeenFile)
		a.contacts = st
		return nil
	}

	pool, err := NewDBPool(ctx, a.cfg)
	if err != nil {
		return err
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	st, err := contacts.NewPostgresStore(pool, contacts.WithSchema(a.cfg.DBSchema))
	if err == nil {
		err = st.EnsureSchema(ctx)
	}
	if err != nil {
		pool.Close()
		return err
	}

	a.log.Info("db.enabled.postgres_store", "schema", a.cfg.DBSchema)
	a.dbPool, a.dbEnabled, a.contacts = pool, true, st
	return nil
}

func newFactory(cfg Config) (protocol.Factory, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "fake":
		return fake.NewFactory(fake.Options{
			EmitQROnConnect: true,
			OpenRegistered:  true,
			AutoPairAfter:   cfg.FakeAutoPair,
		}), nil
	default:
		return nil, fmt.Errorf("app: unknown protocol driver %q", cfg.Driver)
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
