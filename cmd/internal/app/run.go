package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
)

// Run is the botgate entrypoint. It blocks until SIGINT or SIGTERM, stops every session
// with its credentials kept, and returns only errors worth a non-zero exit.
func Run() error {
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	a, err := New(cfg, log)
	if err != nil {
		log.Error("app.init.fail", "driver", cfg.Driver, "db_configured", cfg.DatabaseURL != "", "err", err)
		return fmt.Errorf("botgate: init: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("botgate: %w", err)
	}
	return nil
}
