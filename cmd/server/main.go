package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"erpsplit/internal/app"
	"erpsplit/internal/platform/config"
	"erpsplit/internal/platform/logger"
)

// main wires high-level dependencies and keeps the server lifecycle small.
// Business logic lives in the internal service packages.
func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("wire runtime: %w", err)
	}
	defer a.Close()

	log.Info("starting erpsplit", "addr", cfg.Server.Addr, "boundaries", cfg.Server.Boundaries)
	if err := a.Serve(ctx); err != nil {
		return err
	}
	log.Info("erpsplit stopped")
	return nil
}
