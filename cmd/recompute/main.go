// Command recompute rebuilds every pothole from the raw sample log with the
// current detection settings, or only applies migrations with -migrate.
//
// Usage:
//
//	go run ./cmd/recompute [-migrate] [-timeout 30m]
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smukkama/road-rover/internal/app"
	"github.com/smukkama/road-rover/internal/observability"
	"github.com/smukkama/road-rover/pkg/config"
)

func main() {
	migrateOnly := flag.Bool("migrate", false, "apply database migrations and exit")
	timeout := flag.Duration("timeout", 30*time.Minute, "abort the recompute after this long")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Log)

	if err := run(cfg, logger, *migrateOnly, *timeout); err != nil {
		logger.Error("recompute failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger, migrateOnly bool, timeout time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	a, err := app.New(ctx, cfg, logger, observability.NewMetrics())
	if err != nil {
		return err
	}
	defer a.Close(logger)

	if migrateOnly {
		version, dirty, err := a.DB.MigrateVersion()
		if err != nil {
			return err
		}
		logger.Info("migrations applied", "version", version, "dirty", dirty)
		return nil
	}

	n, err := a.Service.RecomputeAll(ctx)
	if err != nil {
		return err
	}
	logger.Info("recompute complete", "potholes", n)
	return nil
}
