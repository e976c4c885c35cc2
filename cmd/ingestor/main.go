package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smukkama/road-rover/internal/app"
	"github.com/smukkama/road-rover/internal/observability"
	"github.com/smukkama/road-rover/internal/queue"
	"github.com/smukkama/road-rover/internal/server"
	"github.com/smukkama/road-rover/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Log)
	metrics := observability.NewMetrics()

	if !cfg.Kafka.Enabled {
		logger.Error("the ingestor consumes from Kafka, set KAFKA_ENABLED=true")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}
	defer a.Close(logger)

	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicSamples, cfg.Kafka.GroupID)
	defer func() {
		if err := consumer.Close(); err != nil {
			logger.Error("kafka consumer close error", "error", err)
		}
	}()

	ingest := queue.NewIngestConsumer(consumer, a.Service, nil, logger, metrics)

	// Same API as the server, so the ingestor can also take HTTP batches
	// and serve health checks.
	srv := server.NewHTTPServer(server.Options{Addr: cfg.HTTP.Addr}, a.Service, a.View, a.DB, logger)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Print consumer stats periodically
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := consumer.Stats()
				logger.Info("consumer stats",
					"messages", stats.Messages,
					"bytes", stats.Bytes,
					"errors", stats.Errors,
					"lag", stats.Lag,
				)
			}
		}
	}()

	logger.Info("ingestor running",
		"topic", cfg.Kafka.TopicSamples,
		"group", cfg.Kafka.GroupID,
		"brokers", cfg.Kafka.Brokers,
	)

	if err := ingest.Run(ctx); err != nil {
		logger.Error("ingest consumer error", "error", err)
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
