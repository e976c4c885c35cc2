// Package app wires the store, cache, publisher and pothole service from
// configuration. Every binary builds on it.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/smukkama/road-rover/internal/database"
	"github.com/smukkama/road-rover/internal/detection"
	"github.com/smukkama/road-rover/internal/heatmap"
	"github.com/smukkama/road-rover/internal/observability"
	"github.com/smukkama/road-rover/internal/potholes"
	"github.com/smukkama/road-rover/internal/queue"
	"github.com/smukkama/road-rover/pkg/config"
)

// topicCreator matches queue.CreateTopic.
type topicCreator func(brokers []string, topic string, numPartitions, replicationFactor int, logger *slog.Logger) error

var createTopic topicCreator = queue.CreateTopic

// App holds the wired components and everything that has to be closed on
// shutdown.
type App struct {
	DB      *database.DB
	Service *potholes.Service
	View    *heatmap.View

	redis    *redis.Client
	producer *queue.Producer
}

// New connects to the database, applies migrations and wires the optional
// Redis cache and Kafka publisher.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*App, error) {
	db, err := database.Connect(ctx, cfg.Database.ConnectionString(), cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	a := &App{DB: db}

	if err := db.MigrateUp(); err != nil {
		a.Close(logger)
		return nil, err
	}
	logger.Info("connected to database", "host", cfg.Database.Host, "db", cfg.Database.DBName)

	var cache heatmap.Cache
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			// The cache is optional: the heatmap falls back to the store.
			logger.Warn("redis unreachable, heatmap cache degraded", "addr", cfg.Redis.Addr, "error", err)
		}
		cache = heatmap.NewRedisCache(a.redis, cfg.Redis.HeatmapTTL)
	}

	a.View = heatmap.NewView(db, cache, heatmap.Params{
		Radius:      cfg.Density.RadiusDeg,
		Base:        cfg.Density.Base,
		Coefficient: cfg.Density.Coefficient,
	}, logger, metrics)

	opts := potholes.Options{
		Thresholds: detection.Thresholds{
			Large:  cfg.Detection.LargeThreshold,
			Medium: cfg.Detection.MediumThreshold,
			Small:  cfg.Detection.SmallThreshold,
		},
		MinInterval:     cfg.Detection.DebounceInterval,
		MaxBatchSamples: cfg.HTTP.MaxBatchSamples,
		Invalidator:     a.View,
		Logger:          logger,
		Metrics:         metrics,
	}
	if cfg.Kafka.Enabled {
		ensureTopics(cfg.Kafka, createTopic, logger)
		a.producer = queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicPotholes)
		opts.Publisher = queue.NewPotholePublisher(a.producer)
	}

	a.Service, err = potholes.NewService(db, opts)
	if err != nil {
		a.Close(logger)
		return nil, fmt.Errorf("invalid detection settings: %w", err)
	}
	return a, nil
}

// ensureTopics creates the samples and potholes topics. A failure is only
// logged: the topics may exist already or be managed outside this service.
func ensureTopics(cfg config.KafkaConfig, create topicCreator, logger *slog.Logger) {
	for _, topic := range []string{cfg.TopicSamples, cfg.TopicPotholes} {
		if err := create(cfg.Brokers, topic, cfg.NumPartitions, cfg.ReplicationFactor, logger); err != nil {
			logger.Warn("topic creation failed (may already exist)", "topic", topic, "error", err)
		}
	}
}

// Close releases every connection New opened.
func (a *App) Close(logger *slog.Logger) {
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			logger.Error("kafka producer close error", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Error("redis close error", "error", err)
		}
	}
	if err := a.DB.Close(); err != nil {
		logger.Error("database close error", "error", err)
	}
}
