package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	HTTP      HTTPConfig
	Detection DetectionConfig
	Density   DensityConfig
	Log       LogConfig
}

type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	DBName       string
	SSLMode      string
	MaxOpenConns int
}

func (d DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	// HeatmapTTL bounds how long an enriched heatmap stays cached even
	// without an invalidation.
	HeatmapTTL time.Duration
}

type KafkaConfig struct {
	Enabled       bool
	Brokers       []string
	TopicSamples  string
	TopicPotholes string
	GroupID       string

	// Topics are created with these settings when they do not exist yet.
	NumPartitions     int
	ReplicationFactor int
}

type HTTPConfig struct {
	Addr            string
	ShutdownTimeout time.Duration
	MaxBatchSamples int
}

// DetectionConfig holds the tunable parameters of the pothole detector.
// Thresholds are deviations from standard gravity in m/s².
type DetectionConfig struct {
	LargeThreshold   float64
	MediumThreshold  float64
	SmallThreshold   float64
	DebounceInterval time.Duration
}

// DensityConfig controls the heatmap display radius. RadiusDeg is a
// distance in coordinate degrees, Base and Coefficient are map units.
type DensityConfig struct {
	RadiusDeg   float64
	Base        float64
	Coefficient float64
}

type LogConfig struct {
	Level  string
	Format string
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	p := &parser{}

	config := &Config{
		Database: DatabaseConfig{
			Host:         getEnv("DB_HOST", "localhost"),
			Port:         p.int("DB_PORT", 5432),
			User:         getEnv("DB_USER", "rover"),
			Password:     getEnv("DB_PASSWORD", "rover_pass"),
			DBName:       getEnv("DB_NAME", "road_rover"),
			SSLMode:      getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns: p.int("DB_MAX_OPEN_CONNS", 25),
		},
		Redis: RedisConfig{
			Enabled:    p.bool("REDIS_ENABLED", false),
			Addr:       getEnv("REDIS_ADDR", "localhost:6379"),
			Password:   getEnv("REDIS_PASSWORD", ""),
			DB:         p.int("REDIS_DB", 0),
			HeatmapTTL: p.duration("HEATMAP_CACHE_TTL", 5*time.Minute),
		},
		Kafka: KafkaConfig{
			Enabled:       p.bool("KAFKA_ENABLED", false),
			Brokers:       splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			TopicSamples:  getEnv("KAFKA_TOPIC_SAMPLES", "roadrover.samples.raw"),
			TopicPotholes: getEnv("KAFKA_TOPIC_POTHOLES", "roadrover.potholes"),
			GroupID:       getEnv("KAFKA_GROUP_ID", "roadrover-ingestor"),

			NumPartitions:     p.int("KAFKA_NUM_PARTITIONS", 10),
			ReplicationFactor: p.int("KAFKA_REPLICATION_FACTOR", 1),
		},
		HTTP: HTTPConfig{
			Addr:            getEnv("HTTP_ADDR", ":8000"),
			ShutdownTimeout: p.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
			MaxBatchSamples: p.int("MAX_BATCH_SAMPLES", 10000),
		},
		Detection: DetectionConfig{
			LargeThreshold:   p.float("SEVERITY_LARGE", 1.0),
			MediumThreshold:  p.float("SEVERITY_MEDIUM", 0.5),
			SmallThreshold:   p.float("SEVERITY_SMALL", 0.35),
			DebounceInterval: p.duration("DEBOUNCE_INTERVAL", 1500*time.Millisecond),
		},
		Density: DensityConfig{
			RadiusDeg:   p.float("DENSITY_RADIUS_DEG", 0.001),
			Base:        p.float("DENSITY_BASE_RADIUS", 25),
			Coefficient: p.float("DENSITY_COEFFICIENT", 5),
		},
		Log: LogConfig{
			Level:  strings.ToLower(getEnv("LOG_LEVEL", "info")),
			Format: strings.ToLower(getEnv("LOG_FORMAT", "json")),
		},
	}

	if len(p.errs) > 0 {
		return nil, errors.Join(p.errs...)
	}
	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) validate() error {
	d := c.Detection
	if !(d.SmallThreshold > 0) {
		return errors.New("SEVERITY_SMALL must be positive")
	}
	if !(d.LargeThreshold > d.MediumThreshold && d.MediumThreshold > d.SmallThreshold) {
		return fmt.Errorf("severity thresholds must be strictly descending (large=%v medium=%v small=%v)",
			d.LargeThreshold, d.MediumThreshold, d.SmallThreshold)
	}
	if d.DebounceInterval < 0 {
		return errors.New("DEBOUNCE_INTERVAL must not be negative")
	}
	if !finite(c.Density.RadiusDeg) || !(c.Density.RadiusDeg > 0) {
		return errors.New("DENSITY_RADIUS_DEG must be a positive number")
	}
	if !finite(c.Density.Base) || !(c.Density.Base >= 0) {
		return errors.New("DENSITY_BASE_RADIUS must be a non-negative number")
	}
	if !finite(c.Density.Coefficient) || !(c.Density.Coefficient >= 0) {
		return errors.New("DENSITY_COEFFICIENT must be a non-negative number")
	}
	if c.HTTP.MaxBatchSamples <= 0 {
		return errors.New("MAX_BATCH_SAMPLES must be positive")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
	}
	if c.Kafka.NumPartitions <= 0 || c.Kafka.ReplicationFactor <= 0 {
		return errors.New("KAFKA_NUM_PARTITIONS and KAFKA_REPLICATION_FACTOR must be positive")
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q", c.Log.Format)
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parser collects malformed values instead of silently falling back to the
// default, so a typo in a threshold does not go unnoticed.
type parser struct {
	errs []error
}

func (p *parser) int(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return value
}

func (p *parser) float(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return value
}

func (p *parser) bool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return value
}

func (p *parser) duration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid %s: %w", key, err))
		return defaultValue
	}
	return value
}
