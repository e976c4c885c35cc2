// Package potholes runs the detection pipeline against the event store:
// live ingestion of sample batches and full recomputation from the raw log.
package potholes

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/smukkama/road-rover/internal/database"
	"github.com/smukkama/road-rover/internal/detection"
	"github.com/smukkama/road-rover/internal/observability"
)

// ErrStorage marks a failure of the underlying store. The operation was
// rolled back and may be retried by the caller. It is the same sentinel the
// read side wraps, so one errors.Is check covers both.
var ErrStorage = database.ErrStorage

// Store is the event store the service runs against.
type Store interface {
	InTx(ctx context.Context, fn func(database.Tx) error) error
	ListPotholes(ctx context.Context) ([]database.Pothole, error)
	Leaderboard(ctx context.Context, limit int) ([]database.LeaderboardEntry, error)
	OwnerStats(ctx context.Context, owner string) (database.OwnerStats, error)
}

// Publisher announces committed potholes to downstream consumers.
type Publisher interface {
	PublishDetected(ctx context.Context, potholes []database.Pothole) error
}

// Invalidator drops read-side projections derived from the pothole table.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Options configures a Service.
type Options struct {
	Thresholds  detection.Thresholds
	MinInterval time.Duration

	// MaxBatchSamples rejects larger batches as malformed, 0 means no cap.
	MaxBatchSamples int

	Clock       clockwork.Clock
	Publisher   Publisher
	Invalidator Invalidator
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// IngestResult summarizes one committed batch.
type IngestResult struct {
	Detected int
	// Severity is the highest severity among the created potholes, empty
	// when none were created.
	Severity detection.Severity
}

// Service is the write side of the pothole store.
type Service struct {
	store       Store
	detector    *detection.Detector
	minInterval time.Duration
	maxBatch    int
	clock       clockwork.Clock
	publisher   Publisher
	invalidator Invalidator
	logger      *slog.Logger
	metrics     *observability.Metrics
}

func NewService(store Store, opts Options) (*Service, error) {
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if opts.MinInterval < 0 {
		return nil, fmt.Errorf("negative debounce interval %v", opts.MinInterval)
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetricsForTesting()
	}

	return &Service{
		store:       store,
		detector:    detection.NewDetector(opts.Thresholds),
		minInterval: opts.MinInterval,
		maxBatch:    opts.MaxBatchSamples,
		clock:       opts.Clock,
		publisher:   opts.Publisher,
		invalidator: opts.Invalidator,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
	}, nil
}

// Ingest appends a batch to the raw log and stores the potholes detected in
// it, all in one transaction. It reports how many potholes were created and
// the worst of them. Malformed samples fail with detection.ErrMalformedInput
// before anything is written; store failures are wrapped in ErrStorage.
func (s *Service) Ingest(ctx context.Context, samples []detection.RawSample, owner string) (IngestResult, error) {
	if s.maxBatch > 0 && len(samples) > s.maxBatch {
		s.metrics.IngestFailures.WithLabelValues("malformed").Inc()
		return IngestResult{}, fmt.Errorf("%w: batch of %d samples exceeds the limit of %d",
			detection.ErrMalformedInput, len(samples), s.maxBatch)
	}
	if err := detection.Validate(samples); err != nil {
		s.metrics.IngestFailures.WithLabelValues("malformed").Inc()
		return IngestResult{}, err
	}
	if len(samples) == 0 {
		return IngestResult{}, nil
	}

	batch := make([]detection.RawSample, len(samples))
	for i, sample := range samples {
		sample.Owner = owner
		batch[i] = sample.Normalize()
	}

	start := s.clock.Now()
	receivedAt := start.UTC()

	var (
		created    []database.Pothole
		suppressed int
	)
	err := s.store.InTx(ctx, func(tx database.Tx) error {
		last, err := tx.LockDetectionState(ctx)
		if err != nil {
			return err
		}

		gate := detection.NewGate(s.minInterval, last)
		res := s.detector.Detect(batch, gate)

		if err := tx.InsertRawSamples(ctx, batch, receivedAt); err != nil {
			return err
		}

		potholes := newPotholes(res.Events, receivedAt)
		if len(potholes) > 0 {
			if err := tx.InsertPotholes(ctx, potholes); err != nil {
				return err
			}
			newLast, _ := gate.Last()
			if err := tx.SaveDetectionState(ctx, &newLast); err != nil {
				return err
			}
		}

		created = potholes
		suppressed = res.Suppressed
		return nil
	})
	if err != nil {
		s.metrics.IngestFailures.WithLabelValues("storage").Inc()
		return IngestResult{}, fmt.Errorf("%w: ingest: %w", ErrStorage, err)
	}

	s.metrics.IngestDuration.Observe(s.clock.Since(start).Seconds())
	s.metrics.BatchesIngested.Inc()
	s.metrics.SamplesIngested.Add(float64(len(batch)))
	s.metrics.WindowsSuppressed.Add(float64(suppressed))
	result := IngestResult{Detected: len(created)}
	for _, p := range created {
		s.metrics.EventsCreated.WithLabelValues(string(p.Severity)).Inc()
		if p.Severity.Rank() > result.Severity.Rank() {
			result.Severity = p.Severity
		}
	}

	s.logger.Debug("batch ingested",
		"owner", owner,
		"samples", len(batch),
		"potholes", len(created),
		"debounced", suppressed,
	)

	if len(created) > 0 {
		s.afterCommit(ctx, created)
	}
	return result, nil
}

// RecomputeAll deletes every pothole and rebuilds them from the whole raw
// log with a fresh debounce state. The raw log is left untouched. Ingests
// are blocked for the duration. It returns the number of potholes written.
func (s *Service) RecomputeAll(ctx context.Context) (int, error) {
	start := s.clock.Now()
	createdAt := start.UTC()

	var (
		created []database.Pothole
		deleted int64
		replay  int
	)
	err := s.store.InTx(ctx, func(tx database.Tx) error {
		// Same row lock as Ingest, taken first so both paths acquire
		// locks in the same order.
		if _, err := tx.LockDetectionState(ctx); err != nil {
			return err
		}
		if err := tx.LockPotholes(ctx); err != nil {
			return err
		}

		n, err := tx.DeleteAllPotholes(ctx)
		if err != nil {
			return err
		}

		samples, err := tx.ReplaySamples(ctx)
		if err != nil {
			return err
		}

		gate := detection.NewGate(s.minInterval, nil)
		res := s.detector.Detect(samples, gate)

		potholes := newPotholes(res.Events, createdAt)
		if err := tx.InsertPotholes(ctx, potholes); err != nil {
			return err
		}

		var last *time.Time
		if ts, ok := gate.Last(); ok {
			last = &ts
		}
		if err := tx.SaveDetectionState(ctx, last); err != nil {
			return err
		}

		created, deleted, replay = potholes, n, len(samples)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: recompute: %w", ErrStorage, err)
	}

	elapsed := s.clock.Since(start)
	s.metrics.RecomputeDuration.Observe(elapsed.Seconds())
	s.metrics.RecomputedEvents.Set(float64(len(created)))

	s.logger.Info("potholes recomputed",
		"samples", replay,
		"deleted", deleted,
		"created", len(created),
		"duration", elapsed,
	)

	s.invalidate(ctx)
	return len(created), nil
}

// Leaderboard ranks owners by pothole count.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]database.LeaderboardEntry, error) {
	entries, err := s.store.Leaderboard(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: leaderboard: %w", ErrStorage, err)
	}
	return entries, nil
}

// OwnerStats returns the per-severity pothole counts of one owner.
func (s *Service) OwnerStats(ctx context.Context, owner string) (database.OwnerStats, error) {
	stats, err := s.store.OwnerStats(ctx, owner)
	if err != nil {
		return database.OwnerStats{}, fmt.Errorf("%w: owner stats: %w", ErrStorage, err)
	}
	return stats, nil
}

// afterCommit runs the best-effort follow-ups of a committed ingest. Their
// failures are logged and never undo the commit.
func (s *Service) afterCommit(ctx context.Context, created []database.Pothole) {
	s.invalidate(ctx)

	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishDetected(ctx, created); err != nil {
		s.metrics.PublishFailures.Inc()
		s.logger.Warn("failed to publish detections", "potholes", len(created), "error", err)
	}
}

func (s *Service) invalidate(ctx context.Context) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx); err != nil {
		s.logger.Warn("failed to invalidate heatmap cache", "error", err)
	}
}
