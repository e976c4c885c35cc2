package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/segmentio/kafka-go"
	"github.com/smukkama/road-rover/internal/detection"
	"github.com/smukkama/road-rover/internal/observability"
	"github.com/smukkama/road-rover/internal/potholes"
	"github.com/smukkama/road-rover/internal/protocol"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
	commitTimeout  = 5 * time.Second
)

// MessageSource yields messages one at a time and commits them.
type MessageSource interface {
	Consume(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// Ingester stores one sample batch.
type Ingester interface {
	Ingest(ctx context.Context, samples []detection.RawSample, owner string) (potholes.IngestResult, error)
}

// IngestConsumer feeds sample batches from Kafka into the ingester. A
// message is committed once its batch is stored or once it is known to be
// malformed. Storage failures are retried with backoff on the same message,
// so the partition never moves past a batch that was not stored.
type IngestConsumer struct {
	source   MessageSource
	ingester Ingester
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	ready    atomic.Bool
}

func NewIngestConsumer(source MessageSource, ingester Ingester, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *IngestConsumer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &IngestConsumer{
		source:   source,
		ingester: ingester,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
	}
}

// CheckReadiness returns nil once at least one message was handled.
func (c *IngestConsumer) CheckReadiness(_ context.Context) error {
	if !c.ready.Load() {
		return errors.New("ingestor has not handled any messages yet")
	}
	return nil
}

// Run consumes until ctx is cancelled.
func (c *IngestConsumer) Run(ctx context.Context) error {
	c.logger.Info("ingest consumer started")
	backoff := initialBackoff

	for {
		msg, err := c.source.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("ingest consumer stopping", "reason", ctx.Err())
				return nil
			}
			c.logger.Error("fetch failed", "error", err)
			if !c.sleep(ctx, &backoff) {
				return nil
			}
			continue
		}
		backoff = initialBackoff

		if !c.handle(ctx, msg) {
			c.logger.Info("ingest consumer stopping", "reason", ctx.Err())
			return nil
		}
	}
}

// handle processes one message until it is committed or ctx ends. It
// returns false when the consumer should stop.
func (c *IngestConsumer) handle(ctx context.Context, msg kafka.Message) bool {
	log := c.logger.With("partition", msg.Partition, "offset", msg.Offset)

	owner, samples, err := decodeBatch(msg.Value)
	if err != nil {
		log.Warn("dropping malformed batch", "error", err)
		c.metrics.IngestFailures.WithLabelValues("malformed").Inc()
		c.commit(ctx, msg, log)
		return true
	}

	backoff := initialBackoff
	for {
		res, err := c.ingester.Ingest(ctx, samples, owner)
		switch {
		case err == nil:
			log.Debug("batch stored",
				"owner", owner,
				"samples", len(samples),
				"potholes", res.Detected,
				"severity", res.Severity,
			)
			c.commit(ctx, msg, log)
			return true
		case errors.Is(err, detection.ErrMalformedInput):
			log.Warn("dropping malformed batch", "error", err)
			c.commit(ctx, msg, log)
			return true
		}

		if ctx.Err() != nil {
			return false
		}
		log.Error("ingest failed, retrying", "error", err, "backoff", backoff)
		if !c.sleep(ctx, &backoff) {
			return false
		}
	}
}

func (c *IngestConsumer) commit(ctx context.Context, msg kafka.Message, log *slog.Logger) {
	c.ready.Store(true)

	// A stored batch is committed even during shutdown, otherwise it would
	// be ingested a second time after restart.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := c.source.Commit(ctx, msg); err != nil {
		log.Warn("commit offset failed", "error", err)
	}
}

// sleep waits for the current backoff and doubles it. It returns false if
// ctx ended first.
func (c *IngestConsumer) sleep(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-c.clock.After(*backoff):
	}

	*backoff *= 2
	if *backoff > maxBackoff {
		*backoff = maxBackoff
	}
	return true
}

func decodeBatch(value []byte) (string, []detection.RawSample, error) {
	batch, err := protocol.DecodeSampleBatch(value)
	if err != nil {
		return "", nil, fmt.Errorf("%w: invalid batch message: %v", detection.ErrMalformedInput, err)
	}
	samples, err := protocol.ParseSamples(batch.Samples, batch.Owner)
	if err != nil {
		return "", nil, err
	}
	return batch.Owner, samples, nil
}
