package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/smukkama/road-rover/internal/protocol"
)

// SamplePublisher relays client sample batches to the ingestor topic,
// keyed by owner so one rider's batches stay in order.
type SamplePublisher struct {
	writer BatchWriter
}

func NewSamplePublisher(writer BatchWriter) *SamplePublisher {
	return &SamplePublisher{writer: writer}
}

func (p *SamplePublisher) PublishBatch(ctx context.Context, owner string, records []protocol.SampleRecord) error {
	value, err := protocol.EncodeSampleBatch(&protocol.SampleBatchMessage{
		Owner:      owner,
		ReceivedAt: time.Now().UTC(),
		Samples:    records,
	})
	if err != nil {
		return fmt.Errorf("failed to encode sample batch: %w", err)
	}
	return p.writer.PublishBatch(ctx, []kafka.Message{{Key: []byte(owner), Value: value}})
}
