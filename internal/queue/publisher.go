package queue

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"github.com/smukkama/road-rover/internal/database"
	"github.com/smukkama/road-rover/internal/protocol"
)

// BatchWriter writes a batch of messages to one topic.
type BatchWriter interface {
	PublishBatch(ctx context.Context, messages []kafka.Message) error
}

// PotholePublisher sends one POTHOLE_DETECTED notification per committed
// pothole, keyed by pothole id.
type PotholePublisher struct {
	writer BatchWriter
}

func NewPotholePublisher(writer BatchWriter) *PotholePublisher {
	return &PotholePublisher{writer: writer}
}

// PublishDetected implements potholes.Publisher.
func (p *PotholePublisher) PublishDetected(ctx context.Context, potholes []database.Pothole) error {
	if len(potholes) == 0 {
		return nil
	}

	messages := make([]kafka.Message, 0, len(potholes))
	for _, ph := range potholes {
		n := &protocol.PotholeNotification{
			Type:      protocol.NotificationTypeDetected,
			ID:        ph.ID.String(),
			Severity:  string(ph.Severity),
			Timestamp: ph.Timestamp.UTC(),
			Latitude:  ph.Lat,
			Longitude: ph.Lon,
			Deviation: ph.Deviation,
		}
		if ph.Owner != nil {
			n.Owner = *ph.Owner
		}

		value, err := protocol.EncodePotholeNotification(n)
		if err != nil {
			return fmt.Errorf("failed to encode notification for %s: %w", ph.ID, err)
		}
		messages = append(messages, kafka.Message{Key: []byte(n.ID), Value: value})
	}

	return p.writer.PublishBatch(ctx, messages)
}
