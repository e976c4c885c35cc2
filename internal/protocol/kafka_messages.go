package protocol

import (
	"encoding/json"
	"time"
)

// SampleBatchMessage is a client batch relayed through Kafka to the
// ingestor. Owner is the opaque user reference of the rider.
type SampleBatchMessage struct {
	Owner      string         `json:"owner,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
	Samples    []SampleRecord `json:"samples"`
}

// PotholeNotification announces a committed pothole event.
type PotholeNotification struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	Severity  string    `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Latitude  *float64  `json:"latitude,omitempty"`
	Longitude *float64  `json:"longitude,omitempty"`
	Owner     string    `json:"owner,omitempty"`
	Deviation float64   `json:"deviation"`
}

const (
	NotificationTypeDetected = "POTHOLE_DETECTED"
)

// EncodeSampleBatch encodes a SampleBatchMessage to JSON
func EncodeSampleBatch(msg *SampleBatchMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeSampleBatch decodes JSON to SampleBatchMessage
func DecodeSampleBatch(data []byte) (*SampleBatchMessage, error) {
	var msg SampleBatchMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// EncodePotholeNotification encodes a PotholeNotification to JSON
func EncodePotholeNotification(n *PotholeNotification) ([]byte, error) {
	return json.Marshal(n)
}

// DecodePotholeNotification decodes JSON to PotholeNotification
func DecodePotholeNotification(data []byte) (*PotholeNotification, error) {
	var n PotholeNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, err
	}
	return &n, nil
}
