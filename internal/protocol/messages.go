package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/relvacode/iso8601"
	"github.com/smukkama/road-rover/internal/detection"
)

// AccelerationData is the devicemotion accelerationIncludingGravity payload.
// Axes are pointers because browsers report null for missing sensors.
type AccelerationData struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
}

// SampleRecord is one accelerometer reading as posted by the client.
type SampleRecord struct {
	Timestamp    string           `json:"timestamp"`
	Acceleration AccelerationData `json:"acceleration"`
	// Coordinates is [longitude, latitude] (GeoJSON order) or null when the
	// client has no position fix.
	Coordinates []float64 `json:"coordinates"`
}

// IngestResponse is returned after a batch is committed. PotholeSeverity is
// the worst severity detected in the batch and is omitted when none was.
type IngestResponse struct {
	PotholesDetected int    `json:"potholes_detected"`
	PotholeSeverity  string `json:"pothole_severity,omitempty"`
}

// RecomputeResponse is returned after a full recompute.
type RecomputeResponse struct {
	Message  string `json:"message"`
	Potholes int    `json:"potholes"`
}

// ErrorResponse carries a failure back to the client.
type ErrorResponse struct {
	Detail    string `json:"detail"`
	Retryable bool   `json:"retryable,omitempty"`
}

// DecodeSampleRecords decodes a JSON array of sample records.
func DecodeSampleRecords(data []byte) ([]SampleRecord, error) {
	var records []SampleRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", detection.ErrMalformedInput, err)
	}
	return records, nil
}

// ParseSamples converts client records into raw samples attributed to owner.
// Any malformed record rejects the whole batch.
func ParseSamples(records []SampleRecord, owner string) ([]detection.RawSample, error) {
	samples := make([]detection.RawSample, 0, len(records))
	for i := range records {
		s, err := records[i].Parse()
		if err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", detection.ErrMalformedInput, i, err)
		}
		s.Owner = owner
		samples = append(samples, s)
	}
	return samples, nil
}

// Parse validates and converts a single record.
func (r *SampleRecord) Parse() (detection.RawSample, error) {
	if r.Timestamp == "" {
		return detection.RawSample{}, fmt.Errorf("timestamp is required")
	}
	// Timestamps without a zone designator are taken as UTC.
	ts, err := iso8601.ParseString(r.Timestamp)
	if err != nil {
		return detection.RawSample{}, fmt.Errorf("invalid timestamp %q: %w", r.Timestamp, err)
	}

	a := r.Acceleration
	if a.X == nil || a.Y == nil || a.Z == nil {
		return detection.RawSample{}, fmt.Errorf("acceleration must have x, y and z")
	}

	s := detection.RawSample{
		Timestamp:    ts,
		Acceleration: detection.Acceleration{X: *a.X, Y: *a.Y, Z: *a.Z},
	}

	switch len(r.Coordinates) {
	case 0:
	case 2:
		c := detection.Coordinates{Lon: r.Coordinates[0], Lat: r.Coordinates[1]}
		if !c.Valid() {
			return detection.RawSample{}, fmt.Errorf("coordinates %v out of range", r.Coordinates)
		}
		s.Coordinates = &c
	default:
		return detection.RawSample{}, fmt.Errorf("coordinates must be [longitude, latitude]")
	}

	return s, nil
}
