// Package detection turns raw accelerometer samples into pothole events.
//
// The pipeline is aggregate -> classify -> debounce. Everything in this
// package is pure: storage, locking and transport live in the callers.
package detection

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// StandardGravity is the magnitude expected from a phone at rest or riding
// on a smooth road, in m/s².
const StandardGravity = 9.81

// ErrMalformedInput rejects a whole batch. Nothing from a rejected batch is
// ever persisted.
var ErrMalformedInput = errors.New("malformed input")

// Acceleration is one accelerometer reading including gravity, in m/s².
type Acceleration struct {
	X, Y, Z float64
}

// Magnitude returns the Euclidean norm of the three axes.
func (a Acceleration) Magnitude() float64 {
	return math.Sqrt(a.X*a.X + a.Y*a.Y + a.Z*a.Z)
}

// Coordinates is a WGS-84 position in degrees.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the position is inside the latitude/longitude range.
func (c Coordinates) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// RawSample is one reading as it is written to the raw log.
type RawSample struct {
	Timestamp    time.Time
	Acceleration Acceleration
	// Coordinates is nil when the client had no position fix.
	Coordinates *Coordinates
	// Owner is the opaque user reference, empty for anonymous riders.
	Owner string
}

// Normalize returns the sample with its timestamp in UTC at microsecond
// precision, which is what the raw log can hold. Detection always runs on
// normalized samples so that replaying the log gives the same windows.
func (s RawSample) Normalize() RawSample {
	s.Timestamp = s.Timestamp.UTC().Truncate(time.Microsecond)
	return s
}

// Validate checks every sample of a batch and fails on the first bad one.
func Validate(samples []RawSample) error {
	for i, s := range samples {
		if s.Timestamp.IsZero() {
			return fmt.Errorf("%w: sample %d: missing timestamp", ErrMalformedInput, i)
		}
		a := s.Acceleration
		if !finite(a.X) || !finite(a.Y) || !finite(a.Z) {
			return fmt.Errorf("%w: sample %d: acceleration is not finite", ErrMalformedInput, i)
		}
		if s.Coordinates != nil {
			c := *s.Coordinates
			if !finite(c.Lat) || !finite(c.Lon) || !c.Valid() {
				return fmt.Errorf("%w: sample %d: coordinates (%v, %v) out of range",
					ErrMalformedInput, i, c.Lat, c.Lon)
			}
		}
	}
	return nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
