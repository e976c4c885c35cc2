package detection

import (
	"fmt"
	"math"
)

// Severity is the size class of a detected pothole.
type Severity string

const (
	SeveritySmall  Severity = "small"
	SeverityMedium Severity = "medium"
	SeverityLarge  Severity = "large"
)

// ParseSeverity maps a stored severity name back to its constant.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeveritySmall, SeverityMedium, SeverityLarge:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Rank orders severities from small to large. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeveritySmall:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLarge:
		return 3
	}
	return 0
}

// Thresholds are the lower bounds, exclusive, of each severity on the
// deviation from gravity.
type Thresholds struct {
	Large  float64
	Medium float64
	Small  float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Large: 1.0, Medium: 0.5, Small: 0.35}
}

func (t Thresholds) Validate() error {
	if t.Small <= 0 || t.Medium <= t.Small || t.Large <= t.Medium {
		return fmt.Errorf("thresholds must be positive and strictly descending: %+v", t)
	}
	return nil
}

// Deviation is the distance between the window's mean magnitude and gravity.
func Deviation(w Window) float64 {
	return math.Abs(w.Mean() - StandardGravity)
}

// Classify returns the severity of a window, or false when the window is
// below every threshold.
func (t Thresholds) Classify(w Window) (Severity, bool) {
	if len(w.Magnitudes) == 0 {
		return "", false
	}
	d := Deviation(w)
	switch {
	case d > t.Large:
		return SeverityLarge, true
	case d > t.Medium:
		return SeverityMedium, true
	case d > t.Small:
		return SeveritySmall, true
	default:
		return "", false
	}
}
