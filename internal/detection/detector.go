package detection

import "time"

// Event is a window that passed classification and the debounce gate.
type Event struct {
	Severity    Severity
	Timestamp   time.Time
	Coordinates *Coordinates
	Owner       string
	Deviation   float64
}

// Result summarizes one detection pass.
type Result struct {
	Windows    int
	Events     []Event
	Suppressed int
}

// Detector runs the aggregate -> classify -> debounce pipeline.
type Detector struct {
	Thresholds Thresholds
}

func NewDetector(t Thresholds) *Detector {
	return &Detector{Thresholds: t}
}

// Detect evaluates the windows of samples against gate in increasing key
// order, so the decision for a window depends on the windows before it.
func (d *Detector) Detect(samples []RawSample, gate *Gate) Result {
	windows := Aggregate(samples)
	res := Result{Windows: len(windows)}

	for _, w := range windows {
		sev, ok := d.Thresholds.Classify(w)
		if !ok {
			continue
		}
		if !gate.Admit(w.Key) {
			res.Suppressed++
			continue
		}
		res.Events = append(res.Events, Event{
			Severity:    sev,
			Timestamp:   w.Key,
			Coordinates: w.Coordinates,
			Owner:       w.Owner,
			Deviation:   Deviation(w),
		})
	}

	return res
}
