package detection

import (
	"sort"
	"time"
)

// WindowSize is the width of one aggregation bucket.
const WindowSize = time.Second

// WindowKey returns the bucket a timestamp belongs to: the timestamp in UTC
// with the sub-second part dropped.
func WindowKey(ts time.Time) time.Time {
	return ts.UTC().Truncate(WindowSize)
}

// Window is the aggregate of all samples of one batch that share a key.
type Window struct {
	Key        time.Time
	Magnitudes []float64
	// Coordinates and Owner come from the first sample seen for the key,
	// in batch order.
	Coordinates *Coordinates
	Owner       string
}

// Mean returns the average magnitude of the window.
func (w Window) Mean() float64 {
	if len(w.Magnitudes) == 0 {
		return 0
	}
	var sum float64
	for _, m := range w.Magnitudes {
		sum += m
	}
	return sum / float64(len(w.Magnitudes))
}

// Aggregate buckets samples into one-second windows. The result holds one
// window per distinct key, sorted by key.
func Aggregate(samples []RawSample) []Window {
	byKey := make(map[int64]*Window)
	var order []int64

	for _, s := range samples {
		key := WindowKey(s.Timestamp)
		id := key.Unix()

		w, ok := byKey[id]
		if !ok {
			w = &Window{
				Key:         key,
				Coordinates: s.Coordinates,
				Owner:       s.Owner,
			}
			byKey[id] = w
			order = append(order, id)
		}
		w.Magnitudes = append(w.Magnitudes, s.Acceleration.Magnitude())
	}

	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	windows := make([]Window, 0, len(order))
	for _, id := range order {
		windows = append(windows, *byKey[id])
	}
	return windows
}
