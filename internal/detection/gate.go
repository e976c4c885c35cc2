package detection

import "time"

// Gate suppresses an event that follows the previously accepted one too
// closely. A Gate is not safe for concurrent use: callers load it from the
// shared detection state under a lock, run one batch through it, and store
// Last back before releasing the lock.
//
// The gate is global. An event from one rider suppresses an unrelated event
// from another rider anywhere else within MinInterval.
type Gate struct {
	minInterval time.Duration
	last        time.Time
	set         bool
}

// NewGate returns a gate with the given spacing. last is the timestamp of
// the most recently accepted event, nil when nothing was accepted yet.
func NewGate(minInterval time.Duration, last *time.Time) *Gate {
	g := &Gate{minInterval: minInterval}
	if last != nil {
		g.last = *last
		g.set = true
	}
	return g
}

// Admit accepts ts when it is more than the minimum interval after the
// last accepted timestamp and records it as the new last.
func (g *Gate) Admit(ts time.Time) bool {
	if g.set && ts.Sub(g.last) <= g.minInterval {
		return false
	}
	g.last = ts
	g.set = true
	return true
}

// Last returns the most recently accepted timestamp, if any.
func (g *Gate) Last() (time.Time, bool) {
	return g.last, g.set
}
