package potholes

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/smukkama/road-rover/internal/database"
	"github.com/smukkama/road-rover/internal/detection"
)

var errInjected = errors.New("injected store failure")

type storedSample struct {
	sample     detection.RawSample
	receivedAt time.Time
}

type storeState struct {
	samples  []storedSample
	potholes []database.Pothole
	last     *time.Time
}

func (s storeState) clone() storeState {
	c := storeState{
		samples:  append([]storedSample(nil), s.samples...),
		potholes: append([]database.Pothole(nil), s.potholes...),
	}
	if s.last != nil {
		ts := *s.last
		c.last = &ts
	}
	return c
}

// fakeStore is an in-memory Store. Transactions are serialized by one
// mutex, which stands in for the row lock on the detection state, and work
// on a copy that only replaces the committed state on success.
type fakeStore struct {
	mu        sync.Mutex
	state     storeState
	failOn    string
	txCount   int
	lockOrder []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{}
}

func (f *fakeStore) InTx(ctx context.Context, fn func(database.Tx) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	f.txCount++
	work := &fakeTx{store: f, state: f.state.clone()}
	if err := fn(work); err != nil {
		return err
	}
	f.state = work.state
	return nil
}

func (f *fakeStore) ListPotholes(context.Context) ([]database.Pothole, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]database.Pothole(nil), f.state.potholes...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (f *fakeStore) Leaderboard(_ context.Context, limit int) ([]database.LeaderboardEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn == "leaderboard" {
		return nil, errInjected
	}

	counts := map[string]int{}
	for _, p := range f.state.potholes {
		if p.Owner != nil {
			counts[*p.Owner]++
		}
	}
	var entries []database.LeaderboardEntry
	for owner, n := range counts {
		entries = append(entries, database.LeaderboardEntry{Owner: owner, PotholeCount: n})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].PotholeCount != entries[j].PotholeCount {
			return entries[i].PotholeCount > entries[j].PotholeCount
		}
		return entries[i].Owner < entries[j].Owner
	})
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (f *fakeStore) OwnerStats(_ context.Context, owner string) (database.OwnerStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	stats := database.OwnerStats{Owner: owner}
	for _, p := range f.state.potholes {
		if p.Owner == nil || *p.Owner != owner {
			continue
		}
		stats.Total++
		switch p.Severity {
		case detection.SeveritySmall:
			stats.Small++
		case detection.SeverityMedium:
			stats.Medium++
		case detection.SeverityLarge:
			stats.Large++
		}
	}
	return stats, nil
}

func (f *fakeStore) snapshot() storeState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.clone()
}

type fakeTx struct {
	store *fakeStore
	state storeState
}

func (t *fakeTx) fail(op string) error {
	if t.store.failOn == op {
		return errInjected
	}
	return nil
}

func (t *fakeTx) LockDetectionState(context.Context) (*time.Time, error) {
	t.store.lockOrder = append(t.store.lockOrder, "state")
	if err := t.fail("lock"); err != nil {
		return nil, err
	}
	if t.state.last == nil {
		return nil, nil
	}
	ts := *t.state.last
	return &ts, nil
}

func (t *fakeTx) SaveDetectionState(_ context.Context, last *time.Time) error {
	if err := t.fail("save_state"); err != nil {
		return err
	}
	t.state.last = last
	return nil
}

func (t *fakeTx) LockPotholes(context.Context) error {
	t.store.lockOrder = append(t.store.lockOrder, "potholes")
	return t.fail("lock_potholes")
}

func (t *fakeTx) InsertRawSamples(_ context.Context, samples []detection.RawSample, receivedAt time.Time) error {
	if err := t.fail("insert_samples"); err != nil {
		return err
	}
	for _, s := range samples {
		t.state.samples = append(t.state.samples, storedSample{sample: s, receivedAt: receivedAt})
	}
	return nil
}

func (t *fakeTx) InsertPotholes(_ context.Context, potholes []database.Pothole) error {
	if err := t.fail("insert_potholes"); err != nil {
		return err
	}
	for _, p := range potholes {
		for _, existing := range t.state.potholes {
			if existing.ID == p.ID {
				return errors.New("duplicate pothole id")
			}
		}
		t.state.potholes = append(t.state.potholes, p)
	}
	return nil
}

func (t *fakeTx) DeleteAllPotholes(context.Context) (int64, error) {
	if err := t.fail("delete_potholes"); err != nil {
		return 0, err
	}
	n := int64(len(t.state.potholes))
	t.state.potholes = nil
	return n, nil
}

func (t *fakeTx) ReplaySamples(context.Context) ([]detection.RawSample, error) {
	if err := t.fail("replay"); err != nil {
		return nil, err
	}
	out := make([]detection.RawSample, 0, len(t.state.samples))
	for _, s := range t.state.samples {
		out = append(out, s.sample)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return detection.WindowKey(out[i].Timestamp).Before(detection.WindowKey(out[j].Timestamp))
	})
	return out, nil
}
