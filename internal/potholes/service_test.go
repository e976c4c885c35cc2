package potholes

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smukkama/road-rover/internal/database"
	"github.com/smukkama/road-rover/internal/detection"
	"github.com/smukkama/road-rover/internal/observability"
)

var t0 = time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu        sync.Mutex
	published []database.Pothole
	err       error
}

func (p *recordingPublisher) PublishDetected(_ context.Context, potholes []database.Pothole) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, potholes...)
	return p.err
}

type countingInvalidator struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingInvalidator) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.err
}

func (c *countingInvalidator) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fixture struct {
	store       *fakeStore
	svc         *Service
	clock       *clockwork.FakeClock
	publisher   *recordingPublisher
	invalidator *countingInvalidator
	metrics     *observability.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:       newFakeStore(),
		clock:       clockwork.NewFakeClockAt(t0.Add(time.Hour)),
		publisher:   &recordingPublisher{},
		invalidator: &countingInvalidator{},
		metrics:     observability.NewMetricsForTesting(),
	}
	svc, err := NewService(f.store, Options{
		Thresholds:  detection.DefaultThresholds(),
		MinInterval: 1500 * time.Millisecond,
		Clock:       f.clock,
		Publisher:   f.publisher,
		Invalidator: f.invalidator,
		Metrics:     f.metrics,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

// reading is a sample at t0+offset whose magnitude is mag.
func reading(offset time.Duration, mag float64, lat, lon float64) detection.RawSample {
	return detection.RawSample{
		Timestamp:    t0.Add(offset),
		Acceleration: detection.Acceleration{Z: mag},
		Coordinates:  &detection.Coordinates{Lat: lat, Lon: lon},
	}
}

func TestIngest_LargeEvent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Average 11.01, deviation 1.2.
	batch := []detection.RawSample{
		reading(0, 10.51, 44.81, 20.46),
		reading(300*time.Millisecond, 11.01, 44.82, 20.47),
		reading(600*time.Millisecond, 11.51, 44.83, 20.48),
	}

	res, err := f.svc.Ingest(ctx, batch, "ana")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Detected)
	assert.Equal(t, detection.SeverityLarge, res.Severity)

	state := f.store.snapshot()
	require.Len(t, state.potholes, 1)
	p := state.potholes[0]
	assert.Equal(t, detection.SeverityLarge, p.Severity)
	assert.Equal(t, t0, p.Timestamp)
	assert.Equal(t, PotholeID(t0), p.ID)
	require.NotNil(t, p.Owner)
	assert.Equal(t, "ana", *p.Owner)
	require.NotNil(t, p.Lat)
	assert.Equal(t, 44.81, *p.Lat)
	assert.Equal(t, 20.46, *p.Lon)
	assert.InDelta(t, 1.2, p.Deviation, 1e-9)
	assert.Equal(t, t0.Add(time.Hour), p.CreatedAt)

	require.Len(t, state.samples, 3)
	for _, s := range state.samples {
		assert.Equal(t, "ana", s.sample.Owner)
	}
	require.NotNil(t, state.last)
	assert.Equal(t, t0, *state.last)

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BatchesIngested))
	assert.Equal(t, 3.0, testutil.ToFloat64(f.metrics.SamplesIngested))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.EventsCreated.WithLabelValues("large")))
}

func TestIngest_NothingDetectedStillStoresSamples(t *testing.T) {
	f := newFixture(t)

	batch := []detection.RawSample{
		reading(0, 9.81, 44.8, 20.4),
		reading(1100*time.Millisecond, 10.0, 44.8, 20.4),
		reading(2200*time.Millisecond, 9.5, 44.8, 20.4),
	}

	res, err := f.svc.Ingest(context.Background(), batch, "")
	require.NoError(t, err)
	assert.Zero(t, res)

	state := f.store.snapshot()
	assert.Empty(t, state.potholes)
	assert.Len(t, state.samples, 3)
	assert.Nil(t, state.last)
	assert.Zero(t, f.invalidator.count())
	assert.Empty(t, f.publisher.published)
}

func TestIngest_DebounceAcrossBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Two medium readings 0.5s apart that land in adjacent windows.
	first := []detection.RawSample{reading(800*time.Millisecond, 10.51, 44.8, 20.4)}
	second := []detection.RawSample{reading(1300*time.Millisecond, 10.51, 44.9, 20.5)}

	res, err := f.svc.Ingest(ctx, first, "ana")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Detected)

	res, err = f.svc.Ingest(ctx, second, "ben")
	require.NoError(t, err)
	assert.Zero(t, res)

	state := f.store.snapshot()
	require.Len(t, state.potholes, 1)
	assert.Equal(t, detection.SeverityMedium, state.potholes[0].Severity)
	require.NotNil(t, state.last)
	assert.Equal(t, t0, *state.last, "gate stays at the first event")
	assert.Len(t, state.samples, 2)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.WindowsSuppressed))
}

func TestIngest_GateAppliesAcrossOwners(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, []detection.RawSample{reading(0, 12, 44.8, 20.4)}, "ana")
	require.NoError(t, err)

	// Far away and from another rider, but within the interval.
	res, err := f.svc.Ingest(ctx, []detection.RawSample{reading(time.Second, 12, -33.9, 151.2)}, "ben")
	require.NoError(t, err)
	assert.Zero(t, res)

	res, err = f.svc.Ingest(ctx, []detection.RawSample{reading(2*time.Second, 12, -33.9, 151.2)}, "ben")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Detected)
}

func TestIngest_MalformedWritesNothing(t *testing.T) {
	f := newFixture(t)

	batch := []detection.RawSample{
		reading(0, 12, 44.8, 20.4),
		reading(time.Second, 12, 91, 20.4),
	}

	res, err := f.svc.Ingest(context.Background(), batch, "ana")
	require.Error(t, err)
	assert.True(t, errors.Is(err, detection.ErrMalformedInput))
	assert.False(t, errors.Is(err, ErrStorage))
	assert.Zero(t, res)

	state := f.store.snapshot()
	assert.Empty(t, state.samples)
	assert.Empty(t, state.potholes)
	assert.Zero(t, f.store.txCount)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.IngestFailures.WithLabelValues("malformed")))
}

func TestIngest_EmptyBatch(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Ingest(context.Background(), nil, "ana")
	require.NoError(t, err)
	assert.Zero(t, res)
	assert.Zero(t, f.store.txCount)
}

func TestIngest_StorageFailureRollsBack(t *testing.T) {
	for _, op := range []string{"lock", "insert_samples", "insert_potholes", "save_state"} {
		t.Run(op, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			_, err := f.svc.Ingest(ctx, []detection.RawSample{reading(0, 12, 44.8, 20.4)}, "ana")
			require.NoError(t, err)
			before := f.store.snapshot()

			f.store.failOn = op
			res, err := f.svc.Ingest(ctx, []detection.RawSample{reading(5*time.Second, 12, 44.8, 20.4)}, "ana")
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrStorage))
			assert.True(t, errors.Is(err, errInjected))
			assert.Zero(t, res)

			after := f.store.snapshot()
			assert.Len(t, after.samples, len(before.samples))
			assert.Len(t, after.potholes, len(before.potholes))
			require.NotNil(t, after.last)
			assert.Equal(t, *before.last, *after.last)
		})
	}
}

func TestIngest_ReportsWorstSeverity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Ingest(ctx, []detection.RawSample{
		reading(0, 10.3, 44.8, 20.4),
		reading(3*time.Second, 12, 44.8, 20.4),
		reading(6*time.Second, 10.6, 44.8, 20.4),
	}, "ana")
	require.NoError(t, err)
	assert.Equal(t, IngestResult{Detected: 3, Severity: detection.SeverityLarge}, res)

	res, err = f.svc.Ingest(ctx, []detection.RawSample{reading(9*time.Second, 9.81, 44.8, 20.4)}, "ana")
	require.NoError(t, err)
	assert.Equal(t, IngestResult{}, res)
}

func TestIngest_PublishesAfterCommit(t *testing.T) {
	f := newFixture(t)
	f.publisher.err = errors.New("broker down")
	f.invalidator.err = errors.New("cache down")

	res, err := f.svc.Ingest(context.Background(), []detection.RawSample{
		reading(0, 12, 44.8, 20.4),
		reading(3*time.Second, 10.3, 44.8, 20.4),
	}, "ana")
	require.NoError(t, err, "follow-up failures never fail the ingest")
	assert.Equal(t, 2, res.Detected)

	require.Len(t, f.publisher.published, 2)
	assert.Equal(t, detection.SeverityLarge, f.publisher.published[0].Severity)
	assert.Equal(t, detection.SeveritySmall, f.publisher.published[1].Severity)
	assert.Equal(t, 1, f.invalidator.count())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.PublishFailures))
	assert.Len(t, f.store.snapshot().potholes, 2)
}

func TestIngest_NormalizesTimestamps(t *testing.T) {
	f := newFixture(t)
	loc := time.FixedZone("CEST", 2*60*60)

	s := reading(0, 12, 44.8, 20.4)
	s.Timestamp = time.Date(2024, time.June, 1, 14, 0, 0, 123456789, loc)

	_, err := f.svc.Ingest(context.Background(), []detection.RawSample{s}, "ana")
	require.NoError(t, err)

	state := f.store.snapshot()
	assert.Equal(t, time.UTC, state.samples[0].sample.Timestamp.Location())
	assert.Equal(t, 123456000, state.samples[0].sample.Timestamp.Nanosecond())
	assert.Equal(t, t0, state.potholes[0].Timestamp)
}

func TestIngest_ConcurrentBatchesKeepSpacing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			batch := []detection.RawSample{
				reading(time.Duration(i)*time.Second, 12, 44.8, 20.4),
				reading(time.Duration(i)*time.Second+400*time.Millisecond, 12, 44.8, 20.4),
			}
			_, err := f.svc.Ingest(ctx, batch, "rider")
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assertSpacing(t, f.store.snapshot().potholes, 1500*time.Millisecond)
}

func TestRecomputeAll_ReproducesLiveSet(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	batches := []struct {
		owner   string
		samples []detection.RawSample
	}{
		{"ana", []detection.RawSample{
			reading(0, 11.2, 44.80, 20.40),
			reading(400*time.Millisecond, 11.0, 44.81, 20.41),
			reading(1200*time.Millisecond, 10.4, 44.82, 20.42),
		}},
		{"ben", []detection.RawSample{
			reading(3*time.Second, 10.3, 44.83, 20.43),
			reading(4*time.Second, 9.81, 44.84, 20.44),
			reading(5*time.Second, 10.5, 44.85, 20.45),
		}},
		{"", []detection.RawSample{
			{Timestamp: t0.Add(9 * time.Second), Acceleration: detection.Acceleration{Z: 8.5}},
		}},
		{"ana", []detection.RawSample{
			reading(12*time.Second, 10.0, 44.86, 20.46),
			reading(14*time.Second, 12.0, 44.87, 20.47),
		}},
	}

	total := 0
	for _, b := range batches {
		res, err := f.svc.Ingest(ctx, b.samples, b.owner)
		require.NoError(t, err)
		total += res.Detected
	}
	live := f.store.snapshot()
	require.Len(t, live.potholes, total)
	require.NotZero(t, total)

	f.clock.Advance(time.Hour)
	n, err := f.svc.RecomputeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, total, n)

	recomputed := f.store.snapshot()
	ignoreCreated := cmpopts.IgnoreFields(database.Pothole{}, "CreatedAt")
	if diff := cmp.Diff(live.potholes, recomputed.potholes, ignoreCreated); diff != "" {
		t.Errorf("recompute diverged from live detection (-live +recomputed):\n%s", diff)
	}
	assert.Equal(t, live.samples, recomputed.samples, "raw log untouched")
	assert.Equal(t, live.last, recomputed.last)
	assert.Equal(t, float64(total), testutil.ToFloat64(f.metrics.RecomputedEvents))
}

func TestRecomputeAll_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, []detection.RawSample{
		reading(0, 12, 44.8, 20.4),
		reading(2*time.Second, 10.4, 44.8, 20.4),
	}, "ana")
	require.NoError(t, err)

	first, err := f.svc.RecomputeAll(ctx)
	require.NoError(t, err)
	snapshot := f.store.snapshot()

	second, err := f.svc.RecomputeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, snapshot, f.store.snapshot())
	assert.Equal(t, []string{"state", "state", "potholes", "state", "potholes"}, f.store.lockOrder)
}

func TestRecomputeAll_AppliesNewThresholds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, []detection.RawSample{
		reading(0, 12, 44.8, 20.4),
		reading(2*time.Second, 10.4, 44.8, 20.4),
	}, "ana")
	require.NoError(t, err)
	require.Len(t, f.store.snapshot().potholes, 2)

	strict, err := NewService(f.store, Options{
		Thresholds:  detection.Thresholds{Large: 3, Medium: 2, Small: 1},
		MinInterval: 1500 * time.Millisecond,
		Clock:       f.clock,
	})
	require.NoError(t, err)

	n, err := strict.RecomputeAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	state := f.store.snapshot()
	require.Len(t, state.potholes, 1)
	assert.Equal(t, detection.SeverityMedium, state.potholes[0].Severity)
	assert.Len(t, state.samples, 2)
}

func TestRecomputeAll_EmptyLog(t *testing.T) {
	f := newFixture(t)

	n, err := f.svc.RecomputeAll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Nil(t, f.store.snapshot().last)
	assert.Equal(t, 1, f.invalidator.count())
}

func TestRecomputeAll_StorageFailureKeepsEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Ingest(ctx, []detection.RawSample{reading(0, 12, 44.8, 20.4)}, "ana")
	require.NoError(t, err)
	before := f.store.snapshot()

	f.store.failOn = "replay"
	_, err = f.svc.RecomputeAll(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStorage))
	assert.Equal(t, before, f.store.snapshot())
}

func TestNewService_RejectsBadOptions(t *testing.T) {
	_, err := NewService(newFakeStore(), Options{
		Thresholds: detection.Thresholds{Large: 0.5, Medium: 1, Small: 0.35},
	})
	assert.Error(t, err)

	_, err = NewService(newFakeStore(), Options{
		Thresholds:  detection.DefaultThresholds(),
		MinInterval: -time.Second,
	})
	assert.Error(t, err)
}

func TestLeaderboardAndOwnerStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ingest := func(offset time.Duration, mag float64, owner string) {
		_, err := f.svc.Ingest(ctx, []detection.RawSample{reading(offset, mag, 44.8, 20.4)}, owner)
		require.NoError(t, err)
	}
	ingest(0, 12, "ana")
	ingest(2*time.Second, 10.4, "ana")
	ingest(4*time.Second, 10.2, "ben")
	ingest(6*time.Second, 10.4, "")

	board, err := f.svc.Leaderboard(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []database.LeaderboardEntry{
		{Owner: "ana", PotholeCount: 2},
		{Owner: "ben", PotholeCount: 1},
	}, board)

	stats, err := f.svc.OwnerStats(ctx, "ana")
	require.NoError(t, err)
	assert.Equal(t, database.OwnerStats{Owner: "ana", Total: 2, Medium: 1, Large: 1}, stats)

	stats, err = f.svc.OwnerStats(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, stats.Total)

	f.store.failOn = "leaderboard"
	_, err = f.svc.Leaderboard(ctx, 10)
	assert.True(t, errors.Is(err, ErrStorage))
}

func assertSpacing(t *testing.T, potholes []database.Pothole, minInterval time.Duration) {
	t.Helper()
	for i := range potholes {
		for j := i + 1; j < len(potholes); j++ {
			d := potholes[i].Timestamp.Sub(potholes[j].Timestamp)
			if d < 0 {
				d = -d
			}
			assert.Greater(t, d, minInterval, "potholes %s and %s too close", potholes[i].ID, potholes[j].ID)
		}
	}
}

func TestIngest_BatchCap(t *testing.T) {
	store := newFakeStore()
	svc, err := NewService(store, Options{
		Thresholds:      detection.DefaultThresholds(),
		MinInterval:     1500 * time.Millisecond,
		MaxBatchSamples: 2,
	})
	require.NoError(t, err)

	_, err = svc.Ingest(context.Background(), []detection.RawSample{
		reading(0, 9.81, 44.8, 20.4),
		reading(time.Second, 9.81, 44.8, 20.4),
		reading(2*time.Second, 9.81, 44.8, 20.4),
	}, "ana")
	assert.ErrorIs(t, err, detection.ErrMalformedInput)
	assert.Empty(t, store.snapshot().samples)
}
