package heatmap

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/smukkama/road-rover/internal/database"
	"github.com/smukkama/road-rover/internal/observability"
)

// Lister reads every stored pothole.
type Lister interface {
	ListPotholes(ctx context.Context) ([]database.Pothole, error)
}

// View serves the enriched heatmap, through the cache when there is one.
// Cache failures degrade to reading the store.
type View struct {
	store   Lister
	cache   Cache
	params  Params
	logger  *slog.Logger
	metrics *observability.Metrics
}

// NewView creates a view. cache may be nil.
func NewView(store Lister, cache Cache, params Params, logger *slog.Logger, metrics *observability.Metrics) *View {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewMetricsForTesting()
	}
	return &View{store: store, cache: cache, params: params, logger: logger, metrics: metrics}
}

// Spots returns every pothole with its display radius. A store failure is
// reported as database.ErrStorage.
func (v *View) Spots(ctx context.Context) ([]Spot, error) {
	var (
		gen       int64
		cacheable bool
	)
	if v.cache != nil {
		spots, ok, err := v.cache.Get(ctx)
		switch {
		case err != nil:
			v.metrics.HeatmapCacheLookup.WithLabelValues("error").Inc()
			v.logger.Warn("heatmap cache read failed", "error", err)
		case ok:
			v.metrics.HeatmapCacheLookup.WithLabelValues("hit").Inc()
			return spots, nil
		default:
			v.metrics.HeatmapCacheLookup.WithLabelValues("miss").Inc()
		}

		// Read before listing: an invalidation after this point means the
		// list may be stale and must not be cached.
		gen, err = v.cache.Generation(ctx)
		if err != nil {
			v.logger.Warn("heatmap cache generation read failed", "error", err)
		} else {
			cacheable = true
		}
	}

	potholes, err := v.store.ListPotholes(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list potholes: %w", database.ErrStorage, err)
	}
	spots := Enrich(potholes, v.params)

	if cacheable {
		stored, err := v.cache.SetIfGeneration(ctx, gen, spots)
		switch {
		case err != nil:
			v.logger.Warn("heatmap cache write failed", "error", err)
		case !stored:
			v.logger.Debug("heatmap changed while reading, not caching", "generation", gen)
		}
	}
	return spots, nil
}

// Invalidate drops the cached heatmap.
func (v *View) Invalidate(ctx context.Context) error {
	if v.cache == nil {
		return nil
	}
	return v.cache.Invalidate(ctx)
}
