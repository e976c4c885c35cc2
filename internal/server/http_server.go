// Package server exposes the pothole pipeline over HTTP.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smukkama/road-rover/internal/database"
	"github.com/smukkama/road-rover/internal/detection"
	"github.com/smukkama/road-rover/internal/heatmap"
	"github.com/smukkama/road-rover/internal/potholes"
)

// Version is stamped at build time with -ldflags "-X ...server.Version=...".
var Version = "dev"

// PotholeService is the write side and the owner queries.
type PotholeService interface {
	Ingest(ctx context.Context, samples []detection.RawSample, owner string) (potholes.IngestResult, error)
	RecomputeAll(ctx context.Context) (int, error)
	Leaderboard(ctx context.Context, limit int) ([]database.LeaderboardEntry, error)
	OwnerStats(ctx context.Context, owner string) (database.OwnerStats, error)
}

// Heatmap serves enriched potholes.
type Heatmap interface {
	Spots(ctx context.Context) ([]heatmap.Spot, error)
}

// ReadinessChecker reports whether dependencies are reachable.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// Options holds the HTTP server settings.
type Options struct {
	Addr string

	// MaxBodyBytes caps a request body, 0 means 32 MiB.
	MaxBodyBytes int64
}

// HTTPServer serves the REST API together with /healthz, /readyz and
// /metrics.
type HTTPServer struct {
	httpServer *http.Server
	service    PotholeService
	heatmap    Heatmap
	ready      ReadinessChecker
	opts       Options
	logger     *slog.Logger
}

// NewHTTPServer wires all routes.
func NewHTTPServer(opts Options, service PotholeService, hm Heatmap, ready ReadinessChecker, logger *slog.Logger) *HTTPServer {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 32 << 20
	}

	s := &HTTPServer{
		service: service,
		heatmap: hm,
		ready:   ready,
		opts:    opts,
		logger:  logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/accelerometer-data", s.handleIngest)
	mux.HandleFunc("GET /api/potholes", s.handlePotholes)
	mux.HandleFunc("GET /api/potholes.geojson", s.handleGeoJSON)
	mux.HandleFunc("POST /api/recalculate-potholes", s.handleRecompute)
	mux.HandleFunc("GET /api/leaderboard", s.handleLeaderboard)
	mux.HandleFunc("GET /api/user-stats/{username}", s.handleOwnerStats)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              opts.Addr,
		Handler:           s.logRequests(mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Recompute replays the whole raw log inside the request.
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *HTTPServer) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *HTTPServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *HTTPServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := slog.LevelDebug
		if rec.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		s.logger.Log(r.Context(), level, "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}
