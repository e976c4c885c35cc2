package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/smukkama/road-rover/internal/database"
	"github.com/smukkama/road-rover/internal/detection"
	"github.com/smukkama/road-rover/internal/heatmap"
	"github.com/smukkama/road-rover/internal/potholes"
	"github.com/smukkama/road-rover/internal/protocol"
)

const (
	ownerHeader      = "X-User"
	defaultLeaderTop = 10
	maxLeaderTop     = 100
)

func (s *HTTPServer) handleIngest(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", false)
			return
		}
		writeError(w, http.StatusBadRequest, "failed to read request body", false)
		return
	}

	records, err := protocol.DecodeSampleRecords(body)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	owner := strings.TrimSpace(r.Header.Get(ownerHeader))
	samples, err := protocol.ParseSamples(records, owner)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	res, err := s.service.Ingest(r.Context(), samples, owner)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.IngestResponse{
		PotholesDetected: res.Detected,
		PotholeSeverity:  string(res.Severity),
	})
}

func (s *HTTPServer) handlePotholes(w http.ResponseWriter, r *http.Request) {
	spots, err := s.heatmap.Spots(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if spots == nil {
		spots = []heatmap.Spot{}
	}
	writeJSON(w, http.StatusOK, spots)
}

func (s *HTTPServer) handleGeoJSON(w http.ResponseWriter, r *http.Request) {
	spots, err := s.heatmap.Spots(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	data, err := heatmap.FeatureCollection(spots).MarshalJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to encode GeoJSON", false)
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *HTTPServer) handleRecompute(w http.ResponseWriter, r *http.Request) {
	n, err := s.service.RecomputeAll(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.RecomputeResponse{
		Message:  "Potholes recalculated",
		Potholes: n,
	})
}

func (s *HTTPServer) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := defaultLeaderTop
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxLeaderTop {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("limit must be between 1 and %d", maxLeaderTop), false)
			return
		}
		limit = n
	}

	entries, err := s.service.Leaderboard(r.Context(), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []database.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *HTTPServer) handleOwnerStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.service.OwnerStats(r.Context(), r.PathValue("username"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *HTTPServer) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version})
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready.CheckReadiness(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// writeServiceError maps pipeline errors to status codes: malformed input
// is the client's fault, storage failures are retryable.
func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, detection.ErrMalformedInput):
		writeError(w, http.StatusBadRequest, err.Error(), false)
	case errors.Is(err, potholes.ErrStorage):
		s.logger.Error("storage failure", "error", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "storage unavailable, retry later", true)
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error", false)
	}
}

func writeError(w http.ResponseWriter, status int, detail string, retryable bool) {
	writeJSON(w, status, protocol.ErrorResponse{Detail: detail, Retryable: retryable})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
