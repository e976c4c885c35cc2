package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/smukkama/road-rover/internal/detection"
)

// Tx is the set of writes and locked reads the detection pipeline performs
// inside one transaction.
type Tx interface {
	// LockDetectionState locks the debounce state row until the
	// transaction ends and returns the last accepted event time.
	LockDetectionState(ctx context.Context) (*time.Time, error)
	SaveDetectionState(ctx context.Context, last *time.Time) error
	// LockPotholes blocks every other writer of the potholes table until
	// the transaction ends.
	LockPotholes(ctx context.Context) error
	InsertRawSamples(ctx context.Context, samples []detection.RawSample, receivedAt time.Time) error
	InsertPotholes(ctx context.Context, potholes []Pothole) error
	DeleteAllPotholes(ctx context.Context) (int64, error)
	// ReplaySamples returns the whole raw log in replay order: by window,
	// then by insertion order within a window.
	ReplaySamples(ctx context.Context) ([]detection.RawSample, error)
}

type tx struct {
	tx *sql.Tx
}

func (t *tx) LockDetectionState(ctx context.Context) (*time.Time, error) {
	query := `SELECT last_emitted_at FROM detection_state WHERE id = 1 FOR UPDATE`

	var last sql.NullTime
	if err := t.tx.QueryRowContext(ctx, query).Scan(&last); err != nil {
		return nil, fmt.Errorf("failed to lock detection state: %w", err)
	}
	if !last.Valid {
		return nil, nil
	}
	ts := last.Time.UTC()
	return &ts, nil
}

func (t *tx) SaveDetectionState(ctx context.Context, last *time.Time) error {
	query := `UPDATE detection_state SET last_emitted_at = $1 WHERE id = 1`

	var value any
	if last != nil {
		value = last.UTC()
	}
	if _, err := t.tx.ExecContext(ctx, query, value); err != nil {
		return fmt.Errorf("failed to save detection state: %w", err)
	}
	return nil
}

func (t *tx) LockPotholes(ctx context.Context) error {
	// EXCLUSIVE still lets readers through but stops every insert/delete.
	if _, err := t.tx.ExecContext(ctx, `LOCK TABLE potholes IN EXCLUSIVE MODE`); err != nil {
		return fmt.Errorf("failed to lock potholes: %w", err)
	}
	return nil
}

// InsertRawSamples appends a batch to the raw log with COPY. Rows get ids in
// slice order, which is what replay relies on.
func (t *tx) InsertRawSamples(ctx context.Context, samples []detection.RawSample, receivedAt time.Time) error {
	if len(samples) == 0 {
		return nil
	}

	stmt, err := t.tx.PrepareContext(ctx, pq.CopyIn("raw_samples",
		"owner", "recorded_at", "accel_x", "accel_y", "accel_z", "lat", "lon", "received_at"))
	if err != nil {
		return fmt.Errorf("failed to prepare raw sample copy: %w", err)
	}
	defer stmt.Close()

	for _, s := range samples {
		var lat, lon any
		if s.Coordinates != nil {
			lat, lon = s.Coordinates.Lat, s.Coordinates.Lon
		}
		if _, err := stmt.ExecContext(ctx,
			nullString(s.Owner),
			s.Timestamp.UTC(),
			s.Acceleration.X,
			s.Acceleration.Y,
			s.Acceleration.Z,
			lat,
			lon,
			receivedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to copy raw sample: %w", err)
		}
	}

	if _, err := stmt.ExecContext(ctx); err != nil {
		return fmt.Errorf("failed to flush raw sample copy: %w", err)
	}
	return nil
}

func (t *tx) InsertPotholes(ctx context.Context, potholes []Pothole) error {
	query := `
		INSERT INTO potholes (id, owner, severity, detected_at, lat, lon, deviation, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	for _, p := range potholes {
		var owner any
		if p.Owner != nil {
			owner = *p.Owner
		}
		var lat, lon any
		if p.Lat != nil && p.Lon != nil {
			lat, lon = *p.Lat, *p.Lon
		}
		if _, err := t.tx.ExecContext(ctx, query,
			p.ID,
			owner,
			string(p.Severity),
			p.Timestamp.UTC(),
			lat,
			lon,
			p.Deviation,
			p.CreatedAt.UTC(),
		); err != nil {
			return fmt.Errorf("failed to insert pothole %s: %w", p.ID, err)
		}
	}
	return nil
}

func (t *tx) DeleteAllPotholes(ctx context.Context) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `DELETE FROM potholes`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete potholes: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (t *tx) ReplaySamples(ctx context.Context) ([]detection.RawSample, error) {
	query := `
		SELECT owner, recorded_at, accel_x, accel_y, accel_z, lat, lon
		FROM raw_samples
		ORDER BY date_trunc('second', recorded_at), id
	`

	rows, err := t.tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read raw samples: %w", err)
	}
	defer rows.Close()

	var samples []detection.RawSample
	for rows.Next() {
		var (
			s        detection.RawSample
			owner    sql.NullString
			lat, lon sql.NullFloat64
		)
		if err := rows.Scan(&owner, &s.Timestamp, &s.Acceleration.X, &s.Acceleration.Y, &s.Acceleration.Z, &lat, &lon); err != nil {
			return nil, fmt.Errorf("failed to scan raw sample: %w", err)
		}
		s.Timestamp = s.Timestamp.UTC()
		s.Owner = owner.String
		if lat.Valid && lon.Valid {
			s.Coordinates = &detection.Coordinates{Lat: lat.Float64, Lon: lon.Float64}
		}
		samples = append(samples, s)
	}

	return samples, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
