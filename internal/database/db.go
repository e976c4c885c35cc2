package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	"github.com/smukkama/road-rover/internal/detection"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// ErrStorage marks a failure of the store itself, as opposed to bad input.
// Callers may retry the operation.
var ErrStorage = errors.New("storage failure")

// DB wraps the database connection
type DB struct {
	*sql.DB
}

// Connect establishes a connection to the database
func Connect(ctx context.Context, connectionString string, maxOpenConns int) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = 25
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &DB{db}, nil
}

// MigrateUp applies every embedded migration that has not run yet.
func (db *DB) MigrateUp() error {
	m, err := db.newMigrate()
	if err != nil {
		return err
	}
	// Not closing m: that would close the shared *sql.DB.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the applied schema version, 0 when none.
func (db *DB) MigrateVersion() (uint, bool, error) {
	m, err := db.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (db *DB) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// InTx runs fn inside one transaction. The transaction is committed when fn
// returns nil and rolled back otherwise, including on panic.
func (db *DB) InTx(ctx context.Context, fn func(Tx) error) error {
	sqlTx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := fn(&tx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

// ListPotholes returns every stored pothole ordered by detection time.
func (db *DB) ListPotholes(ctx context.Context) ([]Pothole, error) {
	query := `
		SELECT id, owner, severity, detected_at, lat, lon, deviation, created_at
		FROM potholes
		ORDER BY detected_at, id
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query potholes: %w", err)
	}
	defer rows.Close()

	var potholes []Pothole
	for rows.Next() {
		p, err := scanPothole(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pothole: %w", err)
		}
		potholes = append(potholes, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read potholes: %w", err)
	}

	return potholes, nil
}

// Leaderboard ranks owners by number of potholes found.
func (db *DB) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	query := `
		SELECT owner, COUNT(*) AS pothole_count
		FROM potholes
		WHERE owner IS NOT NULL
		GROUP BY owner
		ORDER BY pothole_count DESC, owner
		LIMIT $1
	`

	rows, err := db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	defer rows.Close()

	var entries []LeaderboardEntry
	for rows.Next() {
		var e LeaderboardEntry
		if err := rows.Scan(&e.Owner, &e.PotholeCount); err != nil {
			return nil, fmt.Errorf("failed to scan leaderboard entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read leaderboard: %w", err)
	}

	return entries, nil
}

// OwnerStats counts one owner's potholes per severity. An unknown owner
// yields zero counts.
func (db *DB) OwnerStats(ctx context.Context, owner string) (OwnerStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE severity = 'small'),
			COUNT(*) FILTER (WHERE severity = 'medium'),
			COUNT(*) FILTER (WHERE severity = 'large')
		FROM potholes
		WHERE owner = $1
	`

	stats := OwnerStats{Owner: owner}
	if err := db.QueryRowContext(ctx, query, owner).Scan(
		&stats.Total,
		&stats.Small,
		&stats.Medium,
		&stats.Large,
	); err != nil {
		return OwnerStats{}, fmt.Errorf("failed to query stats for %q: %w", owner, err)
	}
	return stats, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPothole(row rowScanner) (Pothole, error) {
	var (
		p        Pothole
		owner    sql.NullString
		severity string
		lat, lon sql.NullFloat64
	)
	if err := row.Scan(&p.ID, &owner, &severity, &p.Timestamp, &lat, &lon, &p.Deviation, &p.CreatedAt); err != nil {
		return Pothole{}, err
	}

	sev, err := detection.ParseSeverity(severity)
	if err != nil {
		return Pothole{}, err
	}
	p.Severity = sev
	p.Timestamp = p.Timestamp.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	if owner.Valid {
		p.Owner = &owner.String
	}
	if lat.Valid && lon.Valid {
		p.Lat = &lat.Float64
		p.Lon = &lon.Float64
	}
	return p, nil
}

// CheckReadiness reports whether the database answers.
func (db *DB) CheckReadiness(ctx context.Context) error {
	return db.PingContext(ctx)
}
