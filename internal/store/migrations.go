package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial schema",
		SQL: `
CREATE TABLE IF NOT EXISTS parameter_sets (
    name TEXT PRIMARY KEY,
    params_json TEXT NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS optimizer_settings (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    settings_json TEXT NOT NULL,
    updated_at DATETIME NOT NULL
);
`,
	},
	{
		Version:     2,
		Description: "Add calibration runs and per-iteration history",
		SQL: `
CREATE TABLE IF NOT EXISTS calibration_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    catchment_id TEXT NOT NULL,
    metric TEXT NOT NULL,
    reason TEXT NOT NULL,
    iterations INTEGER NOT NULL,
    evaluations INTEGER NOT NULL DEFAULT 0,
    objective REAL,
    nse REAL,
    rmse REAL,
    initial_params_json TEXT NOT NULL,
    final_params_json TEXT NOT NULL,
    settings_json TEXT NOT NULL,
    window_start DATETIME,
    window_end DATETIME,
    started_at DATETIME NOT NULL,
    finished_at DATETIME NOT NULL,
    narrative TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS calibration_history (
    run_id INTEGER NOT NULL REFERENCES calibration_runs(id) ON DELETE CASCADE,
    iteration INTEGER NOT NULL,
    objective REAL,
    nse REAL,
    change REAL,
    params_json TEXT NOT NULL,
    PRIMARY KEY (run_id, iteration)
);

CREATE INDEX IF NOT EXISTS idx_runs_catchment ON calibration_runs(catchment_id, started_at);
`,
	},
	{
		Version:     3,
		Description: "Add series_files mirror of fetched time series",
		SQL: `
CREATE TABLE IF NOT EXISTS series_files (
    name TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    fetched_at DATETIME NOT NULL,
    payload_compressed BLOB NOT NULL,
    payload_hash TEXT NOT NULL,
    size_bytes INTEGER NOT NULL
);
`,
	},
}

// ErrSchemaTooNew is returned when the database was migrated by a newer build.
var ErrSchemaTooNew = errors.New("store: database schema is newer than this build")

// Migrate applies pending migrations in version order, one transaction each.
func (s *Store) Migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description TEXT,
			applied_at DATETIME
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := s.MigrationVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	latest := migrations[len(migrations)-1].Version
	if current > latest {
		return fmt.Errorf("%w: database at %d, build knows %d", ErrSchemaTooNew, current, latest)
	}

	pending := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := s.apply(m); err != nil {
			return err
		}
		pending++
	}
	if pending > 0 {
		log.Printf("store: schema at version %d (%d applied)", latest, pending)
	}
	return nil
}

func (s *Store) apply(m migration) error {
	log.Printf("store: migration %d: %s", m.Version, m.Description)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("migration %d: begin: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration %d: %w", m.Version, err)
	}
	if _, err := tx.Exec(
		`INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)`,
		m.Version, m.Description, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("migration %d: record: %w", m.Version, err)
	}
	return tx.Commit()
}

// MigrationVersion reports the highest applied migration, or 0 for a fresh database.
func (s *Store) MigrationVersion() (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}
