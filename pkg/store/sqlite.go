package store

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// Store manages the SQLite connection and schema.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore initializes the SQLite database connection.
// It enables WAL mode for concurrency and durability.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open sqlite db")
	}

	// A single connection serializes writers and keeps ":memory:" databases
	// shared across callers.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping sqlite db")
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, errors.Wrap(err, "failed to enable WAL mode")
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		return nil, errors.Wrap(err, "failed to enable foreign keys")
	}

	s := &Store{db: db, now: func() time.Time { return time.Now().UTC() }}

	if err := s.migrate(); err != nil {
		return nil, errors.Wrap(err, "schema migration failed")
	}

	return s, nil
}

// SetNowFunc overrides the clock used for lease expiry and timestamps.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.now = now
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the necessary tables if they don't exist.
func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS scenarios (
		scenario_id TEXT PRIMARY KEY,
		protocol TEXT NOT NULL,
		config_snapshot JSON NOT NULL,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS test_runs (
		run_id TEXT PRIMARY KEY,
		scenario_id TEXT NOT NULL REFERENCES scenarios(scenario_id),
		start_time DATETIME NOT NULL,
		worker_node TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_test_runs_scenario ON test_runs(scenario_id);

	-- canonical_value is NULL when the raw unit could not be normalized
	CREATE TABLE IF NOT EXISTS raw_metrics (
		id TEXT PRIMARY KEY,
		run_id TEXT NOT NULL REFERENCES test_runs(run_id),
		metric_name TEXT NOT NULL,
		metric_value REAL NOT NULL,
		unit TEXT NOT NULL DEFAULT '',
		canonical_value REAL,
		canonical_unit TEXT NOT NULL DEFAULT '',
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_raw_metrics_run_metric ON raw_metrics(run_id, metric_name);

	CREATE TABLE IF NOT EXISTS scenario_summary (
		id TEXT PRIMARY KEY,
		scenario_id TEXT NOT NULL,
		metric_name TEXT NOT NULL,
		unit TEXT NOT NULL DEFAULT '',
		sample_count INTEGER NOT NULL,
		avg_value REAL NOT NULL,
		min_value REAL NOT NULL,
		max_value REAL NOT NULL,
		p50_value REAL NOT NULL,
		p99_value REAL NOT NULL,
		stddev_value REAL NOT NULL,
		aggregated_at DATETIME NOT NULL,
		UNIQUE (scenario_id, metric_name)
	);

	CREATE TABLE IF NOT EXISTS results_log (
		id TEXT PRIMARY KEY,
		run_id TEXT,
		scenario_id TEXT NOT NULL,
		metric_name TEXT NOT NULL,
		expected_value TEXT NOT NULL,
		measured_value REAL NOT NULL,
		measured_unit TEXT NOT NULL DEFAULT '',
		aggregation TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		scope TEXT NOT NULL,
		evaluated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_results_log_scenario ON results_log(scenario_id, scope);

	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		version INTEGER NOT NULL
	);
	`

	if _, err := s.db.Exec(query); err != nil {
		return errors.Wrap(err, "failed to create tables")
	}

	return nil
}

var _ Backend = (*Store)(nil)
