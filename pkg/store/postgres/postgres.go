// Package postgres stores scenarios, runs and results in the load_test
// schema of a shared PostgreSQL database.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/rmax-ai/loadtest/pkg/store"
)

// Config holds the connection settings.
type Config struct {
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     int    `env:"DB_PORT" envDefault:"5432"`
	Name     string `env:"DB_NAME" envDefault:"postgres"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
	SSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
}

// DSN renders the config as a lib/pq connection URL.
func (c Config) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Name,
	}
	q := u.Query()
	q.Set("sslmode", c.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// Store implements store.Backend on PostgreSQL.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open connects to the database and makes sure the schema exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "failed to open postgres db")
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.Wrapf(err, "failed to reach postgres at %s:%d", cfg.Host, cfg.Port)
	}

	s := New(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// SetNowFunc overrides the clock used for default timestamps.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.now = now
}

func (s *Store) Close() error {
	return s.db.Close()
}

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS load_test;

CREATE TABLE IF NOT EXISTS load_test.scenarios (
	scenario_id TEXT PRIMARY KEY,
	protocol TEXT NOT NULL,
	config_snapshot JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS load_test.test_runs (
	run_id TEXT PRIMARY KEY,
	scenario_id TEXT NOT NULL REFERENCES load_test.scenarios(scenario_id),
	start_time TIMESTAMPTZ NOT NULL,
	worker_node TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_test_runs_scenario ON load_test.test_runs(scenario_id);

CREATE TABLE IF NOT EXISTS load_test.raw_metrics (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL REFERENCES load_test.test_runs(run_id),
	metric_name TEXT NOT NULL,
	metric_value DOUBLE PRECISION NOT NULL,
	unit TEXT NOT NULL DEFAULT '',
	canonical_value DOUBLE PRECISION,
	canonical_unit TEXT NOT NULL DEFAULT '',
	timestamp TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_raw_metrics_run_metric ON load_test.raw_metrics(run_id, metric_name);

CREATE TABLE IF NOT EXISTS load_test.scenario_summary (
	id TEXT PRIMARY KEY,
	scenario_id TEXT NOT NULL,
	metric_name TEXT NOT NULL,
	unit TEXT NOT NULL DEFAULT '',
	sample_count INTEGER NOT NULL,
	avg_value DOUBLE PRECISION NOT NULL,
	min_value DOUBLE PRECISION NOT NULL,
	max_value DOUBLE PRECISION NOT NULL,
	p50_value DOUBLE PRECISION NOT NULL,
	p99_value DOUBLE PRECISION NOT NULL,
	stddev_value DOUBLE PRECISION NOT NULL,
	aggregated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (scenario_id, metric_name)
);

CREATE TABLE IF NOT EXISTS load_test.results_log (
	id TEXT PRIMARY KEY,
	run_id TEXT,
	scenario_id TEXT NOT NULL,
	metric_name TEXT NOT NULL,
	expected_value TEXT NOT NULL,
	measured_value DOUBLE PRECISION NOT NULL,
	measured_unit TEXT NOT NULL DEFAULT '',
	aggregation TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	scope TEXT NOT NULL,
	evaluated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_log_scenario ON load_test.results_log(scenario_id, scope);
`

// EnsureSchema creates the load_test schema and its tables if missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return errors.Wrap(err, "failed to create load_test schema")
	}
	return nil
}

func (s *Store) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t
}

var _ store.Backend = (*Store)(nil)
