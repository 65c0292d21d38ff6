package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/rmax-ai/loadtest/pkg/units"
)

// InsertScenario records a scenario and its configuration snapshot. A
// scenario loaded again keeps its creation time and takes the new snapshot.
func (s *Store) InsertScenario(ctx context.Context, rec *ScenarioRecord) error {
	rec.CreatedAt = s.stamp(rec.CreatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scenarios (scenario_id, protocol, config_snapshot, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (scenario_id) DO UPDATE SET
			protocol = excluded.protocol,
			config_snapshot = excluded.config_snapshot
	`, rec.ScenarioID, rec.Protocol, string(rec.ConfigSnapshot), rec.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to insert scenario %s", rec.ScenarioID)
	}
	return nil
}

// InsertRun records the start of a run.
func (s *Store) InsertRun(ctx context.Context, run *TestRun) error {
	run.StartTime = s.stamp(run.StartTime)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO test_runs (run_id, scenario_id, start_time, worker_node)
		VALUES (?, ?, ?, ?)
	`, run.RunID, run.ScenarioID, run.StartTime, run.WorkerNode)
	if err != nil {
		return errors.Wrapf(err, "failed to insert run %s", run.RunID)
	}
	return nil
}

// InsertRawMetric appends a single measurement.
func (s *Store) InsertRawMetric(ctx context.Context, m *RawMetric) error {
	return s.InsertRawMetrics(ctx, []*RawMetric{m})
}

// InsertRawMetrics appends the measurements of a run in one transaction.
func (s *Store) InsertRawMetrics(ctx context.Context, metrics []*RawMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO raw_metrics (id, run_id, metric_name, metric_value, unit, canonical_value, canonical_unit, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare raw metric insert")
	}
	defer stmt.Close()

	for _, m := range metrics {
		m.Timestamp = s.stamp(m.Timestamp)
		canonical := sql.NullFloat64{Float64: m.CanonicalValue, Valid: m.Normalized()}
		if _, err := stmt.ExecContext(ctx, m.ID, m.RunID, m.MetricName, m.Value, m.Unit, canonical, m.CanonicalUnit, m.Timestamp); err != nil {
			return errors.Wrapf(err, "failed to insert raw metric %s for run %s", m.MetricName, m.RunID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit raw metrics")
	}
	return nil
}

// FetchMetricsForAggregation returns the canonical values of metric within
// scope, oldest first. Rows without a canonical value are skipped. A metric
// stored under more than one canonical unit fails with
// units.ErrUnitFamilyMismatch.
func (s *Store) FetchMetricsForAggregation(ctx context.Context, scope SampleScope, metric string) (Samples, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case scope.RunID != "":
		rows, err = s.db.QueryContext(ctx, `
			SELECT canonical_value, canonical_unit FROM raw_metrics
			WHERE run_id = ? AND metric_name = ? AND canonical_unit <> ''
			ORDER BY timestamp, rowid
		`, scope.RunID, metric)
	case scope.ScenarioID != "":
		rows, err = s.db.QueryContext(ctx, `
			SELECT m.canonical_value, m.canonical_unit FROM raw_metrics m
			JOIN test_runs r ON r.run_id = m.run_id
			WHERE r.scenario_id = ? AND m.metric_name = ? AND m.canonical_unit <> ''
			ORDER BY m.timestamp, m.rowid
		`, scope.ScenarioID, metric)
	default:
		return Samples{}, errors.New("sample scope needs a run or scenario id")
	}
	if err != nil {
		return Samples{}, errors.Wrapf(err, "failed to fetch samples of %s", metric)
	}
	defer rows.Close()

	return ScanSamples(rows, metric)
}

// ScanSamples collects (canonical_value, canonical_unit) rows into Samples,
// failing when the metric was stored under more than one canonical unit.
func ScanSamples(rows *sql.Rows, metric string) (Samples, error) {
	var out Samples
	for rows.Next() {
		var (
			v    float64
			unit string
		)
		if err := rows.Scan(&v, &unit); err != nil {
			return Samples{}, errors.Wrap(err, "failed to scan sample")
		}
		if out.Unit != "" && out.Unit != unit {
			return Samples{}, errors.Wrapf(units.ErrUnitFamilyMismatch, "metric %s stored as %s and %s", metric, out.Unit, unit)
		}
		out.Unit = unit
		out.Values = append(out.Values, v)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate samples")
}

// ListScenarios returns every registered scenario.
func (s *Store) ListScenarios(ctx context.Context) ([]ScenarioRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scenario_id, protocol, config_snapshot, created_at FROM scenarios ORDER BY created_at, scenario_id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scenarios")
	}
	defer rows.Close()

	var out []ScenarioRecord
	for rows.Next() {
		var (
			rec      ScenarioRecord
			snapshot string
		)
		if err := rows.Scan(&rec.ScenarioID, &rec.Protocol, &snapshot, &rec.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan scenario")
		}
		rec.ConfigSnapshot = []byte(snapshot)
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate scenarios")
}

// ListRuns returns the runs of a scenario, or of all scenarios when
// scenarioID is empty.
func (s *Store) ListRuns(ctx context.Context, scenarioID string) ([]TestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, scenario_id, start_time, worker_node FROM test_runs
		WHERE (? = '' OR scenario_id = ?)
		ORDER BY start_time, rowid
	`, scenarioID, scenarioID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var out []TestRun
	for rows.Next() {
		var r TestRun
		if err := rows.Scan(&r.RunID, &r.ScenarioID, &r.StartTime, &r.WorkerNode); err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate runs")
}

// ListRawMetrics returns the metrics of a run, or of all runs when runID is
// empty.
func (s *Store) ListRawMetrics(ctx context.Context, runID string) ([]RawMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, metric_name, metric_value, unit, canonical_value, canonical_unit, timestamp
		FROM raw_metrics
		WHERE (? = '' OR run_id = ?)
		ORDER BY timestamp, rowid
	`, runID, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list raw metrics")
	}
	defer rows.Close()

	var out []RawMetric
	for rows.Next() {
		var (
			m         RawMetric
			canonical sql.NullFloat64
		)
		if err := rows.Scan(&m.ID, &m.RunID, &m.MetricName, &m.Value, &m.Unit, &canonical, &m.CanonicalUnit, &m.Timestamp); err != nil {
			return nil, errors.Wrap(err, "failed to scan raw metric")
		}
		m.CanonicalValue = canonical.Float64
		out = append(out, m)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate raw metrics")
}

// CountRuns returns the number of runs recorded for a scenario.
func (s *Store) CountRuns(ctx context.Context, scenarioID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM test_runs WHERE scenario_id = ?`, scenarioID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count runs")
	}
	return n, nil
}

// stamp fills in the current time for rows written without one.
func (s *Store) stamp(t time.Time) time.Time {
	if t.IsZero() {
		return s.now()
	}
	return t
}
