package postgres

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/rmax-ai/loadtest/pkg/store"
)

func (s *Store) InsertScenario(ctx context.Context, rec *store.ScenarioRecord) error {
	rec.CreatedAt = s.stamp(rec.CreatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO load_test.scenarios (scenario_id, protocol, config_snapshot, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (scenario_id) DO UPDATE SET
			protocol = EXCLUDED.protocol,
			config_snapshot = EXCLUDED.config_snapshot
	`, rec.ScenarioID, rec.Protocol, string(rec.ConfigSnapshot), rec.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to insert scenario %s", rec.ScenarioID)
	}
	return nil
}

func (s *Store) InsertRun(ctx context.Context, run *store.TestRun) error {
	run.StartTime = s.stamp(run.StartTime)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO load_test.test_runs (run_id, scenario_id, start_time, worker_node)
		VALUES ($1, $2, $3, $4)
	`, run.RunID, run.ScenarioID, run.StartTime, run.WorkerNode)
	if err != nil {
		return errors.Wrapf(err, "failed to insert run %s", run.RunID)
	}
	return nil
}

func (s *Store) InsertRawMetric(ctx context.Context, m *store.RawMetric) error {
	return s.InsertRawMetrics(ctx, []*store.RawMetric{m})
}

// InsertRawMetrics writes the metrics of a run in one transaction.
func (s *Store) InsertRawMetrics(ctx context.Context, metrics []*store.RawMetric) error {
	if len(metrics) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO load_test.raw_metrics (id, run_id, metric_name, metric_value, unit, canonical_value, canonical_unit, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
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

func (s *Store) FetchMetricsForAggregation(ctx context.Context, scope store.SampleScope, metric string) (store.Samples, error) {
	var (
		rows *sql.Rows
		err  error
	)
	switch {
	case scope.RunID != "":
		rows, err = s.db.QueryContext(ctx, `
			SELECT canonical_value, canonical_unit FROM load_test.raw_metrics
			WHERE run_id = $1 AND metric_name = $2 AND canonical_unit <> ''
			ORDER BY timestamp, id
		`, scope.RunID, metric)
	case scope.ScenarioID != "":
		rows, err = s.db.QueryContext(ctx, `
			SELECT rm.canonical_value, rm.canonical_unit FROM load_test.raw_metrics rm
			JOIN load_test.test_runs tr ON rm.run_id = tr.run_id
			WHERE tr.scenario_id = $1 AND rm.metric_name = $2 AND rm.canonical_unit <> ''
			ORDER BY rm.timestamp, rm.id
		`, scope.ScenarioID, metric)
	default:
		return store.Samples{}, errors.New("sample scope needs a run or scenario id")
	}
	if err != nil {
		return store.Samples{}, errors.Wrapf(err, "failed to fetch samples of %s", metric)
	}
	defer rows.Close()

	return store.ScanSamples(rows, metric)
}

func (s *Store) UpsertScenarioSummary(ctx context.Context, sum *store.ScenarioSummary) error {
	sum.AggregatedAt = s.stamp(sum.AggregatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO load_test.scenario_summary (
			id, scenario_id, metric_name, unit, sample_count,
			avg_value, min_value, max_value, p50_value, p99_value, stddev_value, aggregated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (scenario_id, metric_name) DO UPDATE SET
			unit = EXCLUDED.unit,
			sample_count = EXCLUDED.sample_count,
			avg_value = EXCLUDED.avg_value,
			min_value = EXCLUDED.min_value,
			max_value = EXCLUDED.max_value,
			p50_value = EXCLUDED.p50_value,
			p99_value = EXCLUDED.p99_value,
			stddev_value = EXCLUDED.stddev_value,
			aggregated_at = EXCLUDED.aggregated_at
	`, sum.ID, sum.ScenarioID, sum.MetricName, sum.Unit, sum.SampleCount,
		sum.Avg, sum.Min, sum.Max, sum.P50, sum.P99, sum.Stddev, sum.AggregatedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert summary %s/%s", sum.ScenarioID, sum.MetricName)
	}
	return nil
}

const summaryColumns = `id, scenario_id, metric_name, unit, sample_count,
	avg_value, min_value, max_value, p50_value, p99_value, stddev_value, aggregated_at`

func scanSummary(row interface{ Scan(...any) error }) (store.ScenarioSummary, error) {
	var sum store.ScenarioSummary
	err := row.Scan(&sum.ID, &sum.ScenarioID, &sum.MetricName, &sum.Unit, &sum.SampleCount,
		&sum.Avg, &sum.Min, &sum.Max, &sum.P50, &sum.P99, &sum.Stddev, &sum.AggregatedAt)
	return sum, err
}

func (s *Store) GetSummary(ctx context.Context, scenarioID, metric string) (*store.ScenarioSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM load_test.scenario_summary
		WHERE scenario_id = $1 AND metric_name = $2`, scenarioID, metric)
	sum, err := scanSummary(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get summary")
	}
	return &sum, nil
}

func (s *Store) ListSummaries(ctx context.Context, scenarioID string) ([]store.ScenarioSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+summaryColumns+` FROM load_test.scenario_summary
		WHERE ($1 = '' OR scenario_id = $1)
		ORDER BY scenario_id, metric_name`, scenarioID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list summaries")
	}
	defer rows.Close()

	var out []store.ScenarioSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan summary")
		}
		out = append(out, sum)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate summaries")
}

func (s *Store) InsertEvaluationResult(ctx context.Context, res *store.EvaluationResult) error {
	res.EvaluatedAt = s.stamp(res.EvaluatedAt)
	runID := sql.NullString{String: res.RunID, Valid: res.RunID != ""}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO load_test.results_log (
			id, run_id, scenario_id, metric_name, expected_value, measured_value,
			measured_unit, aggregation, status, scope, evaluated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, res.ID, runID, res.ScenarioID, res.MetricName, res.ExpectedValue, res.MeasuredValue,
		res.MeasuredUnit, res.Aggregation, res.Status, res.Scope, res.EvaluatedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to insert evaluation of %s", res.MetricName)
	}
	return nil
}

func (s *Store) ListEvaluations(ctx context.Context, filter store.ResultFilter) ([]store.EvaluationResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, scenario_id, metric_name, expected_value, measured_value,
			measured_unit, aggregation, status, scope, evaluated_at
		FROM load_test.results_log
		WHERE ($1 = '' OR scenario_id = $1)
		  AND ($2 = '' OR run_id = $2)
		  AND ($3 = '' OR scope = $3)
		ORDER BY evaluated_at, id
	`, filter.ScenarioID, filter.RunID, filter.Scope)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list evaluations")
	}
	defer rows.Close()

	var out []store.EvaluationResult
	for rows.Next() {
		var (
			res   store.EvaluationResult
			runID sql.NullString
		)
		if err := rows.Scan(&res.ID, &runID, &res.ScenarioID, &res.MetricName, &res.ExpectedValue, &res.MeasuredValue,
			&res.MeasuredUnit, &res.Aggregation, &res.Status, &res.Scope, &res.EvaluatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan evaluation")
		}
		res.RunID = runID.String
		out = append(out, res)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate evaluations")
}

func (s *Store) ListScenarios(ctx context.Context) ([]store.ScenarioRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scenario_id, protocol, config_snapshot, created_at
		FROM load_test.scenarios ORDER BY created_at, scenario_id
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scenarios")
	}
	defer rows.Close()

	var out []store.ScenarioRecord
	for rows.Next() {
		var (
			rec      store.ScenarioRecord
			snapshot []byte
		)
		if err := rows.Scan(&rec.ScenarioID, &rec.Protocol, &snapshot, &rec.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan scenario")
		}
		rec.ConfigSnapshot = snapshot
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate scenarios")
}

func (s *Store) ListRuns(ctx context.Context, scenarioID string) ([]store.TestRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, scenario_id, start_time, worker_node FROM load_test.test_runs
		WHERE ($1 = '' OR scenario_id = $1)
		ORDER BY start_time, run_id
	`, scenarioID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list runs")
	}
	defer rows.Close()

	var out []store.TestRun
	for rows.Next() {
		var r store.TestRun
		if err := rows.Scan(&r.RunID, &r.ScenarioID, &r.StartTime, &r.WorkerNode); err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate runs")
}

func (s *Store) ListRawMetrics(ctx context.Context, runID string) ([]store.RawMetric, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, metric_name, metric_value, unit, canonical_value, canonical_unit, timestamp
		FROM load_test.raw_metrics
		WHERE ($1 = '' OR run_id = $1)
		ORDER BY timestamp, id
	`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list raw metrics")
	}
	defer rows.Close()

	var out []store.RawMetric
	for rows.Next() {
		var (
			m         store.RawMetric
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

func (s *Store) CountRuns(ctx context.Context, scenarioID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM load_test.test_runs WHERE scenario_id = $1`, scenarioID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "failed to count runs")
	}
	return n, nil
}
