package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// UpsertScenarioSummary writes the summary of one (scenario, metric) pair,
// replacing any previous statistics. The row id of the first write is kept.
func (s *Store) UpsertScenarioSummary(ctx context.Context, sum *ScenarioSummary) error {
	sum.AggregatedAt = s.stamp(sum.AggregatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scenario_summary (
			id, scenario_id, metric_name, unit, sample_count,
			avg_value, min_value, max_value, p50_value, p99_value, stddev_value, aggregated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (scenario_id, metric_name) DO UPDATE SET
			unit = excluded.unit,
			sample_count = excluded.sample_count,
			avg_value = excluded.avg_value,
			min_value = excluded.min_value,
			max_value = excluded.max_value,
			p50_value = excluded.p50_value,
			p99_value = excluded.p99_value,
			stddev_value = excluded.stddev_value,
			aggregated_at = excluded.aggregated_at
	`, sum.ID, sum.ScenarioID, sum.MetricName, sum.Unit, sum.SampleCount,
		sum.Avg, sum.Min, sum.Max, sum.P50, sum.P99, sum.Stddev, sum.AggregatedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to upsert summary %s/%s", sum.ScenarioID, sum.MetricName)
	}
	return nil
}

const summaryColumns = `id, scenario_id, metric_name, unit, sample_count,
	avg_value, min_value, max_value, p50_value, p99_value, stddev_value, aggregated_at`

func scanSummary(row interface{ Scan(...any) error }) (ScenarioSummary, error) {
	var sum ScenarioSummary
	err := row.Scan(&sum.ID, &sum.ScenarioID, &sum.MetricName, &sum.Unit, &sum.SampleCount,
		&sum.Avg, &sum.Min, &sum.Max, &sum.P50, &sum.P99, &sum.Stddev, &sum.AggregatedAt)
	return sum, err
}

// GetSummary returns the summary of a (scenario, metric) pair, or nil when
// none was written yet.
func (s *Store) GetSummary(ctx context.Context, scenarioID, metric string) (*ScenarioSummary, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+summaryColumns+` FROM scenario_summary
		WHERE scenario_id = ? AND metric_name = ?`, scenarioID, metric)
	sum, err := scanSummary(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to get summary")
	}
	return &sum, nil
}

// ListSummaries returns the summaries of a scenario, or of every scenario
// when scenarioID is empty.
func (s *Store) ListSummaries(ctx context.Context, scenarioID string) ([]ScenarioSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+summaryColumns+` FROM scenario_summary
		WHERE (? = '' OR scenario_id = ?)
		ORDER BY scenario_id, metric_name`, scenarioID, scenarioID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list summaries")
	}
	defer rows.Close()

	var out []ScenarioSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan summary")
		}
		out = append(out, sum)
	}
	return out, errors.Wrap(rows.Err(), "failed to iterate summaries")
}

// InsertEvaluationResult appends an evaluation outcome.
func (s *Store) InsertEvaluationResult(ctx context.Context, res *EvaluationResult) error {
	res.EvaluatedAt = s.stamp(res.EvaluatedAt)
	runID := sql.NullString{String: res.RunID, Valid: res.RunID != ""}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO results_log (
			id, run_id, scenario_id, metric_name, expected_value, measured_value,
			measured_unit, aggregation, status, scope, evaluated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, res.ID, runID, res.ScenarioID, res.MetricName, res.ExpectedValue, res.MeasuredValue,
		res.MeasuredUnit, res.Aggregation, res.Status, res.Scope, res.EvaluatedAt)
	if err != nil {
		return errors.Wrapf(err, "failed to insert evaluation of %s", res.MetricName)
	}
	return nil
}

// ListEvaluations returns evaluation results matching filter, oldest first.
func (s *Store) ListEvaluations(ctx context.Context, filter ResultFilter) ([]EvaluationResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, scenario_id, metric_name, expected_value, measured_value,
			measured_unit, aggregation, status, scope, evaluated_at
		FROM results_log
		WHERE (? = '' OR scenario_id = ?)
		  AND (? = '' OR run_id = ?)
		  AND (? = '' OR scope = ?)
		ORDER BY evaluated_at, rowid
	`, filter.ScenarioID, filter.ScenarioID, filter.RunID, filter.RunID, filter.Scope, filter.Scope)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list evaluations")
	}
	defer rows.Close()

	var out []EvaluationResult
	for rows.Next() {
		var (
			res   EvaluationResult
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
