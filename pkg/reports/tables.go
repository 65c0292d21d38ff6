package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"

	"github.com/rmax-ai/loadtest/pkg/store"
)

func writeCSV(header []string, rows [][]string) (io.Reader, error) {
	buf := &bytes.Buffer{}
	writer := csv.NewWriter(buf)

	if err := writer.Write(header); err != nil {
		return nil, errors.Wrap(err, "failed to write headers")
	}
	for _, row := range rows {
		if err := writer.Write(row); err != nil {
			return nil, errors.Wrap(err, "failed to write row")
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, errors.Wrap(err, "failed to flush writer")
	}
	return buf, nil
}

func ts(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ScenariosReport exports the scenario registry.
type ScenariosReport struct {
	store ReportStore
}

func NewScenariosReport(s ReportStore) *ScenariosReport {
	return &ScenariosReport{store: s}
}

func (r *ScenariosReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	recs, err := r.store.ListScenarios(ctx)
	if err != nil {
		return nil, err
	}
	var rows [][]string
	for _, rec := range recs {
		if params.ScenarioID != "" && rec.ScenarioID != params.ScenarioID {
			continue
		}
		rows = append(rows, []string{rec.ScenarioID, rec.Protocol, string(rec.ConfigSnapshot), ts(rec.CreatedAt)})
	}
	return writeCSV([]string{"scenario_id", "protocol", "config_snapshot", "created_at"}, rows)
}

// RunsReport exports test runs.
type RunsReport struct {
	store ReportStore
}

func NewRunsReport(s ReportStore) *RunsReport {
	return &RunsReport{store: s}
}

func (r *RunsReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	runs, err := r.store.ListRuns(ctx, params.ScenarioID)
	if err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(runs))
	for _, run := range runs {
		rows = append(rows, []string{run.RunID, run.ScenarioID, ts(run.StartTime), run.WorkerNode})
	}
	return writeCSV([]string{"run_id", "scenario_id", "start_time", "worker_node"}, rows)
}

// RawMetricsReport exports every raw measurement. Rows that could not be
// normalized have empty canonical columns.
type RawMetricsReport struct {
	store ReportStore
}

func NewRawMetricsReport(s ReportStore) *RawMetricsReport {
	return &RawMetricsReport{store: s}
}

func (r *RawMetricsReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	var metrics []store.RawMetric
	if params.ScenarioID == "" {
		all, err := r.store.ListRawMetrics(ctx, "")
		if err != nil {
			return nil, err
		}
		metrics = all
	} else {
		runs, err := r.store.ListRuns(ctx, params.ScenarioID)
		if err != nil {
			return nil, err
		}
		for _, run := range runs {
			ms, err := r.store.ListRawMetrics(ctx, run.RunID)
			if err != nil {
				return nil, err
			}
			metrics = append(metrics, ms...)
		}
	}

	rows := make([][]string, 0, len(metrics))
	for _, m := range metrics {
		canonical := ""
		if m.Normalized() {
			canonical = num(m.CanonicalValue)
		}
		rows = append(rows, []string{
			m.ID, m.RunID, m.MetricName, num(m.Value), m.Unit, canonical, m.CanonicalUnit, ts(m.Timestamp),
		})
	}
	return writeCSV([]string{
		"id", "run_id", "metric_name", "metric_value", "unit", "canonical_value", "canonical_unit", "timestamp",
	}, rows)
}

// ResultsReport exports the evaluation log.
type ResultsReport struct {
	store ReportStore
}

func NewResultsReport(s ReportStore) *ResultsReport {
	return &ResultsReport{store: s}
}

func (r *ResultsReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	results, err := r.store.ListEvaluations(ctx, store.ResultFilter{ScenarioID: params.ScenarioID})
	if err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(results))
	for _, res := range results {
		rows = append(rows, []string{
			res.ID, res.RunID, res.ScenarioID, res.MetricName, res.ExpectedValue, num(res.MeasuredValue),
			res.MeasuredUnit, res.Aggregation, res.Status, res.Scope, ts(res.EvaluatedAt),
		})
	}
	return writeCSV([]string{
		"id", "run_id", "scenario_id", "metric_name", "expected_value", "measured_value",
		"measured_unit", "aggregation", "status", "scope", "evaluated_at",
	}, rows)
}

// SummaryReport exports the per-metric scenario summaries.
type SummaryReport struct {
	store ReportStore
}

func NewSummaryReport(s ReportStore) *SummaryReport {
	return &SummaryReport{store: s}
}

func (r *SummaryReport) Generate(ctx context.Context, params ReportParams) (io.Reader, error) {
	sums, err := r.store.ListSummaries(ctx, params.ScenarioID)
	if err != nil {
		return nil, err
	}
	rows := make([][]string, 0, len(sums))
	for _, s := range sums {
		rows = append(rows, []string{
			s.ID, s.ScenarioID, s.MetricName, s.Unit, strconv.Itoa(s.SampleCount),
			num(s.Avg), num(s.Min), num(s.Max), num(s.P50), num(s.P99), num(s.Stddev), ts(s.AggregatedAt),
		})
	}
	return writeCSV([]string{
		"id", "scenario_id", "metric_name", "unit", "sample_count",
		"avg_value", "min_value", "max_value", "p50_value", "p99_value", "stddev_value", "aggregated_at",
	}, rows)
}
