package reports

import (
	"context"
	"io"

	"github.com/rmax-ai/loadtest/pkg/store"
)

// ReportType names an exportable table.
type ReportType string

const (
	ReportTypeScenarios ReportType = "scenarios"
	ReportTypeRuns      ReportType = "test_runs"
	ReportTypeRawMetric ReportType = "raw_metrics"
	ReportTypeResults   ReportType = "results_log"
	ReportTypeSummary   ReportType = "scenario_summary"
)

// AllTypes lists every table in export order.
var AllTypes = []ReportType{
	ReportTypeScenarios,
	ReportTypeRuns,
	ReportTypeRawMetric,
	ReportTypeResults,
	ReportTypeSummary,
}

// ReportParams narrow a report. Empty fields match everything.
type ReportParams struct {
	ScenarioID string
}

// ReportStore defines the interface for data access required by reports.
type ReportStore interface {
	ListScenarios(ctx context.Context) ([]store.ScenarioRecord, error)
	ListRuns(ctx context.Context, scenarioID string) ([]store.TestRun, error)
	ListRawMetrics(ctx context.Context, runID string) ([]store.RawMetric, error)
	ListSummaries(ctx context.Context, scenarioID string) ([]store.ScenarioSummary, error)
	ListEvaluations(ctx context.Context, filter store.ResultFilter) ([]store.EvaluationResult, error)
}

type Generator interface {
	Generate(ctx context.Context, params ReportParams) (io.Reader, error)
}
