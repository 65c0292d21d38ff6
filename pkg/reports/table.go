package reports

import (
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/rmax-ai/loadtest/pkg/store"
)

// DrawSummaries renders scenario summaries as a text table.
func DrawSummaries(w io.Writer, sums []store.ScenarioSummary) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"scenario", "metric", "unit", "samples", "avg", "min", "max", "p50", "p99", "stddev"})
	for _, s := range sums {
		table.Append([]string{
			s.ScenarioID, s.MetricName, s.Unit, strconv.Itoa(s.SampleCount),
			fmt.Sprintf("%.3f", s.Avg), fmt.Sprintf("%.3f", s.Min), fmt.Sprintf("%.3f", s.Max),
			fmt.Sprintf("%.3f", s.P50), fmt.Sprintf("%.3f", s.P99), fmt.Sprintf("%.3f", s.Stddev),
		})
	}
	table.Render()
}

// DrawEvaluations renders evaluation results as a text table.
func DrawEvaluations(w io.Writer, results []store.EvaluationResult) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"scenario", "run", "metric", "scope", "aggregation", "expected", "measured", "status"})
	for _, r := range results {
		run := r.RunID
		if run == "" {
			run = "-"
		}
		table.Append([]string{
			r.ScenarioID, run, r.MetricName, r.Scope, r.Aggregation, r.ExpectedValue,
			fmt.Sprintf("%.3f %s", r.MeasuredValue, r.MeasuredUnit), r.Status,
		})
	}
	table.Render()
}
