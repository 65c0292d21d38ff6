package reports

import (
	"github.com/pkg/errors"
)

var ErrUnknownReport = errors.New("unknown report type")

// NewReportGenerator creates a report generator based on the report type.
func NewReportGenerator(reportType ReportType, s ReportStore) (Generator, error) {
	switch reportType {
	case ReportTypeScenarios:
		return NewScenariosReport(s), nil
	case ReportTypeRuns:
		return NewRunsReport(s), nil
	case ReportTypeRawMetric:
		return NewRawMetricsReport(s), nil
	case ReportTypeResults:
		return NewResultsReport(s), nil
	case ReportTypeSummary:
		return NewSummaryReport(s), nil
	default:
		return nil, errors.Wrapf(ErrUnknownReport, "%q", reportType)
	}
}
