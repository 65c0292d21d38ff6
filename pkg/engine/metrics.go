package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LoadtestFiresTotal counts fires dispatched to a probe
	LoadtestFiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadtest_fires_total",
			Help: "Total number of scenario fires dispatched",
		},
		[]string{"scenario_id"},
	)

	// LoadtestFiresCoalescedTotal counts due fires dropped by the no-backlog policy
	LoadtestFiresCoalescedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadtest_fires_coalesced_total",
			Help: "Due fires skipped because the scenario already had a fire running and one queued",
		},
		[]string{"scenario_id"},
	)

	// LoadtestOutstandingFires tracks running plus queued fires per scenario
	LoadtestOutstandingFires = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loadtest_outstanding_fires",
			Help: "Fires running or waiting for the scenario lock",
		},
		[]string{"scenario_id"},
	)

	// LoadtestProbeFailuresTotal counts failed probe invocations
	LoadtestProbeFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadtest_probe_failures_total",
			Help: "Total number of failed probe runs",
		},
		[]string{"scenario_id", "protocol"},
	)

	// LoadtestProbeDuration tracks how long probes take
	LoadtestProbeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loadtest_probe_duration_seconds",
			Help:    "Duration of probe runs",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
		[]string{"protocol"},
	)

	// LoadtestEvaluationsTotal counts recorded expectation outcomes
	LoadtestEvaluationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loadtest_evaluations_total",
			Help: "Total number of expectation evaluations recorded",
		},
		[]string{"scenario_id", "scope", "status"},
	)

	// LoadtestSummaryAvg exposes the running average of each metric
	LoadtestSummaryAvg = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loadtest_summary_avg",
			Help: "Average of a metric over all runs of a scenario, in its canonical unit",
		},
		[]string{"scenario_id", "metric", "unit"},
	)

	// LoadtestLeaseLostTotal counts scenario leases lost while a fire was running
	LoadtestLeaseLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "loadtest_lease_lost_total",
			Help: "Scenario leases that could not be renewed",
		},
	)
)

func init() {
	// Register metrics with the default registry
	prometheus.MustRegister(LoadtestFiresTotal)
	prometheus.MustRegister(LoadtestFiresCoalescedTotal)
	prometheus.MustRegister(LoadtestOutstandingFires)
	prometheus.MustRegister(LoadtestProbeFailuresTotal)
	prometheus.MustRegister(LoadtestProbeDuration)
	prometheus.MustRegister(LoadtestEvaluationsTotal)
	prometheus.MustRegister(LoadtestSummaryAvg)
	prometheus.MustRegister(LoadtestLeaseLostTotal)
}
