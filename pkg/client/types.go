package client

import "time"

// Status represents the health check response.
type Status struct {
	Status string `json:"status"`
	Worker string `json:"worker,omitempty"`
}

// ScenarioStatus is the live schedule state of one scenario.
type ScenarioStatus struct {
	ScenarioID  string    `json:"scenario_id"`
	Mode        string    `json:"mode"`
	State       string    `json:"state"`
	StartAt     time.Time `json:"start_at"`
	EndAt       time.Time `json:"end_at,omitempty"`
	NextFireAt  time.Time `json:"next_fire_at,omitempty"`
	LastFireAt  time.Time `json:"last_fire_at,omitempty"`
	FireCount   int       `json:"fire_count"`
	Outstanding int       `json:"outstanding"`
	Finalized   bool      `json:"finalized"`
}

// Summary holds the statistics of one metric of a scenario.
type Summary struct {
	ScenarioID   string    `json:"scenario_id"`
	MetricName   string    `json:"metric_name"`
	Unit         string    `json:"unit"`
	SampleCount  int       `json:"sample_count"`
	Avg          float64   `json:"avg_value"`
	Min          float64   `json:"min_value"`
	Max          float64   `json:"max_value"`
	P50          float64   `json:"p50_value"`
	P99          float64   `json:"p99_value"`
	Stddev       float64   `json:"stddev_value"`
	AggregatedAt time.Time `json:"aggregated_at"`
}

// Evaluation is one logged expectation outcome.
type Evaluation struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id,omitempty"`
	ScenarioID    string    `json:"scenario_id"`
	MetricName    string    `json:"metric_name"`
	ExpectedValue string    `json:"expected_value"`
	MeasuredValue float64   `json:"measured_value"`
	MeasuredUnit  string    `json:"measured_unit"`
	Aggregation   string    `json:"aggregation"`
	Status        string    `json:"status"`
	Scope         string    `json:"scope"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
}

// SummaryOptions filters Summaries.
type SummaryOptions struct {
	ScenarioID string
	Live       bool
}

// EvaluationOptions filters Evaluations.
type EvaluationOptions struct {
	ScenarioID string
	RunID      string
	Scope      string // per_iteration or scenario
}
