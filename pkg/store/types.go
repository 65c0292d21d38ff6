package store

import (
	"context"
	"encoding/json"
	"time"
)

// ScenarioRecord is the registry row of a loaded scenario.
type ScenarioRecord struct {
	ScenarioID     string          `json:"scenario_id"`
	Protocol       string          `json:"protocol"`
	ConfigSnapshot json.RawMessage `json:"config_snapshot"`
	CreatedAt      time.Time       `json:"created_at"`
}

// TestRun is one execution of a scenario.
type TestRun struct {
	RunID      string    `json:"run_id"`
	ScenarioID string    `json:"scenario_id"`
	StartTime  time.Time `json:"start_time"`
	WorkerNode string    `json:"worker_node"`
}

// RawMetric is a single measurement taken during a run. CanonicalUnit is
// empty when the raw unit could not be normalized; such rows are kept for
// the record but never aggregated.
type RawMetric struct {
	ID             string    `json:"id"`
	RunID          string    `json:"run_id"`
	MetricName     string    `json:"metric_name"`
	Value          float64   `json:"metric_value"`
	Unit           string    `json:"unit"`
	CanonicalValue float64   `json:"canonical_value"`
	CanonicalUnit  string    `json:"canonical_unit"`
	Timestamp      time.Time `json:"timestamp"`
}

// Normalized reports whether the metric carries a canonical value.
func (m RawMetric) Normalized() bool {
	return m.CanonicalUnit != ""
}

// ScenarioSummary holds the statistics of one metric over every run of a
// scenario. There is at most one row per (scenario, metric).
type ScenarioSummary struct {
	ID           string    `json:"id"`
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

// EvaluationResult is the outcome of one expectation check. RunID is empty
// for scenario-scope results.
type EvaluationResult struct {
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

// SampleScope selects the samples of either one run or a whole scenario.
type SampleScope struct {
	ScenarioID string
	RunID      string
}

// Samples are canonical values of one metric, oldest first.
type Samples struct {
	Values []float64
	Unit   string
}

// ResultFilter narrows evaluation result listings. Empty fields match all.
type ResultFilter struct {
	ScenarioID string
	RunID      string
	Scope      string
}

// Lease represents a distributed lock claim.
type Lease struct {
	Name      string    `json:"name"`
	HolderID  string    `json:"holder_id"`
	ExpiresAt time.Time `json:"expires_at"`
	Version   int64     `json:"version"` // For CAS (Compare-And-Swap) logic
}

// LeaseStore defines the interface for acquiring and renewing leases.
type LeaseStore interface {
	// Acquire tries to acquire the lease. Returns true if successful.
	// If the lease is already held by holderID, it renews it.
	Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error)

	// Renew updates the expiry of an existing lease held by holderID.
	// Returns error if the lease is lost or stolen.
	Renew(ctx context.Context, name, holderID string, ttl time.Duration) error

	// Release releases the lease if held by holderID.
	Release(ctx context.Context, name, holderID string) error

	// Get returns the current lease state.
	Get(ctx context.Context, name string) (*Lease, error)
}

// Backend is the persistence surface shared by the SQLite and Postgres
// stores.
type Backend interface {
	InsertScenario(ctx context.Context, rec *ScenarioRecord) error
	InsertRun(ctx context.Context, run *TestRun) error
	InsertRawMetric(ctx context.Context, m *RawMetric) error
	InsertRawMetrics(ctx context.Context, metrics []*RawMetric) error
	UpsertScenarioSummary(ctx context.Context, sum *ScenarioSummary) error
	InsertEvaluationResult(ctx context.Context, res *EvaluationResult) error
	FetchMetricsForAggregation(ctx context.Context, scope SampleScope, metric string) (Samples, error)

	ListScenarios(ctx context.Context) ([]ScenarioRecord, error)
	ListRuns(ctx context.Context, scenarioID string) ([]TestRun, error)
	ListRawMetrics(ctx context.Context, runID string) ([]RawMetric, error)
	ListSummaries(ctx context.Context, scenarioID string) ([]ScenarioSummary, error)
	GetSummary(ctx context.Context, scenarioID, metric string) (*ScenarioSummary, error)
	ListEvaluations(ctx context.Context, filter ResultFilter) ([]EvaluationResult, error)
	CountRuns(ctx context.Context, scenarioID string) (int, error)
	Close() error
}
