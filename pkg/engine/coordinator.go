package engine

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/rmax-ai/loadtest/pkg/expectation"
	"github.com/rmax-ai/loadtest/pkg/probe"
	"github.com/rmax-ai/loadtest/pkg/scenario"
	"github.com/rmax-ai/loadtest/pkg/scheduler"
	"github.com/rmax-ai/loadtest/pkg/stats"
	"github.com/rmax-ai/loadtest/pkg/store"
	"github.com/rmax-ai/loadtest/pkg/units"
)

var (
	ErrAlreadyFinalized = errors.New("scenario already finalized")
	ErrFireSkipped      = errors.New("fire skipped, schedule already ended")
)

// CoordinatorConfig wires a Coordinator. Store and Probes are required.
type CoordinatorConfig struct {
	Store       store.Backend
	Probes      *probe.Registry
	Clock       clockwork.Clock
	Logger      logrus.FieldLogger
	WorkerID    string
	Cache       SummaryCache
	Locker      Locker
	MaxParallel int64
}

// Coordinator executes fires and finalizes completed scenarios.
//
// Fires of one scenario are serialized through Locker; fires of different
// scenarios run in parallel up to MaxParallel. Summary recomputation of a
// (scenario, metric) pair is atomic with respect to other fires.
type Coordinator struct {
	store    store.Backend
	probes   *probe.Registry
	clock    clockwork.Clock
	log      logrus.FieldLogger
	workerID string
	cache    SummaryCache
	locker   Locker
	slots    *semaphore.Weighted
	admit    func(scheduler.Fire) bool

	summaries keyedMutex

	mu        sync.RWMutex
	scenarios map[string]scenario.Scenario
	finalized map[string]bool
}

// RunReport describes one executed fire.
type RunReport struct {
	RunID      string
	ScenarioID string
	Metrics    int
	Skipped    int
	ProbeErr   error
	Results    []store.EvaluationResult
}

func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.Cache == nil {
		cfg.Cache = NewMemorySummaryCache()
	}
	if cfg.Locker == nil {
		cfg.Locker = NewLocalLocker()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	return &Coordinator{
		store:     cfg.Store,
		probes:    cfg.Probes,
		clock:     cfg.Clock,
		log:       cfg.Logger,
		workerID:  cfg.WorkerID,
		cache:     cfg.Cache,
		locker:    cfg.Locker,
		slots:     semaphore.NewWeighted(cfg.MaxParallel),
		scenarios: make(map[string]scenario.Scenario),
		finalized: make(map[string]bool),
	}
}

// Register records the scenario and its configuration snapshot. Disabled
// scenarios are registered too so reports list them.
func (c *Coordinator) Register(ctx context.Context, sc scenario.Scenario) error {
	snapshot, err := sc.Snapshot()
	if err != nil {
		return err
	}
	if err := c.store.InsertScenario(ctx, &store.ScenarioRecord{
		ScenarioID:     sc.ID,
		Protocol:       string(sc.Protocol),
		ConfigSnapshot: snapshot,
		CreatedAt:      c.clock.Now().UTC(),
	}); err != nil {
		return err
	}

	c.mu.Lock()
	c.scenarios[sc.ID] = sc
	c.mu.Unlock()
	return nil
}

// Scenario returns a registered scenario.
func (c *Coordinator) Scenario(id string) (scenario.Scenario, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sc, ok := c.scenarios[id]
	return sc, ok
}

// Cache returns the summary cache fed by this coordinator.
func (c *Coordinator) Cache() SummaryCache {
	return c.cache
}

// Finalized reports whether the scenario-scope evaluation already ran.
func (c *Coordinator) Finalized(id string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.finalized[id]
}

// Fire executes one fire: it records a run, calls the probe, persists the
// measurements, refreshes the affected summaries and evaluates the
// per-iteration expectations. A probe failure is reported in the
// RunReport, not as an error; errors are reserved for persistence and
// lookup failures.
func (c *Coordinator) Fire(ctx context.Context, fire scheduler.Fire) (*RunReport, error) {
	sc, ok := c.Scenario(fire.ScenarioID)
	if !ok {
		return nil, errors.Wrapf(scheduler.ErrUnknownScenario, "%s", fire.ScenarioID)
	}

	unlock, err := c.locker.Lock(ctx, sc.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "waiting for scenario %s", sc.ID)
	}
	defer unlock()

	// A fire queued behind a slow one may find the schedule over.
	if c.admit != nil && !c.admit(fire) {
		return nil, errors.Wrapf(ErrFireSkipped, "%s", sc.ID)
	}

	if err := c.slots.Acquire(ctx, 1); err != nil {
		return nil, errors.Wrap(err, "waiting for a worker slot")
	}
	defer c.slots.Release(1)

	return c.execute(ctx, sc, fire)
}

func (c *Coordinator) execute(ctx context.Context, sc scenario.Scenario, fire scheduler.Fire) (*RunReport, error) {
	run := &store.TestRun{
		RunID:      uuid.NewString(),
		ScenarioID: sc.ID,
		StartTime:  c.clock.Now().UTC(),
		WorkerNode: c.workerID,
	}
	log := c.log.WithFields(logrus.Fields{
		"scenario_id": sc.ID,
		"run_id":      run.RunID,
		"protocol":    sc.Protocol,
		"fire_index":  fire.Index,
	})

	if err := c.store.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	LoadtestFiresTotal.WithLabelValues(sc.ID).Inc()
	log.Info("fire dispatched")

	report := &RunReport{RunID: run.RunID, ScenarioID: sc.ID}

	measurements, err := c.measure(ctx, sc)
	if err != nil {
		report.ProbeErr = err
		LoadtestProbeFailuresTotal.WithLabelValues(sc.ID, string(sc.Protocol)).Inc()
		log.WithError(err).Error("probe failure, run recorded without metrics")
		return report, nil
	}

	names, err := c.ingest(ctx, run, measurements, report, log)
	if err != nil {
		return report, err
	}

	for _, name := range names {
		if err := c.refreshSummary(ctx, sc.ID, name); err != nil {
			log.WithError(err).WithField("metric", name).Warn("failed to refresh summary")
		}
	}

	results, err := c.evaluate(ctx, sc, run.RunID, log)
	report.Results = results
	return report, err
}

func (c *Coordinator) measure(ctx context.Context, sc scenario.Scenario) ([]probe.Measurement, error) {
	p, err := c.probes.For(sc.Protocol)
	if err != nil {
		return nil, err
	}
	start := c.clock.Now()
	measurements, err := p.Run(ctx, sc.ID, sc.Parameters)
	LoadtestProbeDuration.WithLabelValues(string(sc.Protocol)).Observe(c.clock.Since(start).Seconds())
	if err != nil {
		if !errors.Is(err, probe.ErrProbe) {
			err = probe.Failf(err, "%s probe", sc.Protocol)
		}
		return nil, err
	}
	return measurements, nil
}

// ingest normalizes and stores the measurements of a run. It returns the
// names of the metrics that gained canonical samples, in first-seen order.
func (c *Coordinator) ingest(ctx context.Context, run *store.TestRun, measurements []probe.Measurement, report *RunReport, log logrus.FieldLogger) ([]string, error) {
	now := c.clock.Now().UTC()
	rows := make([]*store.RawMetric, 0, len(measurements))
	seen := make(map[string]bool)
	var names []string

	for _, m := range measurements {
		row := &store.RawMetric{
			ID:         uuid.NewString(),
			RunID:      run.RunID,
			MetricName: m.Name,
			Value:      m.Value,
			Unit:       m.Unit,
			Timestamp:  now,
		}
		canonical, err := units.NormalizeAny(m.Value, m.Unit)
		if err != nil {
			report.Skipped++
			log.WithError(err).WithField("metric", m.Name).Warn("unsupported unit, metric stored raw and excluded from aggregation")
		} else {
			row.CanonicalValue = canonical.Value
			row.CanonicalUnit = canonical.Unit
			if !seen[m.Name] {
				seen[m.Name] = true
				names = append(names, m.Name)
			}
		}
		rows = append(rows, row)
	}

	if err := c.store.InsertRawMetrics(ctx, rows); err != nil {
		return nil, err
	}
	report.Metrics = len(rows)
	return names, nil
}

// refreshSummary recomputes the summary of one (scenario, metric) pair from
// the raw history.
func (c *Coordinator) refreshSummary(ctx context.Context, scenarioID, metric string) error {
	m := c.summaries.get(summaryKey(scenarioID, metric))
	m.Lock()
	defer m.Unlock()

	samples, err := c.store.FetchMetricsForAggregation(ctx, store.SampleScope{ScenarioID: scenarioID}, metric)
	if err != nil {
		return err
	}
	if len(samples.Values) == 0 {
		return nil
	}
	sum, err := stats.Aggregate(samples.Values)
	if err != nil {
		return err
	}

	rec := SummaryRecord(scenarioID, metric, samples.Unit, sum)
	rec.ID = uuid.NewString()
	rec.AggregatedAt = c.clock.Now().UTC()
	if err := c.store.UpsertScenarioSummary(ctx, &rec); err != nil {
		return err
	}
	c.cache.Put(rec)
	LoadtestSummaryAvg.WithLabelValues(scenarioID, metric, samples.Unit).Set(sum.Avg)
	return nil
}

// evaluate runs the per-iteration expectations of sc against the samples
// of runID.
func (c *Coordinator) evaluate(ctx context.Context, sc scenario.Scenario, runID string, log logrus.FieldLogger) ([]store.EvaluationResult, error) {
	var out []store.EvaluationResult
	for _, exp := range sc.ExpectationsFor(expectation.PerIteration) {
		elog := log.WithField("metric", exp.Metric)

		samples, err := c.store.FetchMetricsForAggregation(ctx, store.SampleScope{RunID: runID}, exp.Metric)
		if err != nil {
			if errors.Is(err, units.ErrUnitFamilyMismatch) {
				elog.WithError(err).Warn("expectation skipped")
				continue
			}
			return out, err
		}
		if len(samples.Values) == 0 {
			elog.Warn("no samples for expectation, nothing recorded")
			continue
		}
		sum, err := stats.Aggregate(samples.Values)
		if err != nil {
			return out, err
		}

		res, ok, err := c.record(ctx, sc.ID, runID, exp, sum, samples.Unit, elog)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, res)
		}
	}
	return out, nil
}

// Finalize runs the scenario-scope expectations once against the final
// summaries. It waits for a running fire of the scenario to finish first.
// A second call returns ErrAlreadyFinalized.
func (c *Coordinator) Finalize(ctx context.Context, scenarioID string) ([]store.EvaluationResult, error) {
	sc, ok := c.Scenario(scenarioID)
	if !ok {
		return nil, errors.Wrapf(scheduler.ErrUnknownScenario, "%s", scenarioID)
	}

	unlock, err := c.locker.Lock(ctx, sc.ID)
	if err != nil {
		return nil, errors.Wrapf(err, "waiting for scenario %s", sc.ID)
	}
	defer unlock()

	c.mu.Lock()
	if c.finalized[sc.ID] {
		c.mu.Unlock()
		return nil, errors.Wrapf(ErrAlreadyFinalized, "%s", sc.ID)
	}
	c.finalized[sc.ID] = true
	c.mu.Unlock()

	log := c.log.WithField("scenario_id", sc.ID)
	log.Info("scenario completed, evaluating scenario expectations")

	var out []store.EvaluationResult
	for _, exp := range sc.ExpectationsFor(expectation.ScenarioWide) {
		elog := log.WithField("metric", exp.Metric)

		if err := c.refreshSummary(ctx, sc.ID, exp.Metric); err != nil {
			if errors.Is(err, units.ErrUnitFamilyMismatch) {
				elog.WithError(err).Warn("expectation skipped")
				continue
			}
			return out, err
		}
		rec, err := c.store.GetSummary(ctx, sc.ID, exp.Metric)
		if err != nil {
			return out, err
		}
		if rec == nil {
			elog.Warn("no samples for expectation, nothing recorded")
			continue
		}

		res, ok, err := c.record(ctx, sc.ID, "", exp, StatsSummary(*rec), rec.Unit, elog)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, res)
		}
	}
	return out, nil
}

// record evaluates exp against the chosen statistic of sum and appends the
// outcome. Unit problems skip the expectation with a warning.
func (c *Coordinator) record(ctx context.Context, scenarioID, runID string, exp expectation.Expectation, sum stats.Summary, unit string, log logrus.FieldLogger) (store.EvaluationResult, bool, error) {
	measured, err := sum.Value(exp.Aggregation)
	if err != nil {
		log.WithError(err).Warn("expectation skipped")
		return store.EvaluationResult{}, false, nil
	}
	outcome, err := expectation.Evaluate(exp, measured, unit)
	if err != nil {
		if errors.Is(err, units.ErrUnitFamilyMismatch) || errors.Is(err, units.ErrUnsupportedUnit) {
			log.WithError(err).Warn("expectation skipped")
			return store.EvaluationResult{}, false, nil
		}
		return store.EvaluationResult{}, false, err
	}

	res := store.EvaluationResult{
		ID:            uuid.NewString(),
		RunID:         runID,
		ScenarioID:    scenarioID,
		MetricName:    exp.Metric,
		ExpectedValue: outcome.Expected,
		MeasuredValue: outcome.Measured.Value,
		MeasuredUnit:  outcome.Measured.Unit,
		Aggregation:   string(exp.Aggregation),
		Status:        string(outcome.Status),
		Scope:         string(exp.Scope),
		EvaluatedAt:   c.clock.Now().UTC(),
	}
	if err := c.store.InsertEvaluationResult(ctx, &res); err != nil {
		return store.EvaluationResult{}, false, err
	}
	LoadtestEvaluationsTotal.WithLabelValues(scenarioID, res.Scope, res.Status).Inc()
	log.WithFields(logrus.Fields{
		"run_id":   runID,
		"status":   res.Status,
		"measured": res.MeasuredValue,
		"expected": res.ExpectedValue,
	}).Info("evaluation recorded")
	return res, true, nil
}

// SummaryRecord converts aggregated statistics into a summary row.
func SummaryRecord(scenarioID, metric, unit string, sum stats.Summary) store.ScenarioSummary {
	return store.ScenarioSummary{
		ScenarioID:  scenarioID,
		MetricName:  metric,
		Unit:        unit,
		SampleCount: sum.Count,
		Avg:         sum.Avg,
		Min:         sum.Min,
		Max:         sum.Max,
		P50:         sum.P50,
		P99:         sum.P99,
		Stddev:      sum.Stddev,
	}
}

// StatsSummary is the inverse of SummaryRecord.
func StatsSummary(rec store.ScenarioSummary) stats.Summary {
	return stats.Summary{
		Count:  rec.SampleCount,
		Avg:    rec.Avg,
		Min:    rec.Min,
		Max:    rec.Max,
		P50:    rec.P50,
		P99:    rec.P99,
		Stddev: rec.Stddev,
	}
}
