package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/loadtest/pkg/expectation"
	"github.com/rmax-ai/loadtest/pkg/probe"
	"github.com/rmax-ai/loadtest/pkg/scenario"
	"github.com/rmax-ai/loadtest/pkg/scheduler"
	"github.com/rmax-ai/loadtest/pkg/stats"
	"github.com/rmax-ai/loadtest/pkg/store"
	"github.com/rmax-ai/loadtest/pkg/units"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.NewStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// scripted returns one measurement batch per call, repeating the last.
func scripted(batches ...[]probe.Measurement) probe.Func {
	var n atomic.Int64
	return func(ctx context.Context, id string, p scenario.Parameters) ([]probe.Measurement, error) {
		i := int(n.Add(1)) - 1
		if i >= len(batches) {
			i = len(batches) - 1
		}
		return batches[i], nil
	}
}

func speedScenario() scenario.Scenario {
	return scenario.Scenario{
		ID:       "speed",
		Protocol: scenario.ProtocolThroughput,
		Enabled:  true,
		Schedule: scenario.Schedule{Mode: scenario.ModeRecurring, Immediate: true, Interval: 5 * time.Minute, Duration: time.Hour},
		Expectations: []expectation.Expectation{
			{Metric: "download_speed", Operator: expectation.GTE, Value: 100, Unit: "mbps", Aggregation: stats.Avg, Scope: expectation.ScenarioWide},
			{Metric: "latency", Operator: expectation.LT, Value: 50, Unit: "ms", Aggregation: stats.Avg, Scope: expectation.PerIteration},
			{Metric: "jitter", Operator: expectation.LT, Value: 5, Unit: "ms", Aggregation: stats.Max, Scope: expectation.PerIteration},
		},
	}
}

type fixture struct {
	store *store.Store
	clock *clockwork.FakeClock
	coord *Coordinator
	hook  *test.Hook
}

func newFixture(t *testing.T, p probe.Probe) *fixture {
	t.Helper()
	st := newTestStore(t)
	clock := clockwork.NewFakeClockAt(t0)
	log, hook := test.NewNullLogger()

	reg := probe.NewRegistry()
	reg.Register(scenario.ProtocolThroughput, p)

	coord := NewCoordinator(CoordinatorConfig{
		Store:    st,
		Probes:   reg,
		Clock:    clock,
		Logger:   log,
		WorkerID: "worker-1",
	})
	return &fixture{store: st, clock: clock, coord: coord, hook: hook}
}

func TestCoordinatorFireAndFinalize(t *testing.T) {
	p := scripted(
		[]probe.Measurement{
			{Name: "download_speed", Value: 120e6, Unit: "bps"},
			{Name: "latency", Value: 18000, Unit: "us"},
		},
		[]probe.Measurement{
			{Name: "download_speed", Value: 181e6, Unit: "bps"},
			{Name: "latency", Value: 0.09, Unit: "s"},
		},
	)
	f := newFixture(t, p)
	ctx := context.Background()
	sc := speedScenario()
	require.NoError(t, f.coord.Register(ctx, sc))

	first, err := f.coord.Fire(ctx, scheduler.Fire{ScenarioID: "speed", Index: 0})
	require.NoError(t, err)
	assert.Equal(t, 2, first.Metrics)
	require.Len(t, first.Results, 1)
	assert.Equal(t, "latency", first.Results[0].MetricName)
	assert.Equal(t, "PASS", first.Results[0].Status)
	assert.Equal(t, first.RunID, first.Results[0].RunID)
	assert.InDelta(t, 18.0, first.Results[0].MeasuredValue, 1e-9)

	second, err := f.coord.Fire(ctx, scheduler.Fire{ScenarioID: "speed", Index: 1})
	require.NoError(t, err)
	require.Len(t, second.Results, 1)
	assert.Equal(t, "FAIL", second.Results[0].Status)
	assert.InDelta(t, 90.0, second.Results[0].MeasuredValue, 1e-9)

	sum, err := f.store.GetSummary(ctx, "speed", "download_speed")
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, 2, sum.SampleCount)
	assert.Equal(t, units.Mbps, sum.Unit)
	assert.InDelta(t, 150.5, sum.Avg, 1e-9)

	cached, ok := f.coord.Cache().Get("speed", "download_speed")
	require.True(t, ok)
	assert.Equal(t, 2, cached.SampleCount)

	results, err := f.coord.Finalize(ctx, "speed")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "download_speed", results[0].MetricName)
	assert.Equal(t, "PASS", results[0].Status)
	assert.Equal(t, "scenario", results[0].Scope)
	assert.Equal(t, "100 mbps", results[0].ExpectedValue)
	assert.Empty(t, results[0].RunID)
	assert.InDelta(t, 150.5, results[0].MeasuredValue, 1e-9)

	_, err = f.coord.Finalize(ctx, "speed")
	assert.True(t, errors.Is(err, ErrAlreadyFinalized))

	all, err := f.store.ListEvaluations(ctx, store.ResultFilter{ScenarioID: "speed", Scope: "scenario"})
	require.NoError(t, err)
	assert.Len(t, all, 1)

	// jitter never measured: warned, nothing recorded
	var warned bool
	for _, e := range f.hook.AllEntries() {
		if e.Message == "no samples for expectation, nothing recorded" && e.Data["metric"] == "jitter" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestCoordinatorScenarioFail(t *testing.T) {
	p := scripted([]probe.Measurement{{Name: "download_speed", Value: 80, Unit: "mbps"}})
	f := newFixture(t, p)
	ctx := context.Background()
	require.NoError(t, f.coord.Register(ctx, speedScenario()))

	_, err := f.coord.Fire(ctx, scheduler.Fire{ScenarioID: "speed"})
	require.NoError(t, err)

	results, err := f.coord.Finalize(ctx, "speed")
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "FAIL", results[0].Status)
}

func TestCoordinatorProbeFailure(t *testing.T) {
	p := probe.Func(func(ctx context.Context, id string, params scenario.Parameters) ([]probe.Measurement, error) {
		return nil, errors.New("iperf3: unable to connect")
	})
	f := newFixture(t, p)
	ctx := context.Background()
	require.NoError(t, f.coord.Register(ctx, speedScenario()))

	report, err := f.coord.Fire(ctx, scheduler.Fire{ScenarioID: "speed"})
	require.NoError(t, err)
	assert.True(t, errors.Is(report.ProbeErr, probe.ErrProbe))
	assert.Zero(t, report.Metrics)

	runs, err := f.store.ListRuns(ctx, "speed")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "worker-1", runs[0].WorkerNode)

	raw, err := f.store.ListRawMetrics(ctx, runs[0].RunID)
	require.NoError(t, err)
	assert.Empty(t, raw)

	results, err := f.store.ListEvaluations(ctx, store.ResultFilter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestCoordinatorUnsupportedUnit(t *testing.T) {
	p := scripted([]probe.Measurement{
		{Name: "download_speed", Value: 3, Unit: "furlongs"},
		{Name: "latency", Value: 12, Unit: "ms"},
	})
	f := newFixture(t, p)
	ctx := context.Background()
	require.NoError(t, f.coord.Register(ctx, speedScenario()))

	report, err := f.coord.Fire(ctx, scheduler.Fire{ScenarioID: "speed"})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Metrics)
	assert.Equal(t, 1, report.Skipped)

	raw, err := f.store.ListRawMetrics(ctx, report.RunID)
	require.NoError(t, err)
	require.Len(t, raw, 2)

	sum, err := f.store.GetSummary(ctx, "speed", "download_speed")
	require.NoError(t, err)
	assert.Nil(t, sum)
}

func TestCoordinatorUnitFamilyMismatchSkipsExpectation(t *testing.T) {
	sc := speedScenario()
	sc.Expectations = []expectation.Expectation{
		{Metric: "latency", Operator: expectation.LT, Value: 100, Unit: "mbps", Aggregation: stats.Avg, Scope: expectation.PerIteration},
	}
	f := newFixture(t, scripted([]probe.Measurement{{Name: "latency", Value: 12, Unit: "ms"}}))
	ctx := context.Background()
	require.NoError(t, f.coord.Register(ctx, sc))

	report, err := f.coord.Fire(ctx, scheduler.Fire{ScenarioID: "speed"})
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.Equal(t, "expectation skipped", f.hook.LastEntry().Message)
}

func TestCoordinatorUnknownScenario(t *testing.T) {
	f := newFixture(t, scripted(nil))
	_, err := f.coord.Fire(context.Background(), scheduler.Fire{ScenarioID: "ghost"})
	assert.True(t, errors.Is(err, scheduler.ErrUnknownScenario))
}

func TestCoordinatorSerializesScenario(t *testing.T) {
	var (
		running, peak atomic.Int32
		calls         atomic.Int32
		release       = make(chan struct{})
	)
	p := probe.Func(func(ctx context.Context, id string, params scenario.Parameters) ([]probe.Measurement, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		calls.Add(1)
		<-release
		running.Add(-1)
		return []probe.Measurement{{Name: "latency", Value: 10, Unit: "ms"}}, nil
	})
	f := newFixture(t, p)
	ctx := context.Background()
	require.NoError(t, f.coord.Register(ctx, speedScenario()))

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.coord.Fire(ctx, scheduler.Fire{ScenarioID: "speed", Index: i})
			assert.NoError(t, err)
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	// the second fire is waiting, not running
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	close(release)
	wg.Wait()

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, int32(1), peak.Load())

	n, err := f.store.CountRuns(ctx, "speed")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCoordinatorThresholdWithoutUnit(t *testing.T) {
	sc := speedScenario()
	sc.Expectations = []expectation.Expectation{
		{Metric: "latency", Operator: expectation.LT, Value: 50, Aggregation: stats.Avg, Scope: expectation.PerIteration},
	}
	f := newFixture(t, scripted([]probe.Measurement{{Name: "latency", Value: 18000, Unit: "us"}}))
	ctx := context.Background()
	require.NoError(t, f.coord.Register(ctx, sc))

	report, err := f.coord.Fire(ctx, scheduler.Fire{ScenarioID: "speed"})
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, "PASS", report.Results[0].Status)
	assert.Equal(t, "50", report.Results[0].ExpectedValue)
	assert.Equal(t, units.Milliseconds, report.Results[0].MeasuredUnit)
	assert.InDelta(t, 18.0, report.Results[0].MeasuredValue, 1e-9)
}
