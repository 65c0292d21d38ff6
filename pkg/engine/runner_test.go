package engine

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/loadtest/pkg/expectation"
	"github.com/rmax-ai/loadtest/pkg/probe"
	"github.com/rmax-ai/loadtest/pkg/scenario"
	"github.com/rmax-ai/loadtest/pkg/scheduler"
	"github.com/rmax-ai/loadtest/pkg/stats"
	"github.com/rmax-ai/loadtest/pkg/store"
)

func newTestRunner(t *testing.T, clock clockwork.Clock, p probe.Probe) (*Runner, *store.Store) {
	t.Helper()
	st := newTestStore(t)
	log, _ := test.NewNullLogger()

	reg := probe.NewRegistry()
	reg.Register(scenario.ProtocolThroughput, p)
	coord := NewCoordinator(CoordinatorConfig{
		Store:    st,
		Probes:   reg,
		Clock:    clock,
		Logger:   log,
		WorkerID: "worker-1",
	})
	return NewRunner(scheduler.New(clock), coord, clock, time.Second, log), st
}

func recurring(id string, interval, duration time.Duration) scenario.Scenario {
	return scenario.Scenario{
		ID:       id,
		Protocol: scenario.ProtocolThroughput,
		Enabled:  true,
		Schedule: scenario.Schedule{Mode: scenario.ModeRecurring, Immediate: true, Interval: interval, Duration: duration},
		Expectations: []expectation.Expectation{
			{Metric: "download_speed", Operator: expectation.GTE, Value: 100, Unit: "mbps", Aggregation: stats.Avg, Scope: expectation.ScenarioWide},
		},
	}
}

var fastProbe = scripted([]probe.Measurement{{Name: "download_speed", Value: 200, Unit: "mbps"}})

func TestRunnerRecurringFiresUntilEnd(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	r, st := newTestRunner(t, clock, fastProbe)
	ctx := context.Background()

	n, err := r.Load(ctx, []scenario.Scenario{recurring("hourly", 5*time.Minute, time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	for i := 0; i <= 12; i++ {
		r.Step(ctx)
		r.Wait()
		clock.Advance(5 * time.Minute)
	}

	runs, err := st.CountRuns(ctx, "hourly")
	require.NoError(t, err)
	assert.Equal(t, 12, runs)
	assert.True(t, r.Idle())

	status := r.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "COMPLETED", status[0].StateName)
	assert.Equal(t, 12, status[0].FireCount)
	assert.True(t, status[0].Finalized)
	assert.Zero(t, status[0].Outstanding)

	results, err := st.ListEvaluations(ctx, store.ResultFilter{ScenarioID: "hourly", Scope: "scenario"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "PASS", results[0].Status)
}

func TestRunnerDisabledScenario(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	r, st := newTestRunner(t, clock, fastProbe)
	ctx := context.Background()

	sc := recurring("off", time.Minute, time.Hour)
	sc.Enabled = false
	n, err := r.Load(ctx, []scenario.Scenario{sc})
	require.NoError(t, err)
	assert.Zero(t, n)

	r.Step(ctx)
	r.Wait()

	runs, err := st.CountRuns(ctx, "off")
	require.NoError(t, err)
	assert.Zero(t, runs)
	assert.True(t, r.Idle())

	// still registered for reporting
	recs, err := st.ListScenarios(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "off", recs[0].ScenarioID)
}

func TestRunnerCoalescesBacklog(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	release := make(chan struct{})
	blocking := probe.Func(func(ctx context.Context, id string, p scenario.Parameters) ([]probe.Measurement, error) {
		<-release
		return []probe.Measurement{{Name: "download_speed", Value: 150, Unit: "mbps"}}, nil
	})
	r, st := newTestRunner(t, clock, blocking)
	ctx := context.Background()

	_, err := r.Load(ctx, []scenario.Scenario{recurring("coalesce", time.Minute, time.Hour)})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		r.Step(ctx)
		clock.Advance(time.Minute)
	}

	status := r.Status()
	require.Len(t, status, 1)
	assert.Equal(t, 2, status[0].Outstanding)
	assert.Equal(t, 1.0, testutil.ToFloat64(LoadtestFiresCoalescedTotal.WithLabelValues("coalesce")))

	close(release)
	r.Wait()

	runs, err := st.CountRuns(ctx, "coalesce")
	require.NoError(t, err)
	assert.Equal(t, 2, runs)
	assert.Zero(t, r.Status()[0].Outstanding)
}

func TestRunnerSkipsQueuedFireAfterScheduleEnd(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	blocking := probe.Func(func(ctx context.Context, id string, p scenario.Parameters) ([]probe.Measurement, error) {
		entered <- struct{}{}
		<-release
		return []probe.Measurement{{Name: "download_speed", Value: 150, Unit: "mbps"}}, nil
	})
	r, st := newTestRunner(t, clock, blocking)
	ctx := context.Background()

	_, err := r.Load(ctx, []scenario.Scenario{recurring("overrun", 5*time.Minute, 10*time.Minute)})
	require.NoError(t, err)

	r.Step(ctx)
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first fire never reached the probe")
	}

	clock.Advance(5 * time.Minute)
	r.Step(ctx)
	require.Equal(t, 2, r.Status()[0].Outstanding)

	clock.Advance(60 * time.Minute)
	close(release)
	r.Wait()

	runs, err := st.CountRuns(ctx, "overrun")
	require.NoError(t, err)
	assert.Equal(t, 1, runs)
	assert.Len(t, entered, 0, "queued fire must not reach the probe")
	assert.Equal(t, 1.0, testutil.ToFloat64(LoadtestFiresCoalescedTotal.WithLabelValues("overrun")))

	status := r.Status()
	require.Len(t, status, 1)
	assert.Equal(t, "COMPLETED", status[0].StateName)
	assert.Zero(t, status[0].Outstanding)
	assert.True(t, status[0].Finalized)
}

func TestRunnerRunReturnsWhenDone(t *testing.T) {
	clock := clockwork.NewRealClock()
	st := newTestStore(t)
	log, _ := test.NewNullLogger()
	reg := probe.NewRegistry()
	reg.Register(scenario.ProtocolThroughput, fastProbe)
	coord := NewCoordinator(CoordinatorConfig{Store: st, Probes: reg, Clock: clock, Logger: log})
	r := NewRunner(scheduler.New(clock), coord, clock, 10*time.Millisecond, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	once := scenario.Scenario{
		ID:       "once",
		Protocol: scenario.ProtocolThroughput,
		Enabled:  true,
		Schedule: scenario.Schedule{Mode: scenario.ModeOnce, Immediate: true},
	}
	_, err := r.Load(ctx, []scenario.Scenario{once})
	require.NoError(t, err)

	require.NoError(t, r.Run(ctx))
	require.NoError(t, r.Shutdown(ctx))

	runs, err := st.CountRuns(ctx, "once")
	require.NoError(t, err)
	assert.Equal(t, 1, runs)
	assert.True(t, coord.Finalized("once"))
}

func TestRunnerRunStopsOnCancel(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	r, _ := newTestRunner(t, clock, fastProbe)
	ctx, cancel := context.WithCancel(context.Background())

	_, err := r.Load(ctx, []scenario.Scenario{recurring("long", time.Hour, 24*time.Hour)})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- r.Run(ctx) }()
	cancel()

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
	}
	r.Wait()
}

func TestRunnerShutdownFinalizesInterrupted(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	r, st := newTestRunner(t, clock, fastProbe)
	ctx := context.Background()

	_, err := r.Load(ctx, []scenario.Scenario{
		recurring("cut", 5*time.Minute, time.Hour),
		recurring("later", 5*time.Minute, time.Hour),
	})
	require.NoError(t, err)

	r.Step(ctx)
	require.NoError(t, r.Shutdown(ctx))

	results, err := st.ListEvaluations(ctx, store.ResultFilter{Scope: "scenario"})
	require.NoError(t, err)
	// both fired on the first tick
	assert.Len(t, results, 2)
	assert.False(t, r.Idle())
}
