package scheduler

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/loadtest/pkg/scenario"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func recurring(id string, interval, duration time.Duration) scenario.Scenario {
	return scenario.Scenario{
		ID:       id,
		Protocol: scenario.ProtocolThroughput,
		Enabled:  true,
		Schedule: scenario.Schedule{
			Mode:      scenario.ModeRecurring,
			Immediate: true,
			Interval:  interval,
			Duration:  duration,
		},
	}
}

func once(id string) scenario.Scenario {
	return scenario.Scenario{
		ID:       id,
		Protocol: scenario.ProtocolPageLoad,
		Enabled:  true,
		Schedule: scenario.Schedule{Mode: scenario.ModeOnce, Immediate: true},
	}
}

func TestRecurringFiresTwelveTimesInAnHour(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s := New(clock)
	require.NoError(t, s.Add(recurring("speed", 5*time.Minute, time.Hour)))

	var fires []Fire
	completedAt := time.Time{}
	for minute := 0; minute <= 70; minute++ {
		res := s.Tick()
		fires = append(fires, res.Fires...)
		if len(res.Completed) > 0 {
			completedAt = clock.Now()
		}
		clock.Advance(time.Minute)
	}

	require.Len(t, fires, 12)
	for i, f := range fires {
		assert.Equal(t, i, f.Index)
		assert.Equal(t, t0.Add(time.Duration(i)*5*time.Minute), f.FiredAt)
		assert.True(t, f.FiredAt.Before(t0.Add(time.Hour)))
	}
	assert.Equal(t, t0.Add(time.Hour), completedAt)

	rs, ok := s.Get("speed")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, rs.State)
	assert.Equal(t, 12, rs.FireCount)
	assert.True(t, s.Done())
}

func TestRecurringWithCoarseTicks(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s := New(clock)
	require.NoError(t, s.Add(recurring("speed", 5*time.Minute, time.Hour)))

	count := 0
	for i := 0; i < 600; i++ {
		count += len(s.Tick().Fires)
		clock.Advance(7 * time.Second)
	}
	assert.Equal(t, 12, count)
}

func TestNoCatchUpAfterStall(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s := New(clock)
	require.NoError(t, s.Add(recurring("speed", 5*time.Minute, time.Hour)))

	require.Len(t, s.Tick().Fires, 1)

	clock.Advance(17 * time.Minute)
	res := s.Tick()
	require.Len(t, res.Fires, 1, "missed boundaries collapse into one fire")
	assert.Equal(t, t0.Add(5*time.Minute), res.Fires[0].DueAt)

	rs, _ := s.Get("speed")
	assert.Equal(t, t0.Add(20*time.Minute), rs.NextFireAt)
	assert.Equal(t, 2, rs.FireCount)

	assert.Empty(t, s.Tick().Fires, "nothing more is due at the same instant")
}

func TestOnceFiresExactlyOnce(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s := New(clock)
	require.NoError(t, s.Add(once("portal")))

	res := s.Tick()
	require.Len(t, res.Fires, 1)
	assert.Equal(t, []string{"portal"}, res.Completed)

	clock.Advance(time.Hour)
	res = s.Tick()
	assert.Empty(t, res.Fires)
	assert.Empty(t, res.Completed)
}

func TestFutureStartWaits(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s := New(clock)

	sc := recurring("later", time.Minute, 3*time.Minute)
	sc.Schedule.Immediate = false
	sc.Schedule.StartAt = t0.Add(10 * time.Minute)
	require.NoError(t, s.Add(sc))

	assert.Empty(t, s.Tick().Fires)
	rs, _ := s.Get("later")
	assert.Equal(t, StatePending, rs.State)

	clock.Advance(10 * time.Minute)
	res := s.Tick()
	require.Len(t, res.Fires, 1)
	assert.Equal(t, t0.Add(10*time.Minute), res.Fires[0].FiredAt)
	rs, _ = s.Get("later")
	assert.Equal(t, t0.Add(13*time.Minute), rs.EndAt)
}

func TestPastStartRebasesToActivation(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s := New(clock)

	sc := recurring("late", 10*time.Minute, 30*time.Minute)
	sc.Schedule.Immediate = false
	sc.Schedule.StartAt = t0.Add(-2 * time.Hour)
	require.NoError(t, s.Add(sc))

	clock.Advance(30 * time.Second)
	res := s.Tick()
	require.Len(t, res.Fires, 1, "a past start fires immediately")

	rs, _ := s.Get("late")
	assert.Equal(t, t0.Add(30*time.Second), rs.StartAt)
	assert.Equal(t, t0.Add(30*time.Second+30*time.Minute), rs.EndAt)
	assert.Equal(t, t0.Add(30*time.Second+10*time.Minute), rs.NextFireAt)
}

func TestActivationAfterEndCompletesWithoutFiring(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s := New(clock)
	require.NoError(t, s.Add(recurring("missed", time.Minute, 5*time.Minute)))

	clock.Advance(5 * time.Minute)
	res := s.Tick()
	assert.Empty(t, res.Fires)
	assert.Equal(t, []string{"missed"}, res.Completed)
}

func TestObserveCompletesAfterLongFire(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s := New(clock)
	require.NoError(t, s.Add(recurring("slow", 5*time.Minute, 10*time.Minute)))
	require.Len(t, s.Tick().Fires, 1)

	done, err := s.Observe("slow")
	require.NoError(t, err)
	assert.False(t, done)

	clock.Advance(12 * time.Minute)
	done, err = s.Observe("slow")
	require.NoError(t, err)
	assert.True(t, done)

	res := s.Tick()
	assert.Empty(t, res.Fires)
	assert.Empty(t, res.Completed, "completion is reported once")

	_, err = s.Observe("nope")
	assert.True(t, errors.Is(err, ErrUnknownScenario))
}

func TestAdmitRefusesFiresPastEnd(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s := New(clock)
	require.NoError(t, s.Add(recurring("slow", 5*time.Minute, 10*time.Minute)))
	require.NoError(t, s.Add(once("single")))

	res := s.Tick()
	require.Len(t, res.Fires, 2)
	for _, f := range res.Fires {
		assert.True(t, s.Admit(f), f.ScenarioID)
	}

	clock.Advance(5 * time.Minute)
	queued := s.Tick().Fires
	require.Len(t, queued, 1)

	clock.Advance(time.Hour)
	assert.False(t, s.Admit(queued[0]))
	rs, ok := s.Get("slow")
	require.True(t, ok)
	assert.Equal(t, StateCompleted, rs.State)

	assert.Empty(t, s.Tick().Completed, "completion is reported once")
	assert.False(t, s.Admit(Fire{ScenarioID: "nope"}))
}

func TestAddRejections(t *testing.T) {
	s := New(clockwork.NewFakeClockAt(t0))

	disabled := once("off")
	disabled.Enabled = false
	assert.True(t, errors.Is(s.Add(disabled), ErrScenarioDisabled))
	_, tracked := s.Get("off")
	assert.False(t, tracked)
	assert.Empty(t, s.Tick().Fires)

	bad := recurring("bad", 0, time.Hour)
	assert.True(t, errors.Is(s.Add(bad), scenario.ErrInvalidSchedule))

	require.NoError(t, s.Add(once("dup")))
	assert.Error(t, s.Add(once("dup")))
	assert.Len(t, s.States(), 1)
}

func TestIndependentScenarios(t *testing.T) {
	clock := clockwork.NewFakeClockAt(t0)
	s := New(clock)
	require.NoError(t, s.Add(recurring("a", 2*time.Minute, 10*time.Minute)))
	require.NoError(t, s.Add(recurring("b", 5*time.Minute, 10*time.Minute)))
	require.NoError(t, s.Add(once("c")))

	counts := map[string]int{}
	for i := 0; i <= 12; i++ {
		for _, f := range s.Tick().Fires {
			counts[f.ScenarioID]++
		}
		clock.Advance(time.Minute)
	}
	assert.Equal(t, map[string]int{"a": 5, "b": 2, "c": 1}, counts)
	assert.True(t, s.Done())
}
