// Package scheduler decides when scenarios fire.
//
// Each scenario owns a run-state record that moves PENDING -> ACTIVE ->
// COMPLETED. The scheduler never executes anything itself: Tick reports the
// fires that are due and the scenarios that just completed, and the caller
// acts on them.
package scheduler

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"

	"github.com/rmax-ai/loadtest/pkg/scenario"
)

var (
	ErrScenarioDisabled = errors.New("scenario disabled")
	ErrUnknownScenario  = errors.New("unknown scenario")
	errDuplicate        = errors.New("scenario already scheduled")
)

// State is the lifecycle position of a scenario.
type State int

const (
	StatePending State = iota
	StateActive
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "PENDING"
	case StateActive:
		return "ACTIVE"
	case StateCompleted:
		return "COMPLETED"
	}
	return "UNKNOWN"
}

// RunState is the mutable timing record of one scenario.
type RunState struct {
	ScenarioID string        `json:"scenario_id"`
	Mode       scenario.Mode `json:"mode"`
	State      State         `json:"-"`
	StateName  string        `json:"state"`
	StartAt    time.Time     `json:"start_at"`
	EndAt      time.Time     `json:"end_at,omitempty"`
	NextFireAt time.Time     `json:"next_fire_at,omitempty"`
	LastFireAt time.Time     `json:"last_fire_at,omitempty"`
	FireCount  int           `json:"fire_count"`

	interval time.Duration
	duration time.Duration
	// rebase re-anchors the schedule to the activation time. Set when the
	// configured start was already in the past at load.
	rebase bool
}

// Fire is one due activation of a scenario.
type Fire struct {
	ScenarioID string
	Index      int
	DueAt      time.Time
	FiredAt    time.Time
}

// TickResult lists what happened during one tick.
type TickResult struct {
	Fires     []Fire
	Completed []string
}

// Scheduler owns the run state of every enabled scenario.
type Scheduler struct {
	clock     clockwork.Clock
	startedAt time.Time

	mu     sync.Mutex
	states map[string]*RunState
	order  []string
}

// New creates a scheduler whose "immediate" start is the current time of
// clock.
func New(clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		clock:     clock,
		startedAt: clock.Now(),
		states:    make(map[string]*RunState),
	}
}

// Add registers a scenario. Disabled scenarios are not tracked and return
// ErrScenarioDisabled; invalid schedules return scenario.ErrInvalidSchedule.
func (s *Scheduler) Add(sc scenario.Scenario) error {
	if !sc.Enabled {
		return errors.Wrapf(ErrScenarioDisabled, "%s", sc.ID)
	}
	if err := sc.Schedule.Validate(); err != nil {
		return errors.Wrapf(err, "%s", sc.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.states[sc.ID]; ok {
		return errors.Wrapf(errDuplicate, "%s", sc.ID)
	}

	start := sc.Schedule.ResolveStart(s.startedAt)
	rs := &RunState{
		ScenarioID: sc.ID,
		Mode:       sc.Schedule.Mode,
		State:      StatePending,
		StartAt:    start,
		NextFireAt: start,
		interval:   sc.Schedule.Interval,
		duration:   sc.Schedule.Duration,
		rebase:     !sc.Schedule.Immediate && start.Before(s.clock.Now()),
	}
	if rs.Mode == scenario.ModeRecurring {
		rs.EndAt = start.Add(rs.duration)
	}
	rs.StateName = rs.State.String()

	s.states[sc.ID] = rs
	s.order = append(s.order, sc.ID)
	return nil
}

// Tick advances every scenario to the clock's current time. Each scenario
// fires at most once per tick.
func (s *Scheduler) Tick() TickResult {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var res TickResult
	for _, id := range s.order {
		rs := s.states[id]
		switch rs.State {
		case StatePending:
			if now.Before(rs.StartAt) {
				continue
			}
			s.activate(rs, now)
			if rs.Mode == scenario.ModeRecurring && !now.Before(rs.EndAt) {
				s.complete(rs)
				res.Completed = append(res.Completed, id)
				continue
			}
			res.Fires = append(res.Fires, s.fire(rs, now))
			if rs.Mode == scenario.ModeOnce {
				s.complete(rs)
				res.Completed = append(res.Completed, id)
			}
		case StateActive:
			if rs.Mode != scenario.ModeRecurring {
				continue
			}
			if !now.Before(rs.EndAt) {
				s.complete(rs)
				res.Completed = append(res.Completed, id)
				continue
			}
			if now.Before(rs.NextFireAt) {
				continue
			}
			res.Fires = append(res.Fires, s.fire(rs, now))
		}
	}
	return res
}

// Observe re-checks the schedule end of a scenario, typically after one of
// its fires returned. It reports whether the scenario is COMPLETED.
func (s *Scheduler) Observe(id string) (bool, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.states[id]
	if !ok {
		return false, errors.Wrapf(ErrUnknownScenario, "%s", id)
	}
	if rs.State == StateActive && rs.Mode == scenario.ModeRecurring && !now.Before(rs.EndAt) {
		s.complete(rs)
	}
	return rs.State == StateCompleted, nil
}

// Admit reports whether a fire handed out earlier may still run. A queued
// fire of a recurring scenario whose schedule has ended is refused, and the
// scenario is completed if no tick has done so yet. Fires of once scenarios
// are always admitted.
func (s *Scheduler) Admit(f Fire) bool {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.states[f.ScenarioID]
	if !ok {
		return false
	}
	if rs.Mode != scenario.ModeRecurring {
		return true
	}
	if rs.State == StateActive && !now.Before(rs.EndAt) {
		s.complete(rs)
	}
	return rs.State != StateCompleted
}

// Get returns a copy of the run state of a scenario.
func (s *Scheduler) Get(id string) (RunState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rs, ok := s.states[id]
	if !ok {
		return RunState{}, false
	}
	return *rs, true
}

// States returns copies of all run states in registration order.
func (s *Scheduler) States() []RunState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RunState, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.states[id])
	}
	return out
}

// Done reports whether every tracked scenario is COMPLETED.
func (s *Scheduler) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rs := range s.states {
		if rs.State != StateCompleted {
			return false
		}
	}
	return true
}

func (s *Scheduler) activate(rs *RunState, now time.Time) {
	if rs.rebase {
		rs.StartAt = now
		if rs.Mode == scenario.ModeRecurring {
			rs.EndAt = now.Add(rs.duration)
		}
	}
	rs.NextFireAt = rs.StartAt
	rs.State = StateActive
	rs.StateName = rs.State.String()
}

func (s *Scheduler) fire(rs *RunState, now time.Time) Fire {
	f := Fire{
		ScenarioID: rs.ScenarioID,
		Index:      rs.FireCount,
		DueAt:      rs.NextFireAt,
		FiredAt:    now,
	}
	rs.FireCount++
	rs.LastFireAt = now

	if rs.Mode == scenario.ModeRecurring {
		// Skip every boundary that already elapsed: the next fire is the
		// first multiple of the interval strictly after now.
		k := now.Sub(rs.StartAt)/rs.interval + 1
		rs.NextFireAt = rs.StartAt.Add(k * rs.interval)
	} else {
		rs.NextFireAt = time.Time{}
	}
	return f
}

func (s *Scheduler) complete(rs *RunState) {
	rs.State = StateCompleted
	rs.StateName = rs.State.String()
	rs.NextFireAt = time.Time{}
}
