package engine

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rmax-ai/loadtest/pkg/scenario"
	"github.com/rmax-ai/loadtest/pkg/scheduler"
)

// maxOutstanding is the no-backlog bound: one fire running and one waiting
// per scenario. Further due fires are coalesced.
const maxOutstanding = 2

// Runner drives the scheduler on a fixed tick and hands due fires to the
// coordinator. Errors of one fire are logged and never stop the loop.
type Runner struct {
	sched    *scheduler.Scheduler
	coord    *Coordinator
	clock    clockwork.Clock
	interval time.Duration
	log      logrus.FieldLogger

	mu          sync.Mutex
	outstanding map[string]int
	completed   map[string]bool
	finalizing  map[string]bool
	wg          sync.WaitGroup
}

// ScenarioStatus is the live view of one scheduled scenario.
type ScenarioStatus struct {
	scheduler.RunState
	Outstanding int  `json:"outstanding"`
	Finalized   bool `json:"finalized"`
}

// NewRunner creates a runner ticking every interval on clock.
func NewRunner(sched *scheduler.Scheduler, coord *Coordinator, clock clockwork.Clock, interval time.Duration, log logrus.FieldLogger) *Runner {
	coord.admit = sched.Admit
	return &Runner{
		sched:       sched,
		coord:       coord,
		clock:       clock,
		interval:    interval,
		log:         log.WithField("component", "runner"),
		outstanding: make(map[string]int),
		completed:   make(map[string]bool),
		finalizing:  make(map[string]bool),
	}
}

// Load registers every scenario and schedules the enabled ones. It returns
// the number of scheduled scenarios. Only registration failures are
// returned; a scenario the scheduler refuses is logged and skipped.
func (r *Runner) Load(ctx context.Context, scenarios []scenario.Scenario) (int, error) {
	scheduled := 0
	for _, sc := range scenarios {
		if err := r.coord.Register(ctx, sc); err != nil {
			return scheduled, errors.Wrapf(err, "registering %s", sc.ID)
		}
		log := r.log.WithFields(logrus.Fields{"scenario_id": sc.ID, "protocol": sc.Protocol})
		if err := r.sched.Add(sc); err != nil {
			if errors.Is(err, scheduler.ErrScenarioDisabled) {
				log.Info("scenario disabled, not scheduled")
			} else {
				log.WithError(err).Error("scenario rejected by scheduler")
			}
			continue
		}
		scheduled++
		log.WithField("mode", sc.Schedule.Mode).Info("scenario scheduled")
	}
	return scheduled, nil
}

// Run ticks until ctx is done or every scheduled scenario completed and was
// finalized. It does not wait for in-flight work; call Shutdown for that.
func (r *Runner) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.WithField("interval", r.interval).Info("runner started")
	r.Step(ctx)

	for {
		if r.Idle() {
			r.log.Info("all scenarios completed")
			return nil
		}
		select {
		case <-ctx.Done():
			r.log.Info("runner stopping due to context cancellation")
			return ctx.Err()
		case <-ticker.Chan():
			r.Step(ctx)
		}
	}
}

// Step performs one scheduler tick and dispatches its outcome.
func (r *Runner) Step(ctx context.Context) {
	res := r.sched.Tick()
	for _, f := range res.Fires {
		r.dispatch(ctx, f)
	}
	for _, id := range res.Completed {
		r.markCompleted(ctx, id)
	}
}

// Wait blocks until every dispatched fire and finalization returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Idle reports whether the schedule is exhausted and all work is done.
func (r *Runner) Idle() bool {
	if !r.sched.Done() {
		return false
	}
	states := r.sched.States()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rs := range states {
		if r.outstanding[rs.ScenarioID] > 0 || !r.coord.Finalized(rs.ScenarioID) {
			return false
		}
	}
	return true
}

func (r *Runner) dispatch(ctx context.Context, f scheduler.Fire) {
	log := r.log.WithFields(logrus.Fields{"scenario_id": f.ScenarioID, "fire_index": f.Index})

	r.mu.Lock()
	if r.outstanding[f.ScenarioID] >= maxOutstanding {
		r.mu.Unlock()
		LoadtestFiresCoalescedTotal.WithLabelValues(f.ScenarioID).Inc()
		log.Warn("fire coalesced, scenario already has a fire running and one queued")
		return
	}
	r.outstanding[f.ScenarioID]++
	LoadtestOutstandingFires.WithLabelValues(f.ScenarioID).Set(float64(r.outstanding[f.ScenarioID]))
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()

		report, err := r.coord.Fire(ctx, f)
		switch {
		case errors.Is(err, ErrFireSkipped):
			LoadtestFiresCoalescedTotal.WithLabelValues(f.ScenarioID).Inc()
			log.Warn("fire skipped, schedule ended while it was queued")
		case err != nil:
			log.WithError(err).Error("fire failed")
		case report.ProbeErr == nil:
			log.WithFields(logrus.Fields{"run_id": report.RunID, "metrics": report.Metrics}).Debug("fire finished")
		}

		// The schedule end is re-checked once a long fire returns.
		done, err := r.sched.Observe(f.ScenarioID)
		if err != nil {
			log.WithError(err).Error("failed to observe schedule")
		}

		r.mu.Lock()
		r.outstanding[f.ScenarioID]--
		LoadtestOutstandingFires.WithLabelValues(f.ScenarioID).Set(float64(r.outstanding[f.ScenarioID]))
		if done {
			r.completed[f.ScenarioID] = true
		}
		r.mu.Unlock()

		r.maybeFinalize(ctx, f.ScenarioID)
	}()
}

func (r *Runner) markCompleted(ctx context.Context, id string) {
	r.mu.Lock()
	r.completed[id] = true
	r.mu.Unlock()
	r.maybeFinalize(ctx, id)
}

// maybeFinalize starts the scenario-scope evaluation once the scenario is
// COMPLETED and none of its fires is outstanding.
func (r *Runner) maybeFinalize(ctx context.Context, id string) {
	r.mu.Lock()
	if !r.completed[id] || r.outstanding[id] > 0 || r.finalizing[id] {
		r.mu.Unlock()
		return
	}
	r.finalizing[id] = true
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		if _, err := r.coord.Finalize(ctx, id); err != nil && !errors.Is(err, ErrAlreadyFinalized) {
			r.log.WithError(err).WithField("scenario_id", id).Error("failed to finalize scenario")
		}
	}()
}

// Shutdown waits for in-flight work, then finalizes every scheduled
// scenario that recorded at least one run but was not finalized yet.
func (r *Runner) Shutdown(ctx context.Context) error {
	waited := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for in-flight fires")
	}

	for _, rs := range r.sched.States() {
		if r.coord.Finalized(rs.ScenarioID) {
			continue
		}
		n, err := r.coord.store.CountRuns(ctx, rs.ScenarioID)
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}
		r.log.WithFields(logrus.Fields{"scenario_id": rs.ScenarioID, "runs": n}).Info("finalizing interrupted scenario")
		if _, err := r.coord.Finalize(ctx, rs.ScenarioID); err != nil && !errors.Is(err, ErrAlreadyFinalized) {
			return err
		}
	}
	return nil
}

// Status returns the live state of every scheduled scenario.
func (r *Runner) Status() []ScenarioStatus {
	states := r.sched.States()
	out := make([]ScenarioStatus, 0, len(states))
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rs := range states {
		out = append(out, ScenarioStatus{
			RunState:    rs,
			Outstanding: r.outstanding[rs.ScenarioID],
			Finalized:   r.coord.Finalized(rs.ScenarioID),
		})
	}
	return out
}
