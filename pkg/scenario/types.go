package scenario

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/rmax-ai/loadtest/pkg/expectation"
)

var (
	ErrInvalidSchedule   = errors.New("invalid schedule")
	ErrDuplicateScenario = errors.New("duplicate scenario id")
)

// Protocol selects the probe that measures a scenario.
type Protocol string

const (
	ProtocolThroughput Protocol = "throughput"
	ProtocolPageLoad   Protocol = "page_load"
)

// Mode is the firing policy of a schedule.
type Mode string

const (
	ModeOnce      Mode = "once"
	ModeRecurring Mode = "recurring"
)

// Scenario is an immutable, validated test definition.
type Scenario struct {
	ID           string                    `json:"id" validate:"required"`
	Protocol     Protocol                  `json:"protocol" validate:"required,oneof=throughput page_load"`
	Enabled      bool                      `json:"enabled"`
	Schedule     Schedule                  `json:"schedule"`
	Parameters   Parameters                `json:"parameters,omitempty"`
	Expectations []expectation.Expectation `json:"expectations" validate:"dive"`
}

// Snapshot returns the JSON form recorded alongside the scenario row.
func (s Scenario) Snapshot() (json.RawMessage, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrapf(err, "snapshot scenario %s", s.ID)
	}
	return data, nil
}

// ExpectationsFor returns the expectations checked at scope, in order.
func (s Scenario) ExpectationsFor(scope expectation.Scope) []expectation.Expectation {
	var out []expectation.Expectation
	for _, e := range s.Expectations {
		if e.Scope == scope {
			out = append(out, e)
		}
	}
	return out
}

// Schedule is the timing policy of a scenario. Interval and Duration only
// apply to recurring schedules.
type Schedule struct {
	Mode      Mode          `json:"mode" validate:"required,oneof=once recurring"`
	Immediate bool          `json:"immediate"`
	StartAt   time.Time     `json:"start_at,omitempty"`
	Interval  time.Duration `json:"interval"`
	Duration  time.Duration `json:"duration"`
}

// Validate checks the cross-field rules of the schedule.
func (s Schedule) Validate() error {
	switch s.Mode {
	case ModeOnce:
	case ModeRecurring:
		if s.Interval <= 0 {
			return errors.Wrapf(ErrInvalidSchedule, "recurring interval must be positive, got %s", s.Interval)
		}
		if s.Duration <= 0 {
			return errors.Wrapf(ErrInvalidSchedule, "recurring duration must be positive, got %s", s.Duration)
		}
	default:
		return errors.Wrapf(ErrInvalidSchedule, "unknown mode %q", s.Mode)
	}
	if !s.Immediate && s.StartAt.IsZero() {
		return errors.Wrap(ErrInvalidSchedule, "start time missing")
	}
	return nil
}

// ResolveStart returns the start time for a scheduler that started at
// schedulerStart.
func (s Schedule) ResolveStart(schedulerStart time.Time) time.Time {
	if s.Immediate {
		return schedulerStart
	}
	return s.StartAt
}

// Parameters are probe-specific settings passed through untouched.
type Parameters map[string]any

// Strings reads key as a list of strings. A single string is accepted as a
// one-element list.
func (p Parameters) Strings(key string) []string {
	switch v := p[key].(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return nil
		}
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

// Int reads key as an integer, falling back to def.
func (p Parameters) Int(key string, def int) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// Bool reads key as a boolean, falling back to def.
func (p Parameters) Bool(key string, def bool) bool {
	if v, ok := p[key].(bool); ok {
		return v
	}
	return def
}

// Duration reads key as a duration string ("30s") or a number of seconds.
func (p Parameters) Duration(key string, def time.Duration) time.Duration {
	switch v := p[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	case int:
		return time.Duration(v) * time.Second
	case float64:
		return time.Duration(v * float64(time.Second))
	}
	return def
}
