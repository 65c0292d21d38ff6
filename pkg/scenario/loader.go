// Package scenario loads and validates scenario definitions.
package scenario

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/rmax-ai/loadtest/pkg/expectation"
	"github.com/rmax-ai/loadtest/pkg/stats"
)

const (
	defaultIntervalMinutes = 10
	defaultDurationHours   = 1
	startImmediate         = "immediate"
)

var startLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
}

var validate = validator.New()

// File is the on-disk scenario document.
type File struct {
	GlobalSettings GlobalSettings   `yaml:"global_settings" json:"global_settings"`
	Scenarios      []ScenarioConfig `yaml:"scenarios" json:"scenarios"`
}

// GlobalSettings apply to every scenario in a file.
type GlobalSettings struct {
	ReportPath string `yaml:"report_path" json:"report_path"`
}

// ScenarioConfig is a scenario as written by the operator, before defaults.
type ScenarioConfig struct {
	ID           string                    `yaml:"id" json:"id"`
	Protocol     string                    `yaml:"protocol" json:"protocol"`
	Enabled      bool                      `yaml:"enabled" json:"enabled"`
	Schedule     ScheduleConfig            `yaml:"schedule" json:"schedule"`
	Parameters   map[string]any            `yaml:"parameters" json:"parameters"`
	Expectations []expectation.Expectation `yaml:"expectations" json:"expectations"`
}

// ScheduleConfig is the written form of a schedule. Nil numbers take the
// defaults; explicit zero or negative values are rejected for recurring
// schedules.
type ScheduleConfig struct {
	Mode            string   `yaml:"mode" json:"mode"`
	StartTime       string   `yaml:"start_time" json:"start_time"`
	IntervalMinutes *float64 `yaml:"interval_minutes" json:"interval_minutes"`
	DurationHours   *float64 `yaml:"duration_hours" json:"duration_hours"`
}

// Rejection records a scenario that failed validation.
type Rejection struct {
	Index int
	ID    string
	Err   error
}

// LoadFile reads a YAML or JSON scenario document.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read scenario file")
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return Parse(data, "yaml")
	case ".json":
		return Parse(data, "json")
	default:
		return nil, errors.Errorf("unsupported scenario file format: %s", ext)
	}
}

// Parse decodes a scenario document in the given format (yaml or json).
func Parse(data []byte, format string) (*File, error) {
	var f File
	switch format {
	case "yaml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, errors.Wrap(err, "failed to parse YAML")
		}
	case "json":
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, errors.Wrap(err, "failed to parse JSON")
		}
	default:
		return nil, errors.Errorf("unsupported scenario format: %s", format)
	}
	return &f, nil
}

// Build converts every scenario in the file. Invalid scenarios are returned
// as rejections and do not affect the others.
func (f *File) Build() ([]Scenario, []Rejection) {
	var (
		out      []Scenario
		rejected []Rejection
		seen     = make(map[string]bool)
	)
	for i, cfg := range f.Scenarios {
		sc, err := cfg.ToScenario()
		if err == nil && seen[sc.ID] {
			err = errors.Wrapf(ErrDuplicateScenario, "%q", sc.ID)
		}
		if err != nil {
			rejected = append(rejected, Rejection{Index: i, ID: cfg.ID, Err: err})
			continue
		}
		seen[sc.ID] = true
		out = append(out, sc)
	}
	return out, rejected
}

// ToScenario applies defaults and validates the scenario.
func (c ScenarioConfig) ToScenario() (Scenario, error) {
	sched, err := c.Schedule.toSchedule()
	if err != nil {
		return Scenario{}, errors.Wrapf(err, "scenario %q", c.ID)
	}

	exps := make([]expectation.Expectation, len(c.Expectations))
	for i, e := range c.Expectations {
		if e.Aggregation == "" {
			e.Aggregation = stats.Avg
		}
		if e.Scope == "" {
			e.Scope = expectation.PerIteration
		}
		e.Operator = expectation.Operator(strings.ToLower(string(e.Operator)))
		exps[i] = e
	}

	sc := Scenario{
		ID:           strings.TrimSpace(c.ID),
		Protocol:     NormalizeProtocol(c.Protocol),
		Enabled:      c.Enabled,
		Schedule:     sched,
		Parameters:   Parameters(c.Parameters),
		Expectations: exps,
	}
	if err := validate.Struct(sc); err != nil {
		return Scenario{}, errors.Wrapf(err, "scenario %q", c.ID)
	}
	if err := sc.Schedule.Validate(); err != nil {
		return Scenario{}, errors.Wrapf(err, "scenario %q", c.ID)
	}
	return sc, nil
}

// NormalizeProtocol maps protocol aliases onto the known protocols.
func NormalizeProtocol(p string) Protocol {
	switch strings.ToLower(strings.TrimSpace(p)) {
	case "throughput", "speed_test", "throughput-test":
		return ProtocolThroughput
	case "page_load", "web_browsing", "page-load-test":
		return ProtocolPageLoad
	}
	return Protocol(p)
}

func (c ScheduleConfig) toSchedule() (Schedule, error) {
	mode := Mode(strings.ToLower(strings.TrimSpace(c.Mode)))
	if mode == "" {
		mode = ModeOnce
	}

	interval := float64(defaultIntervalMinutes)
	if c.IntervalMinutes != nil {
		interval = *c.IntervalMinutes
	}
	duration := float64(defaultDurationHours)
	if c.DurationHours != nil {
		duration = *c.DurationHours
	}

	s := Schedule{
		Mode:     mode,
		Interval: time.Duration(interval * float64(time.Minute)),
		Duration: time.Duration(duration * float64(time.Hour)),
	}

	start := strings.TrimSpace(c.StartTime)
	if start == "" || strings.EqualFold(start, startImmediate) {
		s.Immediate = true
		return s, nil
	}
	at, err := parseStart(start)
	if err != nil {
		return Schedule{}, err
	}
	s.StartAt = at
	return s, nil
}

func parseStart(v string) (time.Time, error) {
	for _, layout := range startLayouts {
		if t, err := time.ParseInLocation(layout, v, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Wrapf(ErrInvalidSchedule, "unparseable start_time %q", v)
}
