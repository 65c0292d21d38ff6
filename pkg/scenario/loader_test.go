package scenario

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmax-ai/loadtest/pkg/expectation"
	"github.com/rmax-ai/loadtest/pkg/stats"
)

const sampleYAML = `
global_settings:
  report_path: ./results
scenarios:
  - id: home-speed
    protocol: speed_test
    enabled: true
    schedule:
      mode: recurring
      start_time: immediate
      interval_minutes: 5
      duration_hours: 1
    parameters:
      target_url: ["10.0.0.1:5201", "10.0.0.2"]
      duration: 10
    expectations:
      - metric: download_speed
        operator: gte
        value: 100
        unit: mbps
        aggregation: avg
        evaluation_scope: scenario
      - metric: latency
        operator: LT
        value: 50
        unit: ms
  - id: portal
    protocol: web_browsing
    enabled: false
    schedule:
      start_time: "2030-01-02T03:04:05"
    parameters:
      target_url: https://example.com
`

func TestParseYAML(t *testing.T) {
	f, err := Parse([]byte(sampleYAML), "yaml")
	require.NoError(t, err)
	assert.Equal(t, "./results", f.GlobalSettings.ReportPath)

	scenarios, rejected := f.Build()
	require.Empty(t, rejected)
	require.Len(t, scenarios, 2)

	speed := scenarios[0]
	assert.Equal(t, "home-speed", speed.ID)
	assert.Equal(t, ProtocolThroughput, speed.Protocol)
	assert.True(t, speed.Enabled)
	assert.Equal(t, ModeRecurring, speed.Schedule.Mode)
	assert.True(t, speed.Schedule.Immediate)
	assert.Equal(t, 5*time.Minute, speed.Schedule.Interval)
	assert.Equal(t, time.Hour, speed.Schedule.Duration)
	assert.Equal(t, []string{"10.0.0.1:5201", "10.0.0.2"}, speed.Parameters.Strings("target_url"))
	assert.Equal(t, 10, speed.Parameters.Int("duration", 0))

	require.Len(t, speed.Expectations, 2)
	assert.Equal(t, expectation.ScenarioWide, speed.Expectations[0].Scope)
	latency := speed.Expectations[1]
	assert.Equal(t, expectation.LT, latency.Operator)
	assert.Equal(t, stats.Avg, latency.Aggregation, "aggregation defaults to avg")
	assert.Equal(t, expectation.PerIteration, latency.Scope, "scope defaults to per_iteration")
	assert.Len(t, speed.ExpectationsFor(expectation.PerIteration), 1)

	portal := scenarios[1]
	assert.Equal(t, ProtocolPageLoad, portal.Protocol)
	assert.False(t, portal.Enabled)
	assert.Equal(t, ModeOnce, portal.Schedule.Mode)
	assert.False(t, portal.Schedule.Immediate)
	assert.Equal(t, time.Date(2030, 1, 2, 3, 4, 5, 0, time.Local), portal.Schedule.StartAt)
	assert.Equal(t, []string{"https://example.com"}, portal.Parameters.Strings("target_url"))
}

func TestBuildRejectsOnlyInvalidScenarios(t *testing.T) {
	zero := 0.0
	negative := -1.0
	f := &File{Scenarios: []ScenarioConfig{
		{ID: "ok", Protocol: "throughput", Schedule: ScheduleConfig{Mode: "once"}},
		{ID: "no-interval", Protocol: "throughput", Schedule: ScheduleConfig{Mode: "recurring", IntervalMinutes: &zero}},
		{ID: "no-duration", Protocol: "throughput", Schedule: ScheduleConfig{Mode: "recurring", DurationHours: &negative}},
		{ID: "bad-start", Protocol: "page_load", Schedule: ScheduleConfig{StartTime: "next tuesday"}},
		{ID: "bad-protocol", Protocol: "ftp"},
		{ID: "bad-operator", Protocol: "page_load", Expectations: []expectation.Expectation{{Metric: "ttfb", Operator: "between"}}},
		{ID: "ok", Protocol: "page_load"},
		{Protocol: "page_load"},
	}}

	scenarios, rejected := f.Build()
	require.Len(t, scenarios, 1)
	assert.Equal(t, "ok", scenarios[0].ID)

	require.Len(t, rejected, 7)
	byID := map[string]error{}
	for _, r := range rejected {
		byID[r.ID] = r.Err
	}
	assert.True(t, errors.Is(byID["no-interval"], ErrInvalidSchedule))
	assert.True(t, errors.Is(byID["no-duration"], ErrInvalidSchedule))
	assert.True(t, errors.Is(byID["bad-start"], ErrInvalidSchedule))
	assert.Error(t, byID["bad-protocol"])
	assert.Error(t, byID["bad-operator"])
	assert.Error(t, byID[""])
	assert.Equal(t, 6, rejected[5].Index)
	assert.True(t, errors.Is(rejected[5].Err, ErrDuplicateScenario))
}

func TestOnceIgnoresRecurringFields(t *testing.T) {
	zero := 0.0
	sc, err := ScenarioConfig{
		ID:       "once",
		Protocol: "page-load-test",
		Schedule: ScheduleConfig{Mode: "once", IntervalMinutes: &zero, DurationHours: &zero},
	}.ToScenario()
	require.NoError(t, err)
	assert.Equal(t, ModeOnce, sc.Schedule.Mode)
}

func TestLoadFileJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "main.json")
	body := `{"global_settings":{"report_path":"out"},"scenarios":[{"id":"a","protocol":"throughput-test","enabled":true,
	"schedule":{"mode":"recurring","interval_minutes":0.5,"duration_hours":0.25},
	"expectations":[{"metric":"jitter","operator":"lte","value":30,"unit":"ms","aggregation":"p99","evaluation_scope":"scenario"}]}]}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	f, err := LoadFile(path)
	require.NoError(t, err)
	scenarios, rejected := f.Build()
	require.Empty(t, rejected)
	require.Len(t, scenarios, 1)
	assert.Equal(t, 30*time.Second, scenarios[0].Schedule.Interval)
	assert.Equal(t, 15*time.Minute, scenarios[0].Schedule.Duration)
	assert.Equal(t, stats.P99, scenarios[0].Expectations[0].Aggregation)

	_, err = LoadFile(filepath.Join(dir, "main.toml"))
	assert.Error(t, err)
}

func TestParametersAccessors(t *testing.T) {
	p := Parameters{"n": 3.0, "flag": true, "timeout": "1500ms", "secs": 2}
	assert.Equal(t, 3, p.Int("n", 0))
	assert.Equal(t, 9, p.Int("missing", 9))
	assert.True(t, p.Bool("flag", false))
	assert.True(t, p.Bool("missing", true))
	assert.Equal(t, 1500*time.Millisecond, p.Duration("timeout", 0))
	assert.Equal(t, 2*time.Second, p.Duration("secs", 0))
	assert.Nil(t, p.Strings("missing"))
}
