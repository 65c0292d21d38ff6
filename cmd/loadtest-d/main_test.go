package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/rmax-ai/loadtest/pkg/store"
)

const onceScenarios = `
global_settings:
  report_path: %s
scenarios:
  - id: home-speed
    protocol: speed_test
    enabled: true
    schedule:
      mode: once
    expectations:
      - metric: download_speed
        operator: gte
        value: 100
        unit: mbps
        evaluation_scope: scenario
      - metric: latency
        operator: lt
        value: 50
        unit: ms
  - id: portal
    protocol: web_browsing
    enabled: false
  - id: broken
    protocol: carrier_pigeon
    enabled: true
`

func runConfig(t *testing.T, lock string) (Config, string) {
	t.Helper()
	dir := t.TempDir()
	reportDir := filepath.Join(dir, "out")
	scenarios := filepath.Join(dir, "scenarios.yaml")
	body := strings.Replace(onceScenarios, "%s", reportDir, 1)
	if err := os.WriteFile(scenarios, []byte(body), 0o644); err != nil {
		t.Fatalf("write scenarios: %v", err)
	}
	return Config{
		ScenariosPath: scenarios,
		DBDriver:      "sqlite",
		DBPath:        filepath.Join(dir, "loadtest.db"),
		Addr:          "127.0.0.1:0",
		TickInterval:  10 * time.Millisecond,
		MaxParallel:   2,
		LockBackend:   lock,
		LeaseTTL:      time.Second,
		ProbeMode:     "mock",
		WorkerID:      "worker-test",
	}, reportDir
}

func checkRun(t *testing.T, cfg Config, reportDir string) {
	t.Helper()
	log, hook := test.NewNullLogger()

	done := make(chan error, 1)
	go func() { done <- run(cfg, log) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run failed: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("run did not return after the once scenario completed")
	}

	var rejected bool
	for _, e := range hook.AllEntries() {
		if e.Message == "scenario rejected" && e.Data["scenario_id"] == "broken" {
			rejected = true
		}
	}
	if !rejected {
		t.Error("expected the broken scenario to be logged as rejected")
	}

	st, err := store.NewStore(cfg.DBPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st.Close()
	ctx := context.Background()

	runs, err := st.ListRuns(ctx, "home-speed")
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].WorkerNode != "worker-test" {
		t.Fatalf("expected one run by worker-test, got %+v", runs)
	}
	if n, _ := st.CountRuns(ctx, "portal"); n != 0 {
		t.Errorf("disabled scenario ran %d times", n)
	}

	results, err := st.ListEvaluations(ctx, store.ResultFilter{ScenarioID: "home-speed"})
	if err != nil {
		t.Fatalf("list evaluations: %v", err)
	}
	scopes := map[string]string{}
	for _, r := range results {
		scopes[r.Scope] = r.Status
	}
	if scopes["scenario"] != "PASS" || scopes["per_iteration"] != "PASS" {
		t.Errorf("unexpected evaluation outcomes: %v", scopes)
	}

	for _, name := range []string{"scenarios.csv", "test_runs.csv", "raw_metrics.csv", "results_log.csv", "scenario_summary.csv"} {
		if _, err := os.Stat(filepath.Join(reportDir, name)); err != nil {
			t.Errorf("missing report %s: %v", name, err)
		}
	}
}

func TestRunOnceScenarioLocalLock(t *testing.T) {
	cfg, reportDir := runConfig(t, "local")
	checkRun(t, cfg, reportDir)
}

func TestRunOnceScenarioSQLiteLease(t *testing.T) {
	cfg, reportDir := runConfig(t, "sqlite")
	checkRun(t, cfg, reportDir)
}

func TestRunOnceScenarioRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg, reportDir := runConfig(t, "redis")
	cfg.RedisAddr = mr.Addr()
	checkRun(t, cfg, reportDir)

	if len(mr.Keys()) == 0 {
		t.Error("expected summaries cached in redis")
	}
}

func TestRunReportPathOverride(t *testing.T) {
	cfg, _ := runConfig(t, "local")
	cfg.ReportPath = filepath.Join(t.TempDir(), "override")
	checkRun(t, cfg, cfg.ReportPath)
}

func TestRunMissingScenarioFile(t *testing.T) {
	cfg, _ := runConfig(t, "local")
	cfg.ScenariosPath = filepath.Join(t.TempDir(), "none.yaml")
	log, _ := test.NewNullLogger()
	if err := run(cfg, log); err == nil {
		t.Fatal("expected error for missing scenario file")
	}
}

func TestRunRedisUnreachable(t *testing.T) {
	cfg, _ := runConfig(t, "redis")
	cfg.RedisAddr = "127.0.0.1:1"
	log, _ := test.NewNullLogger()
	err := run(cfg, log)
	if err == nil || !strings.Contains(err.Error(), "failed to reach redis") {
		t.Fatalf("expected redis error, got %v", err)
	}
}
