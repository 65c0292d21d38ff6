package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"

	"github.com/rmax-ai/loadtest/pkg/store/postgres"
)

const (
	defaultAddr         = "127.0.0.1:8090"
	defaultTickInterval = 5 * time.Second
)

type Config struct {
	ScenariosPath string        `env:"LOADTEST_SCENARIOS" envDefault:"scenarios.yaml"`
	DBDriver      string        `env:"LOADTEST_DB_DRIVER" envDefault:"sqlite"`
	DBPath        string        `env:"LOADTEST_DB_PATH" envDefault:"loadtest.db"`
	Addr          string        `env:"LOADTEST_ADDR" envDefault:"127.0.0.1:8090"`
	TickInterval  time.Duration `env:"LOADTEST_TICK_INTERVAL" envDefault:"5s"`
	MaxParallel   int64         `env:"LOADTEST_MAX_PARALLEL" envDefault:"4"`
	LockBackend   string        `env:"LOADTEST_LOCK_BACKEND" envDefault:"local"`
	RedisAddr     string        `env:"LOADTEST_REDIS_ADDR" envDefault:"127.0.0.1:6379"`
	LeaseTTL      time.Duration `env:"LOADTEST_LEASE_TTL" envDefault:"30s"`
	ReportPath    string        `env:"LOADTEST_REPORT_PATH"`
	LogLevel      string        `env:"LOADTEST_LOG_LEVEL" envDefault:"info"`
	LogFormat     string        `env:"LOADTEST_LOG_FORMAT" envDefault:"text"`
	ProbeMode     string        `env:"LOADTEST_PROBE_MODE" envDefault:"real"`
	WorkerID      string        `env:"HOSTNAME"`

	Postgres postgres.Config
}

// loadEnvFiles loads the dotenv files that exist. Variables already set in
// the environment win.
func loadEnvFiles(files ...string) error {
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return errors.Wrap(godotenv.Load(existing...), "failed to load env files")
}

// LoadConfig reads .env files, then the environment, then flags. Flags
// override the environment.
func LoadConfig(args []string) (Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to get cwd")
	}
	if err := loadEnvFiles(".env", ".env.local"); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "invalid environment")
	}

	flagSet := flag.NewFlagSet("loadtest-d", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)
	flagSet.StringVar(&cfg.ScenariosPath, "scenarios", cfg.ScenariosPath, "path to the scenario file (yaml or json)")
	flagSet.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "database driver: sqlite|postgres")
	flagSet.StringVar(&cfg.DBPath, "db", cfg.DBPath, "path to SQLite database")
	flagSet.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	flagSet.DurationVar(&cfg.TickInterval, "tick", cfg.TickInterval, "scheduler tick interval")
	flagSet.Int64Var(&cfg.MaxParallel, "max-parallel", cfg.MaxParallel, "fires of different scenarios running at once")
	flagSet.StringVar(&cfg.LockBackend, "lock", cfg.LockBackend, "per-scenario lock: local|sqlite|redis")
	flagSet.StringVar(&cfg.RedisAddr, "redis", cfg.RedisAddr, "redis address for lock=redis")
	flagSet.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "scenario lease ttl")
	flagSet.StringVar(&cfg.ReportPath, "reports", cfg.ReportPath, "CSV export directory")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "silent|error|warn|info|debug")
	flagSet.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text|json")
	flagSet.StringVar(&cfg.ProbeMode, "probe-mode", cfg.ProbeMode, "real|mock")
	flagSet.StringVar(&cfg.WorkerID, "worker-id", cfg.WorkerID, "worker id recorded on runs")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			flagSet.SetOutput(os.Stdout)
			flagSet.PrintDefaults()
		}
		return Config{}, err
	}

	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	cfg.LockBackend = strings.ToLower(strings.TrimSpace(cfg.LockBackend))
	cfg.ProbeMode = strings.ToLower(strings.TrimSpace(cfg.ProbeMode))
	cfg.Addr = strings.TrimSpace(cfg.Addr)
	cfg.ScenariosPath = resolvePath(cfg.ScenariosPath, cwd)
	cfg.DBPath = resolvePath(cfg.DBPath, cwd)
	cfg.ReportPath = resolvePath(cfg.ReportPath, cwd)
	if cfg.WorkerID == "" {
		cfg.WorkerID, _ = os.Hostname()
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.Addr == "" {
		return errors.New("addr cannot be empty")
	}
	if c.TickInterval <= 0 {
		return errors.Errorf("tick interval must be positive, got %s", c.TickInterval)
	}
	if c.MaxParallel <= 0 {
		return errors.Errorf("max parallel must be positive, got %d", c.MaxParallel)
	}
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return errors.Errorf("unsupported db driver: %s", c.DBDriver)
	}
	switch c.LockBackend {
	case "local", "redis":
	case "sqlite":
		if c.DBDriver != "sqlite" {
			return errors.New("lock=sqlite requires db-driver=sqlite")
		}
	default:
		return errors.Errorf("unsupported lock backend: %s", c.LockBackend)
	}
	if c.LockBackend != "local" && c.LeaseTTL <= 0 {
		return errors.Errorf("lease ttl must be positive, got %s", c.LeaseTTL)
	}
	switch c.ProbeMode {
	case "real", "mock":
	default:
		return errors.Errorf("unsupported probe mode: %s", c.ProbeMode)
	}
	return nil
}

func resolvePath(path string, cwd string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return trimmed
	}
	if filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Join(cwd, trimmed)
}
