package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/rmax-ai/loadtest/pkg/api"
	"github.com/rmax-ai/loadtest/pkg/engine"
	"github.com/rmax-ai/loadtest/pkg/logging"
	"github.com/rmax-ai/loadtest/pkg/reports"
	"github.com/rmax-ai/loadtest/pkg/scenario"
	"github.com/rmax-ai/loadtest/pkg/scheduler"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		logrus.WithError(err).Fatal("invalid configuration")
	}

	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	log.WithFields(logrus.Fields{"component": "loadtest-d", "worker": cfg.WorkerID}).Info("system started")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("loadtest-d failed")
	}
	log.Info("shutdown complete")
}

func run(cfg Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	file, err := scenario.LoadFile(cfg.ScenariosPath)
	if err != nil {
		return err
	}
	scenarios, rejected := file.Build()
	for _, r := range rejected {
		log.WithFields(logrus.Fields{"scenario_id": r.ID, "index": r.Index}).WithError(r.Err).Error("scenario rejected")
	}
	reportPath := cfg.ReportPath
	if reportPath == "" {
		reportPath = file.GlobalSettings.ReportPath
	}
	if reportPath == "" {
		reportPath = "reports"
	}

	clock := clockwork.NewRealClock()
	d, err := buildDeps(ctx, cfg, clock, log)
	if err != nil {
		return err
	}
	defer d.Close(log)

	coord := engine.NewCoordinator(engine.CoordinatorConfig{
		Store:       d.backend,
		Probes:      d.probes,
		Clock:       clock,
		Logger:      log,
		WorkerID:    cfg.WorkerID,
		Cache:       d.cache,
		Locker:      d.locker,
		MaxParallel: cfg.MaxParallel,
	})
	runner := engine.NewRunner(scheduler.New(clock), coord, clock, cfg.TickInterval, log)

	scheduled, err := runner.Load(ctx, scenarios)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"scheduled": scheduled, "loaded": len(scenarios), "rejected": len(rejected)}).Info("scenarios loaded")

	server := api.NewServer(d.backend, runner, d.cache, cfg.Addr, log)
	server.SetWorker(cfg.WorkerID)

	runCtx, finish := context.WithCancel(ctx)
	defer finish()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(server.Start)
	g.Go(func() error {
		defer finish()
		if err := runner.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Stop(shutdownCtx)
	})
	runErr := g.Wait()

	// Work still in flight is finished and finalized even when interrupted.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := runner.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("failed to finalize scenarios")
	}

	paths, err := reports.Export(shutdownCtx, d.backend, reportPath)
	if err != nil {
		log.WithError(err).Error("failed to export reports")
	} else {
		log.WithFields(logrus.Fields{"dir": reportPath, "files": len(paths)}).Info("reports exported")
	}
	return runErr
}
