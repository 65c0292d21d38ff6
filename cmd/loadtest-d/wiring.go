package main

import (
	"context"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rmax-ai/loadtest/pkg/engine"
	"github.com/rmax-ai/loadtest/pkg/probe"
	"github.com/rmax-ai/loadtest/pkg/probe/iperf"
	"github.com/rmax-ai/loadtest/pkg/probe/pageload"
	"github.com/rmax-ai/loadtest/pkg/scenario"
	"github.com/rmax-ai/loadtest/pkg/store"
	"github.com/rmax-ai/loadtest/pkg/store/postgres"
	redisstore "github.com/rmax-ai/loadtest/pkg/store/redis"
)

// deps are the long-lived collaborators built from Config.
type deps struct {
	backend store.Backend
	sqlite  *store.Store
	redis   *redis.Client
	cache   engine.SummaryCache
	locker  engine.Locker
	probes  *probe.Registry
}

func (d *deps) Close(log logrus.FieldLogger) {
	if d.redis != nil {
		if err := d.redis.Close(); err != nil {
			log.WithError(err).Warn("failed to close redis client")
		}
	}
	if d.backend != nil {
		if err := d.backend.Close(); err != nil {
			log.WithError(err).Error("failed to close store")
		} else {
			log.Info("store closed")
		}
	}
}

func buildDeps(ctx context.Context, cfg Config, clock clockwork.Clock, log logrus.FieldLogger) (*deps, error) {
	d := &deps{}

	switch cfg.DBDriver {
	case "postgres":
		pg, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		d.backend = pg
		log.WithFields(logrus.Fields{"host": cfg.Postgres.Host, "db": cfg.Postgres.Name}).Info("postgres store initialized")
	default:
		st, err := store.NewStore(cfg.DBPath)
		if err != nil {
			return nil, err
		}
		d.backend = st
		d.sqlite = st
		log.WithField("path", cfg.DBPath).Info("sqlite store initialized")
	}

	switch cfg.LockBackend {
	case "redis":
		d.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := d.redis.Ping(ctx).Err(); err != nil {
			d.Close(log)
			return nil, errors.Wrapf(err, "failed to reach redis at %s", cfg.RedisAddr)
		}
		d.cache = redisstore.NewSummaryCache(d.redis, log)
		d.locker = engine.NewLeaseLocker(redisstore.NewLeaseStore(d.redis), cfg.WorkerID, cfg.LeaseTTL, clock, log)
		log.WithField("addr", cfg.RedisAddr).Info("redis leases and summary cache enabled")
	case "sqlite":
		d.locker = engine.NewLeaseLocker(d.sqlite, cfg.WorkerID, cfg.LeaseTTL, clock, log)
		log.Info("sqlite leases enabled")
	default:
		d.locker = engine.NewLocalLocker()
	}
	if d.cache == nil {
		d.cache = engine.NewMemorySummaryCache()
	}

	d.probes = newProbes(cfg.ProbeMode)
	return d, nil
}

func newProbes(mode string) *probe.Registry {
	reg := probe.NewRegistry()
	if mode == "mock" {
		reg.Register(scenario.ProtocolThroughput, probe.NewMockProbe(probe.MockConfig{}, probe.ThroughputMetrics))
		reg.Register(scenario.ProtocolPageLoad, probe.NewMockProbe(probe.MockConfig{}, probe.PageLoadMetrics))
		return reg
	}
	reg.Register(scenario.ProtocolThroughput, iperf.New())
	reg.Register(scenario.ProtocolPageLoad, pageload.New())
	return reg
}
