package engine

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/rmax-ai/loadtest/pkg/store"
)

// LeaseLocker extends LocalLocker across processes: after the in-process
// slot is taken, the worker must also hold the lease "scenario:<key>" in a
// shared LeaseStore. The lease is renewed every ttl/2 until unlock.
//
// Holders take turns; a fire already run by one worker still runs on the
// next worker to take the lease.
type LeaseLocker struct {
	local    *LocalLocker
	store    store.LeaseStore
	holderID string
	ttl      time.Duration
	retry    time.Duration
	clock    clockwork.Clock
	log      logrus.FieldLogger
}

// NewLeaseLocker creates a locker holding leases as holderID.
func NewLeaseLocker(leases store.LeaseStore, holderID string, ttl time.Duration, clock clockwork.Clock, log logrus.FieldLogger) *LeaseLocker {
	retry := ttl / 4
	if retry <= 0 {
		retry = time.Second
	}
	return &LeaseLocker{
		local:    NewLocalLocker(),
		store:    leases,
		holderID: holderID,
		ttl:      ttl,
		retry:    retry,
		clock:    clock,
		log:      log.WithField("component", "lease_lock"),
	}
}

// SetRetryInterval changes how often a contended lease is retried.
func (l *LeaseLocker) SetRetryInterval(d time.Duration) {
	l.retry = d
}

func leaseName(key string) string {
	return "scenario:" + key
}

func (l *LeaseLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := l.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}

	name := leaseName(key)
	log := l.log.WithFields(logrus.Fields{"scenario_id": key, "holder_id": l.holderID})
	for {
		ok, err := l.store.Acquire(ctx, name, l.holderID, l.ttl)
		if err != nil {
			log.WithError(err).Warn("failed to acquire lease")
		} else if ok {
			break
		} else {
			log.Debug("lease held elsewhere, waiting")
		}

		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, errors.Wrapf(ctx.Err(), "waiting for lease %s", name)
		case <-l.clock.After(l.retry):
		}
	}
	log.Debug("lease acquired")

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(name, log, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := l.store.Release(context.Background(), name, l.holderID); err != nil {
				log.WithError(err).Error("failed to release lease")
			}
			unlockLocal()
		})
	}, nil
}

// keepAlive renews the lease until stop is closed. A lost lease is logged
// and counted; the running fire is not interrupted.
func (l *LeaseLocker) keepAlive(name string, log logrus.FieldLogger, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := l.clock.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			if err := l.store.Renew(context.Background(), name, l.holderID, l.ttl); err != nil {
				LoadtestLeaseLostTotal.Inc()
				log.WithError(err).Error("failed to renew lease")
				return
			}
			log.Debug("lease renewed")
		}
	}
}
