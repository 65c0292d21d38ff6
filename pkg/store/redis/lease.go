package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/rmax-ai/loadtest/pkg/store"
)

// Leases are hashes {holder, version} with a PEXPIRE. The scripts compare
// the holder before touching the key so a worker never extends or drops a
// lease it lost.
var (
	acquireScript = redis.NewScript(`
		local holder = redis.call("HGET", KEYS[1], "holder")
		if holder and holder ~= ARGV[1] then
			return 0
		end
		redis.call("HSET", KEYS[1], "holder", ARGV[1])
		local version = redis.call("HINCRBY", KEYS[1], "version", 1)
		redis.call("PEXPIRE", KEYS[1], ARGV[2])
		return version
	`)

	renewScript = redis.NewScript(`
		if redis.call("HGET", KEYS[1], "holder") == ARGV[1] then
			redis.call("HINCRBY", KEYS[1], "version", 1)
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)

	releaseScript = redis.NewScript(`
		if redis.call("HGET", KEYS[1], "holder") == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
)

// LeaseStore implements store.LeaseStore on a shared Redis so workers on
// different hosts serialize the same scenario.
type LeaseStore struct {
	client *redis.Client
	now    func() time.Time
}

func NewLeaseStore(client *redis.Client) *LeaseStore {
	return &LeaseStore{client: client, now: time.Now}
}

func (s *LeaseStore) makeKey(name string) string {
	return fmt.Sprintf("loadtest:lease:%s", name)
}

func (s *LeaseStore) Acquire(ctx context.Context, name, holderID string, ttl time.Duration) (bool, error) {
	res, err := acquireScript.Run(ctx, s.client, []string{s.makeKey(name)}, holderID, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, errors.Wrapf(err, "failed to acquire lease %s", name)
	}
	return res > 0, nil
}

func (s *LeaseStore) Renew(ctx context.Context, name, holderID string, ttl time.Duration) error {
	res, err := renewScript.Run(ctx, s.client, []string{s.makeKey(name)}, holderID, ttl.Milliseconds()).Int64()
	if err != nil {
		return errors.Wrapf(err, "failed to renew lease %s", name)
	}
	if res != 1 {
		return errors.Wrapf(store.ErrLeaseLost, "%s", name)
	}
	return nil
}

// Release is a no-op when holderID no longer holds the lease.
func (s *LeaseStore) Release(ctx context.Context, name, holderID string) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.makeKey(name)}, holderID).Err(); err != nil {
		return errors.Wrapf(err, "failed to release lease %s", name)
	}
	return nil
}

func (s *LeaseStore) Get(ctx context.Context, name string) (*store.Lease, error) {
	key := s.makeKey(name)

	vals, err := s.client.HMGet(ctx, key, "holder", "version").Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get lease %s", name)
	}
	holder, _ := vals[0].(string)
	if holder == "" {
		return nil, nil
	}

	var version int64
	if v, ok := vals[1].(string); ok {
		version, _ = strconv.ParseInt(v, 10, 64)
	}

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get ttl of lease %s", name)
	}

	return &store.Lease{
		Name:      name,
		HolderID:  holder,
		ExpiresAt: s.now().Add(ttl),
		Version:   version,
	}, nil
}

var _ store.LeaseStore = (*LeaseStore)(nil)
