// Package redis backs the shared state of a multi-worker deployment: the
// per-scenario leases and the summary cache read by the status surfaces.
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rmax-ai/loadtest/pkg/engine"
	"github.com/rmax-ai/loadtest/pkg/store"
)

const summariesSet = "loadtest:summaries"

// SummaryCache implements engine.SummaryCache on Redis. Failures are
// logged and reported as cache misses.
type SummaryCache struct {
	client *redis.Client
	log    logrus.FieldLogger
}

func NewSummaryCache(client *redis.Client, log logrus.FieldLogger) *SummaryCache {
	return &SummaryCache{client: client, log: log.WithField("component", "summary_cache")}
}

func (c *SummaryCache) makeKey(scenarioID, metric string) string {
	return fmt.Sprintf("loadtest:summary:%s:%s", scenarioID, metric)
}

func (c *SummaryCache) Put(sum store.ScenarioSummary) {
	key := c.makeKey(sum.ScenarioID, sum.MetricName)
	data, err := json.Marshal(sum)
	if err != nil {
		c.log.WithError(err).WithField("key", key).Error("failed to marshal summary")
		return
	}
	ctx := context.Background()
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		pipe.SAdd(ctx, summariesSet, key)
		return nil
	})
	if err != nil {
		c.log.WithError(err).WithField("key", key).Error("failed to store summary")
	}
}

func (c *SummaryCache) Get(scenarioID, metric string) (store.ScenarioSummary, bool) {
	key := c.makeKey(scenarioID, metric)
	data, err := c.client.Get(context.Background(), key).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.WithError(err).WithField("key", key).Error("failed to read summary")
		}
		return store.ScenarioSummary{}, false
	}
	var sum store.ScenarioSummary
	if err := json.Unmarshal(data, &sum); err != nil {
		c.log.WithError(err).WithField("key", key).Error("failed to unmarshal summary")
		return store.ScenarioSummary{}, false
	}
	return sum, true
}

func (c *SummaryCache) List() []store.ScenarioSummary {
	ctx := context.Background()
	keys, err := c.client.SMembers(ctx, summariesSet).Result()
	if err != nil {
		c.log.WithError(err).Error("failed to list summary keys")
		return nil
	}
	list := make([]store.ScenarioSummary, 0, len(keys))
	if len(keys) == 0 {
		return list
	}
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		c.log.WithError(err).Error("failed to read summaries")
		return nil
	}
	for i, val := range values {
		str, ok := val.(string)
		if !ok {
			continue
		}
		var sum store.ScenarioSummary
		if err := json.Unmarshal([]byte(str), &sum); err != nil {
			c.log.WithError(err).WithField("key", keys[i]).Warn("skipping unreadable summary")
			continue
		}
		list = append(list, sum)
	}
	engine.SortSummaries(list)
	return list
}

var _ engine.SummaryCache = (*SummaryCache)(nil)
