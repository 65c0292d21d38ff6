package engine

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rmax-ai/loadtest/pkg/store"
)

// SummaryCache holds the latest summary of every (scenario, metric) pair
// for the status surfaces, so readers do not hit the database.
type SummaryCache interface {
	Get(scenarioID, metric string) (store.ScenarioSummary, bool)
	Put(sum store.ScenarioSummary)
	List() []store.ScenarioSummary
}

// MemorySummaryCache implements SummaryCache using an in-memory map
type MemorySummaryCache struct {
	mu        sync.RWMutex
	summaries map[string]store.ScenarioSummary
}

func NewMemorySummaryCache() *MemorySummaryCache {
	return &MemorySummaryCache{
		summaries: make(map[string]store.ScenarioSummary),
	}
}

func summaryKey(scenarioID, metric string) string {
	return fmt.Sprintf("%s:%s", scenarioID, metric)
}

func (c *MemorySummaryCache) Get(scenarioID, metric string) (store.ScenarioSummary, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	sum, ok := c.summaries[summaryKey(scenarioID, metric)]
	return sum, ok
}

func (c *MemorySummaryCache) Put(sum store.ScenarioSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.summaries[summaryKey(sum.ScenarioID, sum.MetricName)] = sum
}

// List returns the cached summaries ordered by scenario then metric.
func (c *MemorySummaryCache) List() []store.ScenarioSummary {
	c.mu.RLock()
	list := make([]store.ScenarioSummary, 0, len(c.summaries))
	for _, sum := range c.summaries {
		list = append(list, sum)
	}
	c.mu.RUnlock()

	SortSummaries(list)
	return list
}

// SortSummaries orders summaries by scenario id then metric name.
func SortSummaries(list []store.ScenarioSummary) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].ScenarioID != list[j].ScenarioID {
			return list[i].ScenarioID < list[j].ScenarioID
		}
		return list[i].MetricName < list[j].MetricName
	})
}
