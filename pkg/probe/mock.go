package probe

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rmax-ai/loadtest/pkg/scenario"
)

// MockConfig shapes the synthetic samples.
type MockConfig struct {
	Latency   time.Duration
	ErrorRate float64
	Seed      int64
}

// MockProbe emits synthetic measurements for dry runs. Each metric walks
// around its base value by up to Spread percent.
type MockProbe struct {
	mu      sync.Mutex
	rng     *rand.Rand
	config  MockConfig
	metrics []MockMetric
	calls   int
}

// MockMetric is one synthetic series.
type MockMetric struct {
	Name   string
	Unit   string
	Base   float64
	Spread float64
}

// ThroughputMetrics resemble a healthy iperf3 run.
var ThroughputMetrics = []MockMetric{
	{Name: "download_speed", Unit: "bps", Base: 150e6, Spread: 20},
	{Name: "upload_speed", Unit: "bps", Base: 40e6, Spread: 20},
	{Name: "jitter", Unit: "ms", Base: 2, Spread: 50},
	{Name: "latency", Unit: "us", Base: 18000, Spread: 30},
}

// PageLoadMetrics resemble a small web page.
var PageLoadMetrics = []MockMetric{
	{Name: "ttfb", Unit: "ms", Base: 120, Spread: 40},
	{Name: "dom_content_loaded", Unit: "ms", Base: 450, Spread: 30},
	{Name: "page_load_time", Unit: "ms", Base: 900, Spread: 30},
	{Name: "http_response_code", Unit: "count", Base: 200},
	{Name: "resource_count", Unit: "count", Base: 12},
	{Name: "redirect_count", Unit: "count", Base: 0},
}

// NewMockProbe creates a mock probe emitting metrics on every run.
func NewMockProbe(config MockConfig, metrics []MockMetric) *MockProbe {
	seed := config.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &MockProbe{
		rng:     rand.New(rand.NewSource(seed)),
		config:  config,
		metrics: metrics,
	}
}

// Calls returns how many times Run was invoked.
func (p *MockProbe) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *MockProbe) Run(ctx context.Context, scenarioID string, params scenario.Parameters) ([]Measurement, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()

	if p.config.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, Failf(ctx.Err(), "scenario %s cancelled", scenarioID)
		case <-time.After(p.config.Latency):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.config.ErrorRate > 0 && p.rng.Float64() < p.config.ErrorRate {
		return nil, &Error{Reason: "synthetic failure for " + scenarioID}
	}

	out := make([]Measurement, 0, len(p.metrics))
	for _, m := range p.metrics {
		v := m.Base
		if m.Spread > 0 {
			v += m.Base * m.Spread / 100 * (2*p.rng.Float64() - 1)
		}
		out = append(out, Measurement{Name: m.Name, Value: v, Unit: m.Unit})
	}
	return out, nil
}
