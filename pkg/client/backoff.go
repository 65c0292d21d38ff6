package client

import (
	"math"
	"math/rand"
	"time"
)

// Backoff yields the pause before a retry. retry counts from zero.
type Backoff interface {
	Delay(retry int) time.Duration
}

// ExponentialBackoff grows the pause geometrically from Base by Factor,
// never beyond Max. Jitter spreads each pause uniformly over
// [1-Jitter, 1+Jitter] of its nominal value.
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64

	// random returns values in [0, 1); nil means math/rand.
	random func() float64
}

// DefaultBackoff is the policy used by New.
func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{Base: 100 * time.Millisecond, Max: 5 * time.Second, Factor: 2, Jitter: 0.2}
}

func (b *ExponentialBackoff) Delay(retry int) time.Duration {
	nominal := b.nominal(retry)
	if b.Jitter <= 0 {
		return time.Duration(nominal)
	}
	random := b.random
	if random == nil {
		random = rand.Float64
	}
	spread := 1 + b.Jitter*(2*random()-1)
	return time.Duration(math.Max(0, nominal*spread))
}

func (b *ExponentialBackoff) nominal(retry int) float64 {
	base, ceiling := float64(b.Base), float64(b.Max)
	if retry <= 0 || b.Factor <= 1 {
		return math.Min(base, ceiling)
	}
	return math.Min(base*math.Pow(b.Factor, float64(retry)), ceiling)
}
