// Package stats reduces metric samples into summary statistics.
package stats

import (
	"math"
	"sort"

	"github.com/pkg/errors"
)

var (
	ErrEmptySampleSet     = errors.New("empty sample set")
	ErrUnknownAggregation = errors.New("unknown aggregation")
)

// Aggregation names one of the statistics in a Summary.
type Aggregation string

const (
	Avg    Aggregation = "avg"
	Min    Aggregation = "min"
	Max    Aggregation = "max"
	P50    Aggregation = "p50"
	P99    Aggregation = "p99"
	Stddev Aggregation = "stddev"
)

// Summary holds the statistics of a non-empty sample set.
type Summary struct {
	Count  int     `json:"count"`
	Avg    float64 `json:"avg"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P50    float64 `json:"p50"`
	P99    float64 `json:"p99"`
	Stddev float64 `json:"stddev"`
}

// Aggregate computes the summary of samples. The input slice is not
// modified.
func Aggregate(samples []float64) (Summary, error) {
	n := len(samples)
	if n == 0 {
		return Summary{}, ErrEmptySampleSet
	}

	sorted := make([]float64, n)
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	mean := sum / float64(n)

	var sq float64
	for _, v := range sorted {
		d := v - mean
		sq += d * d
	}

	return Summary{
		Count:  n,
		Avg:    mean,
		Min:    sorted[0],
		Max:    sorted[n-1],
		P50:    Percentile(sorted, 50),
		P99:    Percentile(sorted, 99),
		Stddev: math.Sqrt(sq / float64(n)),
	}, nil
}

// Percentile returns the nearest-rank percentile p of an ascending slice.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx > n-1 {
		idx = n - 1
	}
	return sorted[idx]
}

// Value returns the statistic selected by agg.
func (s Summary) Value(agg Aggregation) (float64, error) {
	switch agg {
	case Avg:
		return s.Avg, nil
	case Min:
		return s.Min, nil
	case Max:
		return s.Max, nil
	case P50:
		return s.P50, nil
	case P99:
		return s.P99, nil
	case Stddev:
		return s.Stddev, nil
	}
	return 0, errors.Wrapf(ErrUnknownAggregation, "%q", agg)
}

// Valid reports whether agg names a known statistic.
func (agg Aggregation) Valid() bool {
	_, err := Summary{}.Value(agg)
	return err == nil
}
