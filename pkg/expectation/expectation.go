// Package expectation judges measured values against declared thresholds.
package expectation

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/rmax-ai/loadtest/pkg/stats"
	"github.com/rmax-ai/loadtest/pkg/units"
)

var ErrInvalidOperator = errors.New("invalid operator")

// Operator compares a measured value with a threshold.
type Operator string

const (
	LT  Operator = "lt"
	LTE Operator = "lte"
	GT  Operator = "gt"
	GTE Operator = "gte"
	EQ  Operator = "eq"
)

// Scope decides when an expectation is checked.
type Scope string

const (
	PerIteration Scope = "per_iteration"
	ScenarioWide Scope = "scenario"
)

// Status is the outcome of one evaluation.
type Status string

const (
	Pass Status = "PASS"
	Fail Status = "FAIL"
)

// Epsilon is the relative tolerance of the eq operator:
// |a-b| <= Epsilon * max(1, |a|, |b|).
const Epsilon = 1e-9

// Expectation is a threshold rule on one metric.
type Expectation struct {
	Metric      string            `json:"metric" yaml:"metric" validate:"required"`
	Operator    Operator          `json:"operator" yaml:"operator" validate:"required,oneof=lt lte gt gte eq"`
	Value       float64           `json:"value" yaml:"value"`
	Unit        string            `json:"unit" yaml:"unit"`
	Aggregation stats.Aggregation `json:"aggregation" yaml:"aggregation" validate:"required,oneof=avg min max p50 p99 stddev"`
	Scope       Scope             `json:"evaluation_scope" yaml:"evaluation_scope" validate:"required,oneof=per_iteration scenario"`
}

// Expected renders the threshold in its declared unit, e.g. "100 mbps".
func (e Expectation) Expected() string {
	v := strconv.FormatFloat(e.Value, 'f', -1, 64)
	if e.Unit == "" {
		return v
	}
	return v + " " + e.Unit
}

// Result is the outcome of evaluating an expectation. Measured is in the
// canonical unit of the metric family.
type Result struct {
	Metric      string            `json:"metric"`
	Expected    string            `json:"expected"`
	Threshold   units.Value       `json:"threshold"`
	Measured    units.Value       `json:"measured"`
	Status      Status            `json:"status"`
	Scope       Scope             `json:"scope"`
	Aggregation stats.Aggregation `json:"aggregation"`
}

// Evaluate normalizes the threshold and the measured value into the same
// canonical unit and applies the operator. A threshold without a unit is
// taken to be in the canonical unit of the measured value. A FAIL outcome
// is not an error.
func Evaluate(exp Expectation, measured float64, measuredUnit string) (Result, error) {
	got, err := units.NormalizeAny(measured, measuredUnit)
	if err != nil {
		return Result{}, errors.Wrapf(err, "metric %s", exp.Metric)
	}

	threshold := units.Value{Value: exp.Value, Unit: got.Unit}
	if strings.TrimSpace(exp.Unit) != "" {
		family, err := units.SameFamily(exp.Unit, measuredUnit)
		if err != nil {
			return Result{}, errors.Wrapf(err, "metric %s", exp.Metric)
		}
		if threshold, err = units.Normalize(exp.Value, exp.Unit, family); err != nil {
			return Result{}, err
		}
	}

	ok, err := Compare(exp.Operator, got.Value, threshold.Value)
	if err != nil {
		return Result{}, err
	}

	status := Fail
	if ok {
		status = Pass
	}
	return Result{
		Metric:      exp.Metric,
		Expected:    exp.Expected(),
		Threshold:   threshold,
		Measured:    got,
		Status:      status,
		Scope:       exp.Scope,
		Aggregation: exp.Aggregation,
	}, nil
}

// Compare applies op to measured and threshold.
func Compare(op Operator, measured, threshold float64) (bool, error) {
	switch op {
	case LT:
		return measured < threshold, nil
	case LTE:
		return measured <= threshold, nil
	case GT:
		return measured > threshold, nil
	case GTE:
		return measured >= threshold, nil
	case EQ:
		scale := math.Max(1, math.Max(math.Abs(measured), math.Abs(threshold)))
		return math.Abs(measured-threshold) <= Epsilon*scale, nil
	}
	return false, errors.Wrap(ErrInvalidOperator, fmt.Sprintf("%q", op))
}
