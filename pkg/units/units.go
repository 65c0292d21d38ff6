// Package units converts measured values into the canonical unit of their
// family so that thresholds and samples can be compared directly.
package units

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// Family groups units that measure the same dimension.
type Family string

const (
	FamilySpeed Family = "speed"
	FamilyTime  Family = "time"
	FamilyCount Family = "count"
)

// Canonical units per family.
const (
	Mbps         = "Mbps"
	Milliseconds = "ms"
	Count        = "count"
)

var (
	ErrUnsupportedUnit    = errors.New("unsupported unit")
	ErrUnitFamilyMismatch = errors.New("unit family mismatch")
	errUnknownFamily      = errors.New("unknown unit family")
)

// Value is a measurement expressed in a canonical unit.
type Value struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

type unitDef struct {
	family Family
	factor decimal.Decimal
}

// Bit and byte prefixes are powers of 10^3. Byte units carry an extra x8.
var (
	bitFactors = map[string]decimal.Decimal{
		"":  decimal.New(1, -6),
		"k": decimal.New(1, -3),
		"m": decimal.New(1, 0),
		"g": decimal.New(1, 3),
	}
	byteFactors = map[string]decimal.Decimal{
		"":  decimal.New(8, -6),
		"k": decimal.New(8, -3),
		"m": decimal.New(8, 0),
		"g": decimal.New(8, 3),
	}
	timeFactors = map[string]decimal.Decimal{
		"ns":      decimal.New(1, -6),
		"us":      decimal.New(1, -3),
		"µs":      decimal.New(1, -3),
		"ms":      decimal.New(1, 0),
		"s":       decimal.New(1, 3),
		"sec":     decimal.New(1, 3),
		"secs":    decimal.New(1, 3),
		"second":  decimal.New(1, 3),
		"seconds": decimal.New(1, 3),
		"min":     decimal.New(6, 4),
		"mins":    decimal.New(6, 4),
		"minute":  decimal.New(6, 4),
		"minutes": decimal.New(6, 4),
	}
)

// lookup resolves a unit string. Bit-rate and time units match without
// regard to case; byte-rate units need the upper-case B to tell them apart
// from bits.
func lookup(unit string) (unitDef, bool) {
	u := strings.TrimSpace(unit)
	lower := strings.ToLower(u)

	switch {
	case strings.HasSuffix(u, "Bps"):
		f, ok := byteFactors[strings.ToLower(strings.TrimSuffix(u, "Bps"))]
		return unitDef{family: FamilySpeed, factor: f}, ok
	case strings.HasSuffix(lower, "bps"):
		f, ok := bitFactors[strings.TrimSuffix(lower, "bps")]
		return unitDef{family: FamilySpeed, factor: f}, ok
	case lower == "" || lower == Count:
		return unitDef{family: FamilyCount, factor: decimal.New(1, 0)}, true
	}

	f, ok := timeFactors[lower]
	return unitDef{family: FamilyTime, factor: f}, ok
}

// CanonicalUnit returns the canonical unit of a family.
func CanonicalUnit(family Family) (string, error) {
	switch family {
	case FamilySpeed:
		return Mbps, nil
	case FamilyTime:
		return Milliseconds, nil
	case FamilyCount:
		return Count, nil
	}
	return "", errors.Wrapf(errUnknownFamily, "family %q", family)
}

// FamilyOf reports the family a unit belongs to.
func FamilyOf(unit string) (Family, error) {
	def, ok := lookup(unit)
	if !ok {
		return "", errors.Wrapf(ErrUnsupportedUnit, "unit %q", unit)
	}
	return def.family, nil
}

// Normalize converts value from unit into the canonical unit of family.
// The conversion is a single multiplication by an exact decimal factor.
func Normalize(value float64, unit string, family Family) (Value, error) {
	def, ok := lookup(unit)
	if !ok || def.family != family {
		return Value{}, errors.Wrapf(ErrUnsupportedUnit, "unit %q for family %s", unit, family)
	}
	canonical, err := CanonicalUnit(family)
	if err != nil {
		return Value{}, err
	}
	v, _ := decimal.NewFromFloat(value).Mul(def.factor).Float64()
	return Value{Value: v, Unit: canonical}, nil
}

// NormalizeAny normalizes value using the family implied by unit.
func NormalizeAny(value float64, unit string) (Value, error) {
	family, err := FamilyOf(unit)
	if err != nil {
		return Value{}, err
	}
	return Normalize(value, unit, family)
}

// Denormalize converts a canonical value back into unit.
func Denormalize(canonical float64, unit string) (float64, error) {
	def, ok := lookup(unit)
	if !ok {
		return 0, errors.Wrapf(ErrUnsupportedUnit, "unit %q", unit)
	}
	v, _ := decimal.NewFromFloat(canonical).DivRound(def.factor, 16).Float64()
	return v, nil
}

// SameFamily fails with ErrUnitFamilyMismatch when a and b measure
// different dimensions.
func SameFamily(a, b string) (Family, error) {
	fa, err := FamilyOf(a)
	if err != nil {
		return "", err
	}
	fb, err := FamilyOf(b)
	if err != nil {
		return "", err
	}
	if fa != fb {
		return "", errors.Wrapf(ErrUnitFamilyMismatch, "%q is %s, %q is %s", a, fa, b, fb)
	}
	return fa, nil
}
