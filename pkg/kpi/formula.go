// Package kpi evaluates declarative KPI formulas over grouped counters.
package kpi

import (
	"errors"
	"fmt"
	"math"
)

// Shape is the evaluator variant of a formula.
type Shape string

const (
	ShapeRatio           Shape = "ratio"
	ShapeRatioPositional Shape = "ratio_positional"
	ShapeCompound        Shape = "compound"
	ShapeSingle          Shape = "single"
)

const defaultScale = 100

var ErrUnknownShape = errors.New("unknown formula shape")

// Formula declares a KPI. The shape follows from the declared fields: no
// denominator is single-operand, additional operands make it compound,
// Positional selects per-index division, anything else is a ratio of sums.
type Formula struct {
	Name        string   `yaml:"name"`
	Numerator   []string `yaml:"numerator"`
	Denominator []string `yaml:"denominator,omitempty"`
	Additional  []string `yaml:"additional,omitempty"`
	Positional  bool     `yaml:"positional,omitempty"`
	// Scale multiplies ratio, positional and single-operand results.
	// Zero means 100.
	Scale float64 `yaml:"scale,omitempty"`
	// Shape, when set, must agree with the shape derived from the fields.
	Shape Shape `yaml:"shape,omitempty"`
}

// Kind returns the shape selected by the declared fields.
func (f Formula) Kind() Shape {
	switch {
	case len(f.Denominator) == 0:
		return ShapeSingle
	case len(f.Additional) > 0:
		return ShapeCompound
	case f.Positional:
		return ShapeRatioPositional
	default:
		return ShapeRatio
	}
}

func (f Formula) scale() float64 {
	if f.Scale == 0 {
		return defaultScale
	}
	return f.Scale
}

// Operands returns every declared counter once, in declaration order.
func (f Formula) Operands() []string {
	seen := make(map[string]struct{}, len(f.Numerator)+len(f.Denominator)+len(f.Additional))
	var out []string
	for _, list := range [][]string{f.Numerator, f.Denominator, f.Additional} {
		for _, name := range list {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

// Validate checks that the fields describe exactly one supported shape.
func (f Formula) Validate() error {
	if f.Name == "" {
		return fmt.Errorf("%w: formula without name", ErrUnknownShape)
	}
	if len(f.Numerator) == 0 {
		return fmt.Errorf("%w: %s has no numerator", ErrUnknownShape, f.Name)
	}
	kind := f.Kind()
	if f.Shape != "" && f.Shape != kind {
		return fmt.Errorf("%w: %s declares %s but its operands select %s", ErrUnknownShape, f.Name, f.Shape, kind)
	}
	switch kind {
	case ShapeCompound:
		if f.Positional {
			return fmt.Errorf("%w: %s is both compound and positional", ErrUnknownShape, f.Name)
		}
		if len(f.Additional) != 2 {
			return fmt.Errorf("%w: %s compound needs 2 additional operands, got %d", ErrUnknownShape, f.Name, len(f.Additional))
		}
	case ShapeSingle:
		if f.Positional || len(f.Additional) > 0 {
			return fmt.Errorf("%w: %s has no denominator", ErrUnknownShape, f.Name)
		}
	}
	return nil
}

// Evaluate computes the formula over the counters present in a group.
// Missing counters count as zero in sums; a missing positional denominator
// makes the result undefined. Undefined results are nil, defined ones are
// rounded to two decimals.
func (f Formula) Evaluate(values map[string]float64) *float64 {
	var v float64
	switch f.Kind() {
	case ShapeSingle:
		v = f.scale() * (1 - sum(values, f.Numerator))

	case ShapeRatio:
		den := sum(values, f.Denominator)
		if den == 0 {
			return nil
		}
		v = f.scale() * sum(values, f.Numerator) / den

	case ShapeRatioPositional:
		v = sum(values, f.Numerator)
		for _, name := range f.Denominator {
			d, ok := values[name]
			if !ok || d == 0 {
				return nil
			}
			v /= d
		}
		v *= f.scale()

	case ShapeCompound:
		den := sum(values, f.Denominator)
		if den == 0 {
			return nil
		}
		divisor := values[f.Additional[0]] - values[f.Additional[1]]/den
		if divisor == 0 {
			return nil
		}
		v = 100 * (sum(values, f.Numerator) / den) / divisor

	default:
		return nil
	}
	return Round(v)
}

// Round rounds to two decimals, half away from zero. NaN and infinities
// are undefined.
func Round(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	r := math.Round(v*100) / 100
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return nil
	}
	return &r
}

func sum(values map[string]float64, names []string) float64 {
	var s float64
	for _, name := range names {
		s += values[name]
	}
	return s
}
