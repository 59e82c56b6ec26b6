// Package indicator computes ratio-based percentages and classifies them into
// a three-level semaphore. Every function here is pure.
package indicator

import (
	"fmt"
	"math"
	"sort"

	"obraline/internal/domain"
)

// Ratio returns numerator/denominator*100. A zero denominator yields 0.
func Ratio(numerator, denominator float64) (float64, error) {
	if err := checkValue("numerator", numerator); err != nil {
		return 0, err
	}
	if err := checkValue("denominator", denominator); err != nil {
		return 0, err
	}
	if denominator == 0 {
		return 0, nil
	}
	return numerator / denominator * 100, nil
}

// Classify places pct in green (pct >= High), yellow (Low <= pct < High) or red.
func Classify(pct float64, t domain.Thresholds) domain.Level {
	switch {
	case pct >= t.High:
		return domain.LevelGreen
	case pct >= t.Low:
		return domain.LevelYellow
	default:
		return domain.LevelRed
	}
}

// Weighted is one term of a weighted average.
type Weighted struct {
	Value  float64
	Weight float64
}

// WeightedAverage returns sum(value*weight)/sum(weight).
func WeightedAverage(values []Weighted) (float64, error) {
	if len(values) == 0 {
		return 0, domain.InvalidInput("weighted average of empty list")
	}
	var sum, weights float64
	for _, v := range values {
		if math.IsNaN(v.Value) || math.IsInf(v.Value, 0) {
			return 0, domain.InvalidInput("value %v is not a finite number", v.Value)
		}
		if err := checkValue("weight", v.Weight); err != nil {
			return 0, err
		}
		sum += v.Value * v.Weight
		weights += v.Weight
	}
	if weights == 0 {
		return 0, domain.InvalidInput("weights sum to zero")
	}
	return sum / weights, nil
}

// Mean is the unweighted average of values.
func Mean(values []float64) (float64, error) {
	terms := make([]Weighted, 0, len(values))
	for _, v := range values {
		terms = append(terms, Weighted{Value: v, Weight: 1})
	}
	return WeightedAverage(terms)
}

// ValidateThresholds rejects threshold pairs that cannot partition the line.
func ValidateThresholds(t domain.Thresholds) error {
	if math.IsNaN(t.High) || math.IsNaN(t.Low) {
		return domain.InvalidInput("thresholds must be numbers")
	}
	if t.Low > t.High {
		return domain.InvalidInput("low threshold %v above high threshold %v", t.Low, t.High)
	}
	return nil
}

// Table maps indicator names (iaop, avance, cumplimiento, ...) to thresholds.
type Table map[string]domain.Thresholds

// Lookup returns the thresholds registered for name.
func (t Table) Lookup(name string) (domain.Thresholds, error) {
	th, ok := t[name]
	if !ok {
		return domain.Thresholds{}, domain.InvalidInput("no thresholds configured for indicator %q", name)
	}
	return th, nil
}

// Names returns the configured indicator names in sorted order.
func (t Table) Names() []string {
	names := make([]string, 0, len(t))
	for name := range t {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks every entry of the table.
func (t Table) Validate() error {
	for _, name := range t.Names() {
		if err := ValidateThresholds(t[name]); err != nil {
			return fmt.Errorf("indicator %s: %w", name, err)
		}
	}
	return nil
}

// Reading is a computed indicator value ready for rendering.
type Reading struct {
	Name    string        `json:"name"`
	Percent float64       `json:"percent"`
	Level   domain.Level  `json:"level" enum:"green,yellow,red"`
	Scheme  string        `json:"scheme"`
	Input   *InputSummary `json:"input,omitempty"`
}

// InputSummary echoes the raw pair a reading was computed from.
type InputSummary struct {
	Numerator   float64 `json:"numerator"`
	Denominator float64 `json:"denominator"`
}

// Evaluate computes the ratio of numerator/denominator and classifies it with
// the thresholds named scheme.
func (t Table) Evaluate(name, scheme string, numerator, denominator float64) (Reading, error) {
	th, err := t.Lookup(scheme)
	if err != nil {
		return Reading{}, err
	}
	pct, err := Ratio(numerator, denominator)
	if err != nil {
		return Reading{}, err
	}
	return Reading{
		Name:    name,
		Percent: pct,
		Level:   Classify(pct, th),
		Scheme:  scheme,
		Input:   &InputSummary{Numerator: numerator, Denominator: denominator},
	}, nil
}

func checkValue(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return domain.InvalidInput("%s %v is not a finite number", field, v)
	}
	if v < 0 {
		return domain.InvalidInput("%s %v is negative", field, v)
	}
	return nil
}
