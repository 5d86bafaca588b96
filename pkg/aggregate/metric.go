// Package aggregate computes proportional and trend metrics over funding
// records and classifies proportions against governance thresholds.
//
// A zero denominator never becomes 0 or infinity: it is reported as a
// distinct metric status so consumers can render it as such.
package aggregate

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Status qualifies a Metric value.
type Status string

const (
	StatusOK Status = "OK"
	// StatusUndefined marks a metric with no defined input, such as an empty
	// window or a zero previous-quarter total.
	StatusUndefined Status = "UNDEFINED"
	// StatusDivisionUndefined marks a ratio whose denominator is zero.
	StatusDivisionUndefined Status = "DIVISION_UNDEFINED"
)

// Metric is a computed value that may be undefined.
type Metric struct {
	Value  decimal.Decimal
	Status Status
}

// Defined builds an OK metric.
func Defined(v decimal.Decimal) Metric { return Metric{Value: v, Status: StatusOK} }

// Undefined builds a metric with the given non-OK status.
func Undefined(s Status) Metric { return Metric{Status: s} }

// OK reports whether the metric carries a value.
func (m Metric) OK() bool { return m.Status == StatusOK }

// String renders the value, or the status when undefined.
func (m Metric) String() string {
	if !m.OK() {
		return string(m.Status)
	}
	return m.Value.String()
}

// StringFixed renders the value rounded to places, or the status when undefined.
func (m Metric) StringFixed(places int32) string {
	if !m.OK() {
		return string(m.Status)
	}
	return m.Value.StringFixed(places)
}

type metricJSON struct {
	Value  *decimal.Decimal `json:"value"`
	Status Status           `json:"status"`
}

// MarshalJSON emits a null value for undefined metrics.
func (m Metric) MarshalJSON() ([]byte, error) {
	out := metricJSON{Status: m.Status}
	if m.OK() {
		v := m.Value
		out.Value = &v
	}
	return json.Marshal(out)
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Metric) UnmarshalJSON(data []byte) error {
	var in metricJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	m.Status = in.Status
	m.Value = decimal.Zero
	if in.Value != nil {
		m.Value = *in.Value
	}
	return nil
}

// ratio divides num by den, DIVISION_UNDEFINED when den is zero.
func ratio(num, den decimal.Decimal) Metric {
	if den.IsZero() {
		return Undefined(StatusDivisionUndefined)
	}
	return Defined(num.Div(den))
}

// Classification is the governance verdict on a proportion.
type Classification string

const (
	UnderThreshold   Classification = "UNDER_THRESHOLD"
	WithinGuidelines Classification = "WITHIN_GUIDELINES"
	OverThreshold    Classification = "OVER_THRESHOLD"
)

// ErrInvalidThresholds is returned by Thresholds.Validate.
var ErrInvalidThresholds = errors.New("aggregate: invalid thresholds")

// Thresholds are the governance proportion bounds, both inclusive.
type Thresholds struct {
	Min decimal.Decimal `json:"min" yaml:"min"`
	Max decimal.Decimal `json:"max" yaml:"max"`
}

// DefaultThresholds returns MIN 0.01 and MAX 0.95.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Min: decimal.RequireFromString("0.01"),
		Max: decimal.RequireFromString("0.95"),
	}
}

// Validate checks 0 <= Min <= Max <= 1.
func (t Thresholds) Validate() error {
	one := decimal.NewFromInt(1)
	switch {
	case t.Min.IsNegative() || t.Min.GreaterThan(one):
		return fmt.Errorf("%w: min %s outside [0, 1]", ErrInvalidThresholds, t.Min)
	case t.Max.IsNegative() || t.Max.GreaterThan(one):
		return fmt.Errorf("%w: max %s outside [0, 1]", ErrInvalidThresholds, t.Max)
	case t.Min.GreaterThan(t.Max):
		return fmt.Errorf("%w: min %s exceeds max %s", ErrInvalidThresholds, t.Min, t.Max)
	}
	return nil
}

// Classify places v relative to the bounds. Values equal to a bound are
// within guidelines.
func (t Thresholds) Classify(v decimal.Decimal) Classification {
	switch {
	case v.LessThan(t.Min):
		return UnderThreshold
	case v.GreaterThan(t.Max):
		return OverThreshold
	}
	return WithinGuidelines
}

// ClassifyMetric classifies a defined metric; an undefined metric yields its
// status as the classification.
func (t Thresholds) ClassifyMetric(m Metric) Classification {
	if !m.OK() {
		return Classification(m.Status)
	}
	return t.Classify(m.Value)
}
