// Package rules holds the compliance rule definitions applied to funding
// records and the registry that orders them for evaluation.
package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Severity ranks the impact of a rule failure.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ValidationType selects the check a rule performs.
type ValidationType string

const (
	ValidationStatus     ValidationType = "status"
	ValidationDate       ValidationType = "date"
	ValidationSecurity   ValidationType = "security"
	ValidationFrequency  ValidationType = "frequency"
	ValidationExpression ValidationType = "expression"
)

// Well-known parameter keys.
const (
	ParamRequiredStatus     = "required_status"
	ParamMaxDaysSinceReview = "max_days_since_review"
	ParamMinSecurityLevel   = "min_security_level"
	ParamPeriodDays         = "period_days"
	ParamExpression         = "expression"
)

// Rule is a named, declarative compliance check.
type Rule struct {
	ID             string         `json:"rule_id" yaml:"rule_id" validate:"required"`
	Name           string         `json:"name" yaml:"name"`
	Description    string         `json:"description,omitempty" yaml:"description,omitempty"`
	Severity       Severity       `json:"severity" yaml:"severity" validate:"required,oneof=LOW MEDIUM HIGH CRITICAL"`
	ValidationType ValidationType `json:"validation_type" yaml:"validation_type" validate:"required,oneof=status date security frequency expression"`
	Parameters     Parameters     `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Required       bool           `json:"required" yaml:"required"`
}

// BaseID returns the id without its version qualifier.
func (r Rule) BaseID() string {
	base, _, _ := strings.Cut(r.ID, "@")
	return base
}

// Version parses the "@vX.Y.Z" qualifier of the id. Unqualified ids are v0.0.0.
func (r Rule) Version() (*semver.Version, error) {
	_, v, ok := strings.Cut(r.ID, "@")
	if !ok {
		return semver.MustParse("0.0.0"), nil
	}
	ver, err := semver.NewVersion(v)
	if err != nil {
		return nil, fmt.Errorf("rule %s: invalid version qualifier: %w", r.ID, err)
	}
	return ver, nil
}

func (r Rule) clone() Rule {
	out := r
	if r.Parameters != nil {
		out.Parameters = make(Parameters, len(r.Parameters))
		for k, v := range r.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}

// Parameters are the type-specific thresholds of a rule.
type Parameters map[string]any

// Int returns an integral parameter. Config files decode numbers as int,
// float64 or string depending on the source format.
func (p Parameters) Int(key string) (int, bool, error) {
	v, ok := p[key]
	if !ok || v == nil {
		return 0, false, nil
	}
	switch n := v.(type) {
	case int:
		return n, true, nil
	case int64:
		return int(n), true, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, true, fmt.Errorf("parameter %s: %v is not an integer", key, n)
		}
		return int(n), true, nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, true, fmt.Errorf("parameter %s: %w", key, err)
		}
		return i, true, nil
	}
	return 0, true, fmt.Errorf("parameter %s: unsupported type %T", key, v)
}

// String returns a string parameter.
func (p Parameters) String(key string) (string, bool) {
	v, ok := p[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Sprint(v), true
	}
	return s, true
}
