package evaluator

import (
	"fmt"
	"time"

	"github.com/Mindburn-Labs/fundaudit/pkg/funding"
	"github.com/Mindburn-Labs/fundaudit/pkg/rules"
)

// check applies one rule. Misconfigured rules fail with an explanatory reason
// rather than passing silently.
func (e *Evaluator) check(rule rules.Rule, rec funding.Record, prior []funding.Record, now time.Time) (bool, string) {
	switch rule.ValidationType {
	case rules.ValidationStatus:
		return checkStatus(rule, rec)
	case rules.ValidationDate:
		return checkDate(rule, rec, prior, now)
	case rules.ValidationSecurity:
		return checkSecurity(rule, rec)
	case rules.ValidationFrequency:
		return checkFrequency(rule, rec, prior)
	case rules.ValidationExpression:
		return e.exprs.check(rule, rec, now)
	}
	return false, fmt.Sprintf("unsupported validation type %q", rule.ValidationType)
}

func checkStatus(rule rules.Rule, rec funding.Record) (bool, string) {
	want := funding.StatusActive
	if raw, ok := rule.Parameters.String(rules.ParamRequiredStatus); ok {
		st, err := funding.ParseStatus(raw)
		if err != nil {
			return false, fmt.Sprintf("invalid %s: %v", rules.ParamRequiredStatus, err)
		}
		want = st
	}
	if rec.Status != want {
		return false, fmt.Sprintf("status %s, required %s", rec.Status, want)
	}
	return true, fmt.Sprintf("status %s", rec.Status)
}

func checkDate(rule rules.Rule, rec funding.Record, prior []funding.Record, now time.Time) (bool, string) {
	maxDays, ok, err := rule.Parameters.Int(rules.ParamMaxDaysSinceReview)
	if err != nil {
		return false, err.Error()
	}
	if !ok {
		return false, fmt.Sprintf("%s not configured", rules.ParamMaxDaysSinceReview)
	}
	if rec.Date.IsZero() {
		return false, "invalid review date"
	}
	if age := funding.DaysBetween(rec.Date, now); age > maxDays {
		return false, fmt.Sprintf("last review %d days ago exceeds %d", age, maxDays)
	}
	if len(prior) > 0 {
		prev := prior[len(prior)-1]
		if gap := funding.DaysBetween(prev.Date, rec.Date); gap > maxDays {
			return false, fmt.Sprintf("%d days since previous review %s exceeds %d", gap, prev.ID(), maxDays)
		}
	}
	return true, fmt.Sprintf("reviewed within %d days", maxDays)
}

func checkSecurity(rule rules.Rule, rec funding.Record) (bool, string) {
	minLevel, ok, err := rule.Parameters.Int(rules.ParamMinSecurityLevel)
	if err != nil {
		return false, err.Error()
	}
	if !ok {
		return false, fmt.Sprintf("%s not configured; security rules need an explicit minimum", rules.ParamMinSecurityLevel)
	}
	if rec.SecurityLevel < minLevel {
		return false, fmt.Sprintf("security level %d below minimum %d", rec.SecurityLevel, minLevel)
	}
	return true, fmt.Sprintf("security level %d meets minimum %d", rec.SecurityLevel, minLevel)
}

func checkFrequency(rule rules.Rule, rec funding.Record, prior []funding.Record) (bool, string) {
	period, ok, err := rule.Parameters.Int(rules.ParamPeriodDays)
	if err != nil {
		return false, err.Error()
	}
	if !ok {
		return false, fmt.Sprintf("%s not configured", rules.ParamPeriodDays)
	}
	for i := len(prior) - 1; i >= 0; i-- {
		if funding.DaysBetween(prior[i].Date, rec.Date) <= period {
			return true, fmt.Sprintf("prior record %s within %d days", prior[i].ID(), period)
		}
	}
	return false, fmt.Sprintf("no prior record within %d days", period)
}
