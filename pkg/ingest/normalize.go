// Package ingest turns externally sourced tabular rows into funding records.
package ingest

import (
	"strings"

	"github.com/Mindburn-Labs/fundaudit/pkg/funding"
)

// Canonical field names.
const (
	FieldProjectID       = "project_id"
	FieldApprovedFunding = "approved_funding"
	FieldTotalBudget     = "total_budget"
	FieldStatus          = "status"
	FieldSecurityLevel   = "security_level"
	FieldDate            = "date"
	FieldRegionID        = "region_id"
)

// Row is one raw source row keyed by its source column names.
type Row map[string]any

var defaultAliases = map[string][]string{
	FieldProjectID:       {"projectid", "project", "project_code", "fund_id"},
	FieldApprovedFunding: {"approved_amount", "approved", "funding_approved"},
	FieldTotalBudget:     {"budget", "budget_total"},
	FieldStatus:          {"compliance_status", "project_status"},
	FieldSecurityLevel:   {"security_tier", "clearance", "clearance_level"},
	FieldDate:            {"record_date", "last_review_date", "review_date"},
	FieldRegionID:        {"region", "region_code"},
}

// Normalizer maps heterogeneous rows onto funding.Record.
type Normalizer struct {
	columns map[string]string
}

// NewNormalizer builds a normalizer with the built-in aliases plus extra,
// which maps a canonical field to additional source column names.
func NewNormalizer(extra map[string][]string) *Normalizer {
	n := &Normalizer{columns: make(map[string]string)}
	for field, aliases := range defaultAliases {
		n.alias(field, field)
		for _, a := range aliases {
			n.alias(a, field)
		}
	}
	for field, aliases := range extra {
		for _, a := range aliases {
			n.alias(a, field)
		}
	}
	return n
}

func (n *Normalizer) alias(column, field string) {
	n.columns[CanonicalColumn(column)] = field
}

// Field resolves a source column name to its canonical field, if any.
func (n *Normalizer) Field(column string) (string, bool) {
	f, ok := n.columns[CanonicalColumn(column)]
	return f, ok
}

// Normalize converts a row. rowNum is the 1-based data row used in errors.
func (n *Normalizer) Normalize(row Row, rowNum int) (funding.Record, error) {
	fields := make(map[string]any, len(row))
	for col, v := range row {
		if f, ok := n.Field(col); ok {
			if _, dup := fields[f]; dup && isBlank(v) {
				continue
			}
			fields[f] = v
		}
	}

	var rec funding.Record
	missing := func(f string) error {
		return &SchemaError{Row: rowNum, Field: f, Reason: "required field missing"}
	}
	bad := func(f string, v any, err error) error {
		return &SchemaError{Row: rowNum, Field: f, Value: v, Reason: err.Error()}
	}

	rec.ProjectID = asString(fields[FieldProjectID])
	if rec.ProjectID == "" {
		return funding.Record{}, missing(FieldProjectID)
	}

	for _, f := range []string{FieldApprovedFunding, FieldTotalBudget} {
		v, ok := fields[f]
		if !ok || isBlank(v) {
			return funding.Record{}, missing(f)
		}
		d, err := parseDecimal(v)
		if err != nil {
			return funding.Record{}, bad(f, v, err)
		}
		if d.IsNegative() {
			return funding.Record{}, &SchemaError{Row: rowNum, Field: f, Value: v, Reason: "amount must not be negative"}
		}
		if f == FieldApprovedFunding {
			rec.ApprovedFunding = d
		} else {
			rec.TotalBudget = d
		}
	}

	statusRaw := asString(fields[FieldStatus])
	if statusRaw == "" {
		return funding.Record{}, missing(FieldStatus)
	}
	st, err := funding.ParseStatus(statusRaw)
	if err != nil {
		return funding.Record{}, bad(FieldStatus, statusRaw, err)
	}
	rec.Status = st

	if v, ok := fields[FieldSecurityLevel]; !ok || isBlank(v) {
		return funding.Record{}, missing(FieldSecurityLevel)
	} else if lvl, err := parseInt(v); err != nil {
		return funding.Record{}, bad(FieldSecurityLevel, v, err)
	} else {
		rec.SecurityLevel = lvl
	}

	if v, ok := fields[FieldDate]; !ok || isBlank(v) {
		return funding.Record{}, missing(FieldDate)
	} else if d, err := parseDate(v); err != nil {
		return funding.Record{}, bad(FieldDate, v, err)
	} else {
		rec.Date = d
	}

	rec.RegionID = asString(fields[FieldRegionID])
	if rec.RegionID == "" {
		return funding.Record{}, missing(FieldRegionID)
	}

	// A zero budget has no proportion; the aggregator flags it as
	// DIVISION_UNDEFINED rather than ingestion rejecting it.
	if !rec.TotalBudget.IsZero() && rec.ApprovedFunding.GreaterThan(rec.TotalBudget) {
		return funding.Record{}, &InvariantViolation{
			Row:             rowNum,
			RecordID:        rec.ID(),
			ApprovedFunding: rec.ApprovedFunding,
			TotalBudget:     rec.TotalBudget,
		}
	}
	return rec, nil
}

func isBlank(v any) bool {
	switch s := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(s) == ""
	case []byte:
		return strings.TrimSpace(string(s)) == ""
	}
	return false
}
