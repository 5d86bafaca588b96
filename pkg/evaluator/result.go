package evaluator

import (
	"time"

	"github.com/Mindburn-Labs/fundaudit/pkg/audit"
	"github.com/Mindburn-Labs/fundaudit/pkg/funding"
	"github.com/Mindburn-Labs/fundaudit/pkg/rules"
)

// Result is the verdict of one rule on one record.
type Result struct {
	RecordID    string         `json:"record_id"`
	RuleID      string         `json:"rule_id"`
	Passed      bool           `json:"passed"`
	Reason      string         `json:"reason"`
	EvaluatedAt time.Time      `json:"evaluated_at"`
	Severity    rules.Severity `json:"severity"`
	Required    bool           `json:"required"`
}

// Outcome is the full evaluation of one record.
type Outcome struct {
	Record    funding.Record `json:"record"`
	Compliant bool           `json:"compliant"`
	Results   []Result       `json:"results"`
	Entry     *audit.Entry   `json:"audit_entry,omitempty"`
}

// RecordID returns the id of the evaluated record.
func (o Outcome) RecordID() string { return o.Record.ID() }

// Failures returns the failed results, required and advisory alike.
func (o Outcome) Failures() []Result {
	var out []Result
	for _, r := range o.Results {
		if !r.Passed {
			out = append(out, r)
		}
	}
	return out
}

// auditPayload is the content hashed into the record's audit entry.
type auditPayload struct {
	RecordID  string   `json:"record_id"`
	ProjectID string   `json:"project_id"`
	Compliant bool     `json:"compliant"`
	Results   []Result `json:"results"`
}
