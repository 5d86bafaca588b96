// Package report summarizes a run's outcomes and aggregates into a Report and
// renders it as JSON, a text table or an XLSX workbook.
package report

import (
	"cmp"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/fundaudit/pkg/aggregate"
	"github.com/Mindburn-Labs/fundaudit/pkg/evaluator"
	"github.com/Mindburn-Labs/fundaudit/pkg/funding"
)

// Overall run status.
const (
	StatusCompliant    = "COMPLIANT"
	StatusNonCompliant = "NON_COMPLIANT"
)

// Violation is one failed rule on one record.
type Violation struct {
	RecordID  string `json:"record_id"`
	ProjectID string `json:"project_id"`
	RuleID    string `json:"rule_id"`
	Severity  string `json:"severity"`
	Required  bool   `json:"required"`
	Reason    string `json:"reason"`
}

// Slice summarizes the records sharing one key (project, region or period).
type Slice struct {
	Key            string                   `json:"key"`
	Records        int                      `json:"records"`
	Compliant      int                      `json:"compliant"`
	Approved       decimal.Decimal          `json:"approved"`
	Budget         decimal.Decimal          `json:"budget"`
	Proportion     aggregate.Metric         `json:"proportion"`
	Classification aggregate.Classification `json:"classification"`
}

// AuditInfo describes the audit chain state at report time.
type AuditInfo struct {
	Entries   uint64 `json:"entries"`
	ChainHead string `json:"chain_head"`
}

// Report is the consumer-facing summary of one run.
type Report struct {
	RunID            string               `json:"run_id"`
	Timestamp        time.Time            `json:"timestamp"`
	AsOf             time.Time            `json:"as_of"`
	Status           string               `json:"status"`
	ComplianceScore  aggregate.Metric     `json:"compliance_score"`
	RecordsEvaluated int                  `json:"records_evaluated"`
	RecordsCompliant int                  `json:"records_compliant"`
	RecordsRejected  int                  `json:"records_rejected"`
	RulesChecked     []string             `json:"rules_checked"`
	Violations       []Violation          `json:"violations"`
	Rejected         []string             `json:"rejected,omitempty"`
	Thresholds       aggregate.Thresholds `json:"thresholds"`

	Proportions        aggregate.ProportionSummary `json:"proportions"`
	Classification     aggregate.Classification    `json:"classification"`
	Rolling            aggregate.Window            `json:"rolling"`
	QuarterOverQuarter aggregate.Variance          `json:"quarter_over_quarter"`

	ByProject []Slice `json:"by_project"`
	ByRegion  []Slice `json:"by_region"`
	ByPeriod  []Slice `json:"by_period"`

	Audit *AuditInfo `json:"audit,omitempty"`
}

// Generator builds reports.
type Generator struct {
	Thresholds aggregate.Thresholds
	// RegionThresholds overrides Thresholds for ByRegion slices, keyed by
	// upper-case region id.
	RegionThresholds map[string]aggregate.Thresholds
	Filter           aggregate.Filter
	// WindowMonths is the rolling window length; zero means 12.
	WindowMonths int
	// Period buckets ByPeriod; empty means quarterly.
	Period aggregate.Period
	Clock  func() time.Time
}

// Build summarizes sum. asOf anchors the rolling window and the quarter
// comparison; a zero asOf uses the latest evaluated record date. Inputs are
// not modified.
func (g Generator) Build(sum *evaluator.Summary, asOf time.Time) *Report {
	clock := g.Clock
	if clock == nil {
		clock = time.Now
	}
	months := g.WindowMonths
	if months <= 0 {
		months = 12
	}
	period := g.Period
	if period == "" {
		period = aggregate.Quarterly
	}

	rep := &Report{
		RunID:      sum.RunID,
		Timestamp:  clock().UTC(),
		Thresholds: g.Thresholds,
	}
	for _, r := range sum.Rules {
		rep.RulesChecked = append(rep.RulesChecked, r.ID)
	}
	for _, rej := range sum.Rejected {
		rep.Rejected = append(rep.Rejected, rej.Error())
	}
	rep.RecordsRejected = len(sum.Rejected)

	records := make([]funding.Record, 0, len(sum.Outcomes))
	compliant := make(map[string]bool, len(sum.Outcomes))
	var latest time.Time
	for _, o := range sum.Outcomes {
		records = append(records, o.Record)
		compliant[o.RecordID()] = o.Compliant
		rep.RecordsEvaluated++
		if o.Compliant {
			rep.RecordsCompliant++
		}
		for _, res := range o.Failures() {
			rep.Violations = append(rep.Violations, Violation{
				RecordID:  res.RecordID,
				ProjectID: o.Record.ProjectID,
				RuleID:    res.RuleID,
				Severity:  string(res.Severity),
				Required:  res.Required,
				Reason:    res.Reason,
			})
		}
		latest = maxDate(latest, o.Record.Date)
	}
	if asOf.IsZero() {
		asOf = latest
	}
	rep.AsOf = funding.CivilDate(asOf)

	rep.ComplianceScore = aggregate.Undefined(aggregate.StatusUndefined)
	if rep.RecordsEvaluated > 0 {
		rep.ComplianceScore = aggregate.Defined(
			decimal.NewFromInt(int64(rep.RecordsCompliant)).Div(decimal.NewFromInt(int64(rep.RecordsEvaluated))),
		)
	}
	rep.Status = StatusNonCompliant
	if rep.RecordsEvaluated > 0 && rep.RecordsCompliant == rep.RecordsEvaluated && rep.RecordsRejected == 0 {
		rep.Status = StatusCompliant
	}

	rep.Proportions = aggregate.Proportions(records, g.Filter)
	rep.Classification = g.Thresholds.ClassifyMetric(rep.Proportions.Pooled)
	rep.Rolling = aggregate.Rolling(records, rep.AsOf, months)
	rep.QuarterOverQuarter = aggregate.QuarterOverQuarter(records, rep.AsOf)

	rep.ByProject = g.summarize(aggregate.ByProject(records), compliant, nil)
	rep.ByRegion = g.summarize(aggregate.ByRegion(records), compliant, g.RegionThresholds)
	rep.ByPeriod = g.summarize(aggregate.ByPeriod(records, period), compliant, nil)
	slices.SortStableFunc(rep.ByPeriod, func(a, b Slice) int { return cmp.Compare(a.Key, b.Key) })
	return rep
}

// WithAudit attaches the audit chain state.
func (r *Report) WithAudit(entries uint64, head string) *Report {
	r.Audit = &AuditInfo{Entries: entries, ChainHead: head}
	return r
}

// Compliant reports whether the run as a whole is compliant.
func (r *Report) Compliant() bool { return r.Status == StatusCompliant }

func (g Generator) summarize(groups []aggregate.Group, compliant map[string]bool, overrides map[string]aggregate.Thresholds) []Slice {
	out := make([]Slice, 0, len(groups))
	for _, grp := range groups {
		s := Slice{Key: grp.Key, Records: len(grp.Records)}
		p := aggregate.Proportions(grp.Records, aggregate.Filter{})
		for _, r := range grp.Records {
			if compliant[r.ID()] {
				s.Compliant++
			}
		}
		s.Approved = p.ApprovedTotal
		s.Budget = p.BudgetTotal
		s.Proportion = p.Pooled
		th, ok := overrides[strings.ToUpper(grp.Key)]
		if !ok {
			th = g.Thresholds
		}
		s.Classification = th.ClassifyMetric(p.Pooled)
		out = append(out, s)
	}
	return out
}

func maxDate(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
