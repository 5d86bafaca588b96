package aggregate

import (
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/fundaudit/pkg/funding"
)

// Filter selects the records an aggregate covers. Zero fields match all.
type Filter struct {
	RegionID string `json:"region_id,omitempty"`
	// MaxSecurityLevel is a clearance ceiling; nil means no ceiling.
	MaxSecurityLevel *int             `json:"max_security_level,omitempty"`
	Statuses         []funding.Status `json:"statuses,omitempty"`
}

// Match reports whether r passes the filter.
func (f Filter) Match(r funding.Record) bool {
	if f.RegionID != "" && r.RegionID != f.RegionID {
		return false
	}
	if f.MaxSecurityLevel != nil && r.SecurityLevel > *f.MaxSecurityLevel {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, r.Status) {
		return false
	}
	return true
}

// RecordProportion is one record's approved_funding / total_budget.
type RecordProportion struct {
	RecordID   string `json:"record_id"`
	ProjectID  string `json:"project_id"`
	RegionID   string `json:"region_id"`
	Proportion Metric `json:"proportion"`
}

// ProportionSummary aggregates proportions over a filtered record set.
type ProportionSummary struct {
	Records []RecordProportion `json:"records"`
	// Included counts records with a defined proportion.
	Included int `json:"included"`
	// RatioSum is the sum of per-record proportions.
	RatioSum Metric `json:"ratio_sum"`
	// Pooled is total approved over total budget.
	Pooled        Metric          `json:"pooled"`
	ApprovedTotal decimal.Decimal `json:"approved_total"`
	BudgetTotal   decimal.Decimal `json:"budget_total"`
	// Undefined lists records excluded for a zero budget.
	Undefined []string `json:"undefined,omitempty"`
}

// Proportions computes per-record and aggregate proportions for records
// passing f. Zero-budget records are flagged and excluded; the batch continues.
// With no matching records the aggregates are UNDEFINED; when every match had
// a zero budget they are DIVISION_UNDEFINED.
func Proportions(records []funding.Record, f Filter) ProportionSummary {
	var s ProportionSummary
	sum := decimal.Zero
	for _, r := range records {
		if !f.Match(r) {
			continue
		}
		rp := RecordProportion{RecordID: r.ID(), ProjectID: r.ProjectID, RegionID: r.RegionID}
		p, err := r.Proportion()
		if err != nil {
			rp.Proportion = Undefined(StatusDivisionUndefined)
			s.Undefined = append(s.Undefined, r.ID())
			s.Records = append(s.Records, rp)
			continue
		}
		rp.Proportion = Defined(p)
		s.Records = append(s.Records, rp)
		s.Included++
		sum = sum.Add(p)
		s.ApprovedTotal = s.ApprovedTotal.Add(r.ApprovedFunding)
		s.BudgetTotal = s.BudgetTotal.Add(r.TotalBudget)
	}
	if s.Included == 0 {
		st := StatusUndefined
		if len(s.Undefined) > 0 {
			st = StatusDivisionUndefined
		}
		s.RatioSum = Undefined(st)
		s.Pooled = Undefined(st)
		return s
	}
	s.RatioSum = Defined(sum)
	s.Pooled = ratio(s.ApprovedTotal, s.BudgetTotal)
	return s
}

// Window is an aggregate over a date range, both ends inclusive.
type Window struct {
	Start      time.Time       `json:"start"`
	End        time.Time       `json:"end"`
	Records    int             `json:"records"`
	Approved   decimal.Decimal `json:"approved"`
	Budget     decimal.Decimal `json:"budget"`
	Proportion Metric          `json:"proportion"`
}

func (w Window) contains(t time.Time) bool {
	d := funding.CivilDate(t)
	return !d.Before(w.Start) && !d.After(w.End)
}

func (w *Window) add(r funding.Record) {
	w.Records++
	w.Approved = w.Approved.Add(r.ApprovedFunding)
	w.Budget = w.Budget.Add(r.TotalBudget)
}

func (w *Window) finish() {
	if w.Records == 0 {
		w.Proportion = Undefined(StatusUndefined)
		return
	}
	w.Proportion = ratio(w.Approved, w.Budget)
}

// Rolling aggregates records dated within [current - months, current].
func Rolling(records []funding.Record, current time.Time, months int) Window {
	end := funding.CivilDate(current)
	w := Window{Start: end.AddDate(0, -months, 0), End: end}
	for _, r := range records {
		if w.contains(r.Date) {
			w.add(r)
		}
	}
	w.finish()
	return w
}

// Quarter is a calendar quarter.
type Quarter struct {
	Year int `json:"year"`
	Q    int `json:"quarter"`
}

// QuarterOf returns the quarter containing t.
func QuarterOf(t time.Time) Quarter {
	return Quarter{Year: t.Year(), Q: (int(t.Month())-1)/3 + 1}
}

// Prev returns the preceding quarter.
func (q Quarter) Prev() Quarter {
	if q.Q == 1 {
		return Quarter{Year: q.Year - 1, Q: 4}
	}
	return Quarter{Year: q.Year, Q: q.Q - 1}
}

// Start returns the first day of the quarter.
func (q Quarter) Start() time.Time {
	return time.Date(q.Year, time.Month((q.Q-1)*3+1), 1, 0, 0, 0, 0, time.UTC)
}

// End returns the last day of the quarter.
func (q Quarter) End() time.Time {
	return q.Start().AddDate(0, 3, -1)
}

func (q Quarter) String() string { return fmt.Sprintf("%d-Q%d", q.Year, q.Q) }

// Variance compares approved totals of two consecutive quarters.
type Variance struct {
	Current       Quarter         `json:"current"`
	Previous      Quarter         `json:"previous"`
	CurrentTotal  decimal.Decimal `json:"current_total"`
	PreviousTotal decimal.Decimal `json:"previous_total"`
	// Change is (current - previous) / previous; UNDEFINED when previous is 0.
	Change Metric `json:"change"`
}

// QuarterOverQuarter computes the approved-funding variance between the
// quarter containing current and the one before it.
func QuarterOverQuarter(records []funding.Record, current time.Time) Variance {
	cur := QuarterOf(current)
	v := Variance{Current: cur, Previous: cur.Prev()}
	for _, r := range records {
		switch QuarterOf(r.Date) {
		case v.Current:
			v.CurrentTotal = v.CurrentTotal.Add(r.ApprovedFunding)
		case v.Previous:
			v.PreviousTotal = v.PreviousTotal.Add(r.ApprovedFunding)
		}
	}
	if v.PreviousTotal.IsZero() {
		v.Change = Undefined(StatusUndefined)
		return v
	}
	v.Change = Defined(v.CurrentTotal.Sub(v.PreviousTotal).Div(v.PreviousTotal))
	return v
}
