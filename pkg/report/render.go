package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/xuri/excelize/v2"
)

// WriteJSON renders r as indented JSON.
func WriteJSON(w io.Writer, r *Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText renders r as a human-readable summary with aligned tables.
func WriteText(w io.Writer, r *Report) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Funding Compliance Report\n")
	fmt.Fprintf(&b, "─────────────────────────\n")
	fmt.Fprintf(&b, "Run ID:      %s\n", r.RunID)
	fmt.Fprintf(&b, "Timestamp:   %s\n", r.Timestamp.Format("2006-01-02T15:04:05Z"))
	fmt.Fprintf(&b, "As of:       %s\n", r.AsOf.Format("2006-01-02"))
	fmt.Fprintf(&b, "Rules:       %s\n", strings.Join(r.RulesChecked, ", "))
	fmt.Fprintf(&b, "Evaluated:   %d (%d compliant, %d rejected)\n", r.RecordsEvaluated, r.RecordsCompliant, r.RecordsRejected)
	fmt.Fprintf(&b, "Score:       %s\n", r.ComplianceScore.StringFixed(4))
	fmt.Fprintf(&b, "Proportion:  %s (%s, thresholds %s..%s)\n",
		r.Proportions.Pooled.StringFixed(4), r.Classification, r.Thresholds.Min, r.Thresholds.Max)
	fmt.Fprintf(&b, "Rolling:     %s over %s..%s (%d records)\n",
		r.Rolling.Proportion.StringFixed(4), r.Rolling.Start.Format("2006-01-02"), r.Rolling.End.Format("2006-01-02"), r.Rolling.Records)
	fmt.Fprintf(&b, "QoQ:         %s (%s vs %s)\n",
		r.QuarterOverQuarter.Change.StringFixed(4), r.QuarterOverQuarter.Current, r.QuarterOverQuarter.Previous)
	if len(r.Proportions.Undefined) > 0 {
		fmt.Fprintf(&b, "Undefined:   %s\n", strings.Join(r.Proportions.Undefined, ", "))
	}
	if r.Audit != nil {
		fmt.Fprintf(&b, "Audit:       %d entries, head %s\n", r.Audit.Entries, r.Audit.ChainHead)
	}
	if _, err := io.WriteString(w, b.String()); err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, sec := range []struct {
		title  string
		slices []Slice
	}{
		{"PROJECT", r.ByProject},
		{"REGION", r.ByRegion},
		{"PERIOD", r.ByPeriod},
	} {
		fmt.Fprintf(tw, "\n%s\tRECORDS\tCOMPLIANT\tAPPROVED\tBUDGET\tPROPORTION\tCLASS\n", sec.title)
		for _, s := range sec.slices {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
				s.Key, s.Records, s.Compliant, s.Approved, s.Budget, s.Proportion.StringFixed(4), s.Classification)
		}
	}
	if len(r.Violations) > 0 {
		fmt.Fprintf(tw, "\nVIOLATION\tRULE\tSEVERITY\tREQUIRED\tREASON\n")
		for _, v := range r.Violations {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%s\n", v.RecordID, v.RuleID, v.Severity, v.Required, v.Reason)
		}
	}
	for _, rej := range r.Rejected {
		fmt.Fprintf(tw, "\nREJECTED\t%s\n", rej)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	result := "✅ " + r.Status
	if !r.Compliant() {
		result = "❌ " + r.Status
	}
	_, err := fmt.Fprintf(w, "\nResult: %s\n", result)
	return err
}

const summarySheet = "Summary"

// WriteXLSX renders r as a workbook with Summary, Projects, Regions, Periods
// and Violations sheets.
func WriteXLSX(w io.Writer, r *Report) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return err
	}
	summary := [][]any{
		{"Run ID", r.RunID},
		{"Timestamp", r.Timestamp.Format("2006-01-02T15:04:05Z")},
		{"As of", r.AsOf.Format("2006-01-02")},
		{"Status", r.Status},
		{"Compliance score", r.ComplianceScore.String()},
		{"Records evaluated", r.RecordsEvaluated},
		{"Records compliant", r.RecordsCompliant},
		{"Records rejected", r.RecordsRejected},
		{"Rules checked", strings.Join(r.RulesChecked, ", ")},
		{"Pooled proportion", r.Proportions.Pooled.String()},
		{"Ratio sum", r.Proportions.RatioSum.String()},
		{"Classification", string(r.Classification)},
		{"Rolling proportion", r.Rolling.Proportion.String()},
		{"Quarter over quarter", r.QuarterOverQuarter.Change.String()},
		{"Division undefined", strings.Join(r.Proportions.Undefined, ", ")},
	}
	if err := writeRows(f, summarySheet, summary); err != nil {
		return err
	}

	header := []any{"Key", "Records", "Compliant", "Approved", "Budget", "Proportion", "Classification"}
	for _, sec := range []struct {
		sheet  string
		slices []Slice
	}{
		{"Projects", r.ByProject},
		{"Regions", r.ByRegion},
		{"Periods", r.ByPeriod},
	} {
		rows := [][]any{header}
		for _, s := range sec.slices {
			approved, _ := s.Approved.Float64()
			budget, _ := s.Budget.Float64()
			rows = append(rows, []any{s.Key, s.Records, s.Compliant, approved, budget, s.Proportion.String(), string(s.Classification)})
		}
		if err := writeSheet(f, sec.sheet, rows); err != nil {
			return err
		}
	}

	rows := [][]any{{"Record", "Project", "Rule", "Severity", "Required", "Reason"}}
	for _, v := range r.Violations {
		rows = append(rows, []any{v.RecordID, v.ProjectID, v.RuleID, v.Severity, v.Required, v.Reason})
	}
	if err := writeSheet(f, "Violations", rows); err != nil {
		return err
	}
	return f.Write(w)
}

func writeSheet(f *excelize.File, sheet string, rows [][]any) error {
	if _, err := f.NewSheet(sheet); err != nil {
		return err
	}
	return writeRows(f, sheet, rows)
}

func writeRows(f *excelize.File, sheet string, rows [][]any) error {
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return err
		}
	}
	return nil
}
