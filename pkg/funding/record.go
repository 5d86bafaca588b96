// Package funding defines the canonical funding record evaluated by the
// compliance pipeline.
package funding

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the calendar-date layout used for record ids and reports.
const DateLayout = "2006-01-02"

// ErrDivisionUndefined is returned when a proportion is requested for a
// record whose total budget is zero.
var ErrDivisionUndefined = errors.New("funding: proportion undefined (total_budget is zero)")

// ErrUnknownStatus is returned by ParseStatus for values outside the enum.
var ErrUnknownStatus = errors.New("funding: unknown status")

// Status is the lifecycle state of a funded project.
type Status string

const (
	StatusActive    Status = "Active"
	StatusClosed    Status = "Closed"
	StatusSuspended Status = "Suspended"
)

// ParseStatus maps a status string (any case) to a Status.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return StatusActive, nil
	case "closed":
		return StatusClosed, nil
	case "suspended":
		return StatusSuspended, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

// Record is one project funding entry within a reporting period.
type Record struct {
	ProjectID       string          `json:"project_id"`
	ApprovedFunding decimal.Decimal `json:"approved_funding"`
	TotalBudget     decimal.Decimal `json:"total_budget"`
	Status          Status          `json:"status"`
	SecurityLevel   int             `json:"security_level"`
	Date            time.Time       `json:"date"`
	RegionID        string          `json:"region_id"`
}

// ID identifies the record within a run: project id plus calendar date.
func (r Record) ID() string {
	return r.ProjectID + "@" + r.Date.Format(DateLayout)
}

// Proportion returns approved_funding / total_budget.
func (r Record) Proportion() (decimal.Decimal, error) {
	if r.TotalBudget.IsZero() {
		return decimal.Zero, ErrDivisionUndefined
	}
	return r.ApprovedFunding.Div(r.TotalBudget), nil
}

// CivilDate truncates t to midnight UTC of its calendar day.
func CivilDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysBetween returns the whole calendar days from a to b (negative when b is before a).
func DaysBetween(a, b time.Time) int {
	return int(CivilDate(b).Sub(CivilDate(a)).Hours() / 24)
}
