package ingest

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrSchema matches every *SchemaError.
	ErrSchema = errors.New("ingest: schema error")
	// ErrInvariant matches every *InvariantViolation.
	ErrInvariant = errors.New("ingest: invariant violation")
	// ErrSource wraps failures of the underlying data source.
	ErrSource = errors.New("ingest: source unavailable")
)

// SchemaError reports a missing field or a value that failed coercion.
type SchemaError struct {
	Row    int
	Field  string
	Value  any
	Reason string
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("ingest: row %d: %s", e.Row, e.Reason)
	}
	if e.Value != nil {
		return fmt.Sprintf("ingest: row %d: field %s (%v): %s", e.Row, e.Field, e.Value, e.Reason)
	}
	return fmt.Sprintf("ingest: row %d: field %s: %s", e.Row, e.Field, e.Reason)
}

func (e *SchemaError) Is(target error) bool { return target == ErrSchema }

// InvariantViolation reports a record whose approved funding exceeds its budget.
type InvariantViolation struct {
	Row             int
	RecordID        string
	ApprovedFunding decimal.Decimal
	TotalBudget     decimal.Decimal
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("ingest: row %d: record %s: approved_funding %s exceeds total_budget %s",
		e.Row, e.RecordID, e.ApprovedFunding, e.TotalBudget)
}

func (e *InvariantViolation) Is(target error) bool { return target == ErrInvariant }
