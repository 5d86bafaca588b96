package ingest

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"

	"github.com/Mindburn-Labs/fundaudit/pkg/funding"
)

// Source yields raw rows. Each call to Rows must re-read the underlying
// dataset so iteration is restartable.
type Source interface {
	Rows(ctx context.Context) iter.Seq2[Row, error]
}

// SliceSource serves rows held in memory.
type SliceSource []Row

func (s SliceSource) Rows(ctx context.Context) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		for _, r := range s {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			cp := make(Row, len(r))
			for k, v := range r {
				cp[k] = v
			}
			if !yield(cp, nil) {
				return
			}
		}
	}
}

// Records normalizes every row of src. Per-row schema and invariant errors are
// yielded in place of the record and iteration continues; a source failure
// is yielded once wrapped in ErrSource and ends the sequence. A second row
// with the record id of an accepted row is rejected as a SchemaError.
func Records(ctx context.Context, src Source, n *Normalizer) iter.Seq2[funding.Record, error] {
	if n == nil {
		n = NewNormalizer(nil)
	}
	return func(yield func(funding.Record, error) bool) {
		logger := slog.Default().With("component", "ingest")
		rowNum := 0
		seen := make(map[string]int)
		for row, err := range src.Rows(ctx) {
			switch {
			case err == nil:
			case isRowError(err):
				// The source could not decode this row but can go on.
				rowNum++
				logger.WarnContext(ctx, "row rejected", "row", rowNum, "error", err)
				if !yield(funding.Record{}, err) {
					return
				}
				continue
			case ctx.Err() != nil:
				yield(funding.Record{}, ctx.Err())
				return
			default:
				yield(funding.Record{}, fmt.Errorf("%w: %w", ErrSource, err))
				return
			}
			rowNum++
			rec, err := n.Normalize(row, rowNum)
			if err == nil {
				if first, dup := seen[rec.ID()]; dup {
					err = &SchemaError{Row: rowNum, Field: FieldProjectID, Value: rec.ProjectID,
						Reason: fmt.Sprintf("duplicate record %s (first at row %d)", rec.ID(), first)}
				} else {
					seen[rec.ID()] = rowNum
				}
			}
			if err != nil {
				logger.WarnContext(ctx, "row rejected", "row", rowNum, "error", err)
				rec = funding.Record{}
			}
			if !yield(rec, err) {
				return
			}
		}
	}
}

// Collect drains Records into accepted records and per-row errors. Only a
// source failure or cancellation is returned as err.
func Collect(ctx context.Context, src Source, n *Normalizer) (recs []funding.Record, rejected []error, err error) {
	for rec, rerr := range Records(ctx, src, n) {
		if rerr != nil {
			if isRowError(rerr) {
				rejected = append(rejected, rerr)
				continue
			}
			return recs, rejected, rerr
		}
		recs = append(recs, rec)
	}
	return recs, rejected, nil
}

func isRowError(err error) bool {
	return errors.Is(err, ErrSchema) || errors.Is(err, ErrInvariant)
}
