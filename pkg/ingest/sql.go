package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
)

// SQLSource runs Query against DB on every iteration and yields one row per
// result row keyed by column name.
type SQLSource struct {
	DB    *sql.DB
	Query string
	Args  []any
}

func (s SQLSource) Rows(ctx context.Context) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		rows, err := s.DB.QueryContext(ctx, s.Query, s.Args...)
		if err != nil {
			yield(nil, fmt.Errorf("query: %w", err))
			return
		}
		defer rows.Close()

		cols, err := rows.Columns()
		if err != nil {
			yield(nil, err)
			return
		}
		for rows.Next() {
			vals := make([]any, len(cols))
			ptrs := make([]any, len(cols))
			for i := range vals {
				ptrs[i] = &vals[i]
			}
			if err := rows.Scan(ptrs...); err != nil {
				yield(nil, err)
				return
			}
			row := make(Row, len(cols))
			for i, c := range cols {
				if b, ok := vals[i].([]byte); ok {
					row[c] = string(b)
				} else {
					row[c] = vals[i]
				}
			}
			if !yield(row, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}
