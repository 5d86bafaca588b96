package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
)

// CSVSource reads a delimited file with a header row. The file is opened
// afresh on every iteration.
type CSVSource struct {
	Path  string
	Comma rune
}

func (s CSVSource) Rows(ctx context.Context) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		f, err := os.Open(s.Path)
		if err != nil {
			yield(nil, fmt.Errorf("open %s: %w", s.Path, err))
			return
		}
		defer f.Close()
		readCSV(ctx, f, s.Comma, yield)
	}
}

// ReaderSource reads CSV from a reader factory, e.g. an embedded dataset.
type ReaderSource struct {
	Open  func() (io.ReadCloser, error)
	Comma rune
}

func (s ReaderSource) Rows(ctx context.Context) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		rc, err := s.Open()
		if err != nil {
			yield(nil, err)
			return
		}
		defer rc.Close()
		readCSV(ctx, rc, s.Comma, yield)
	}
}

func readCSV(ctx context.Context, r io.Reader, comma rune, yield func(Row, error) bool) {
	cr := csv.NewReader(r)
	if comma != 0 {
		cr.Comma = comma
	}
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return
		}
		yield(nil, fmt.Errorf("read header: %w", err))
		return
	}
	rowNum := 0
	for {
		if err := ctx.Err(); err != nil {
			yield(nil, err)
			return
		}
		fields, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return
		}
		// A malformed line is a bad row, not a broken source; the reader
		// resumes at the next record.
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			rowNum++
			if !yield(nil, &SchemaError{Row: rowNum, Reason: perr.Error()}) {
				return
			}
			continue
		}
		if err != nil {
			yield(nil, err)
			return
		}
		if blankLine(fields) {
			continue
		}
		rowNum++
		row := make(Row, len(header))
		for i, col := range header {
			if i < len(fields) {
				row[col] = fields[i]
			}
		}
		if !yield(row, nil) {
			return
		}
	}
}

func blankLine(fields []string) bool {
	for _, f := range fields {
		if f != "" {
			return false
		}
	}
	return true
}
