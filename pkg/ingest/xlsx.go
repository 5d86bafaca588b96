package ingest

import (
	"context"
	"fmt"
	"iter"

	"github.com/xuri/excelize/v2"
)

// XLSXSource reads one worksheet of a workbook; the first row is the header.
// An empty Sheet selects the first worksheet.
type XLSXSource struct {
	Path  string
	Sheet string
}

func (s XLSXSource) Rows(ctx context.Context) iter.Seq2[Row, error] {
	return func(yield func(Row, error) bool) {
		f, err := excelize.OpenFile(s.Path)
		if err != nil {
			yield(nil, fmt.Errorf("open %s: %w", s.Path, err))
			return
		}
		defer f.Close()

		sheet := s.Sheet
		if sheet == "" {
			sheet = f.GetSheetName(0)
		}
		rows, err := f.Rows(sheet)
		if err != nil {
			yield(nil, fmt.Errorf("sheet %q: %w", sheet, err))
			return
		}
		defer rows.Close()

		var header []string
		for rows.Next() {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			// Raw values keep dates as serial numbers instead of locale formats.
			cols, err := rows.Columns(excelize.Options{RawCellValue: true})
			if err != nil {
				yield(nil, err)
				return
			}
			if header == nil {
				header = cols
				continue
			}
			if blankLine(cols) {
				continue
			}
			row := make(Row, len(header))
			for i, col := range header {
				if i < len(cols) {
					row[col] = cols[i]
				}
			}
			if !yield(row, nil) {
				return
			}
		}
		if err := rows.Error(); err != nil {
			yield(nil, err)
		}
	}
}
