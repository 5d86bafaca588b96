package ingest

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var folder = cases.Fold()

// CanonicalColumn folds a source column name into snake_case lower form:
// "Approved Funding", "approvedFunding" and "APPROVED-FUNDING" all become
// "approved_funding".
func CanonicalColumn(name string) string {
	s := norm.NFKC.String(strings.TrimSpace(name))

	var b strings.Builder
	b.Grow(len(s) + 4)
	prevLower := false
	for _, r := range s {
		switch {
		case r == ' ' || r == '-' || r == '.' || r == '/':
			b.WriteByte('_')
			prevLower = false
		case unicode.IsUpper(r):
			if prevLower {
				b.WriteByte('_')
			}
			b.WriteRune(r)
			prevLower = false
		default:
			b.WriteRune(r)
			prevLower = unicode.IsLower(r) || unicode.IsDigit(r)
		}
	}

	out := folder.String(b.String())
	for strings.Contains(out, "__") {
		out = strings.ReplaceAll(out, "__", "_")
	}
	return strings.Trim(out, "_")
}

// parseDecimal accepts numbers and user-formatted strings such as
// "1,250.00", "USD 20,000" or "$ 1 000".
func parseDecimal(v any) (decimal.Decimal, error) {
	switch n := v.(type) {
	case decimal.Decimal:
		return n, nil
	case int:
		return decimal.NewFromInt(int64(n)), nil
	case int64:
		return decimal.NewFromInt(n), nil
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return decimal.Zero, fmt.Errorf("not a finite number")
		}
		return decimal.NewFromFloat(n), nil
	case []byte:
		return parseDecimal(string(n))
	case string:
		s := strings.TrimSpace(n)
		neg := false
		if strings.HasPrefix(s, "-") {
			neg = true
			s = s[1:]
		}
		var b strings.Builder
		b.Grow(len(s))
		for _, r := range s {
			if (r >= '0' && r <= '9') || r == '.' {
				b.WriteRune(r)
			} else if r == '-' {
				neg = true
			}
		}
		clean := b.String()
		if clean == "" {
			return decimal.Zero, fmt.Errorf("no digits")
		}
		if neg {
			clean = "-" + clean
		}
		return decimal.NewFromString(clean)
	case nil:
		return decimal.Zero, fmt.Errorf("empty value")
	}
	return decimal.Zero, fmt.Errorf("unsupported type %T", v)
}

func parseInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer")
		}
		return int(n), nil
	case []byte:
		return parseInt(string(n))
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.Atoi(s); err == nil {
			return i, nil
		}
		// Spreadsheets frequently export integers as "2.0".
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer")
		}
		return parseInt(f)
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

var dateLayouts = []string{
	"2006-01-02",
	"2006/01/02",
	"02/01/2006",
	"2006-01-02 15:04:05",
	time.RFC3339,
	time.RFC3339Nano,
}

// spreadsheetEpoch is day zero of the 1900 date system as used by Excel
// (accounting for its fictitious 1900-02-29).
var spreadsheetEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

func parseDate(v any) (time.Time, error) {
	switch d := v.(type) {
	case time.Time:
		if d.IsZero() {
			return time.Time{}, fmt.Errorf("zero date")
		}
		return toCivil(d), nil
	case float64:
		return serialDate(d)
	case int:
		return serialDate(float64(d))
	case int64:
		return serialDate(float64(d))
	case []byte:
		return parseDate(string(d))
	case string:
		s := strings.TrimSpace(d)
		if s == "" {
			return time.Time{}, fmt.Errorf("empty value")
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return toCivil(t), nil
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return serialDate(f)
		}
		return time.Time{}, fmt.Errorf("unrecognised date format")
	}
	return time.Time{}, fmt.Errorf("unsupported type %T", v)
}

func serialDate(f float64) (time.Time, error) {
	if f < 1 || f > 2958465 || math.IsNaN(f) {
		return time.Time{}, fmt.Errorf("serial date out of range")
	}
	return spreadsheetEpoch.AddDate(0, 0, int(f)), nil
}

func toCivil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	case []byte:
		return strings.TrimSpace(string(s))
	}
	return strings.TrimSpace(fmt.Sprint(v))
}
