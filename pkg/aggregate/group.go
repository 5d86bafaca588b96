package aggregate

import (
	"time"

	"github.com/Mindburn-Labs/fundaudit/pkg/funding"
)

// Group is a keyed subset of records.
type Group struct {
	Key     string           `json:"key"`
	Records []funding.Record `json:"-"`
}

// Period selects the bucket used by ByPeriod.
type Period string

const (
	Monthly   Period = "month"
	Quarterly Period = "quarter"
	Yearly    Period = "year"
)

// Key returns the bucket label for t.
func (p Period) Key(t time.Time) string {
	switch p {
	case Quarterly:
		return QuarterOf(t).String()
	case Yearly:
		return t.Format("2006")
	}
	return t.Format("2006-01")
}

// GroupBy partitions records by key, groups in first-seen order.
func GroupBy(records []funding.Record, key func(funding.Record) string) []Group {
	index := make(map[string]int)
	var groups []Group
	for _, r := range records {
		k := key(r)
		i, ok := index[k]
		if !ok {
			i = len(groups)
			index[k] = i
			groups = append(groups, Group{Key: k})
		}
		groups[i].Records = append(groups[i].Records, r)
	}
	return groups
}

// ByRegion groups records by region id.
func ByRegion(records []funding.Record) []Group {
	return GroupBy(records, func(r funding.Record) string { return r.RegionID })
}

// ByProject groups records by project id.
func ByProject(records []funding.Record) []Group {
	return GroupBy(records, func(r funding.Record) string { return r.ProjectID })
}

// ByPeriod groups records by the period bucket of their date.
func ByPeriod(records []funding.Record, p Period) []Group {
	return GroupBy(records, func(r funding.Record) string { return p.Key(r.Date) })
}
