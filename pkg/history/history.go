// Package history keeps the append-only record history consulted by
// frequency and review-interval rules.
package history

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/Mindburn-Labs/fundaudit/pkg/funding"
)

// ErrUnavailable is returned when the backing store cannot be reached.
var ErrUnavailable = errors.New("history: store unavailable")

// Store is an append-only per-project record history.
type Store interface {
	// Append records rec. Appending a record id that is already present
	// replaces nothing and is not an error.
	Append(ctx context.Context, rec funding.Record) error
	// Prior returns the project's records dated strictly before date,
	// ascending by date.
	Prior(ctx context.Context, projectID string, before time.Time) ([]funding.Record, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string][]funding.Record
	seen     map[string]struct{}
}

// NewMemoryStore creates an empty history.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string][]funding.Record),
		seen:     make(map[string]struct{}),
	}
}

func (s *MemoryStore) Append(_ context.Context, rec funding.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[rec.ID()]; ok {
		return nil
	}
	s.seen[rec.ID()] = struct{}{}

	recs := s.projects[rec.ProjectID]
	i := sort.Search(len(recs), func(i int) bool { return recs[i].Date.After(rec.Date) })
	recs = append(recs, funding.Record{})
	copy(recs[i+1:], recs[i:])
	recs[i] = rec
	s.projects[rec.ProjectID] = recs
	return nil
}

func (s *MemoryStore) Prior(_ context.Context, projectID string, before time.Time) ([]funding.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	recs := s.projects[projectID]
	cut := funding.CivilDate(before)
	n := sort.Search(len(recs), func(i int) bool { return !recs[i].Date.Before(cut) })
	out := make([]funding.Record, n)
	copy(out, recs[:n])
	return out, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}
