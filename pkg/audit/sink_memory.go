package audit

import (
	"context"
	"errors"
	"iter"
	"sync"
)

// MemorySink keeps entries in process memory.
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
	// FailWrites makes every Write fail; used to exercise fail-closed paths.
	FailWrites bool
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

var errMemoryWrite = errors.New("memory sink: write refused")

func (s *MemorySink) Write(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites {
		return errMemoryWrite
	}
	s.entries = append(s.entries, cloneEntry(e))
	return nil
}

func (s *MemorySink) Entries(ctx context.Context, upTo uint64) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		s.mu.RLock()
		snapshot := s.entries[:len(s.entries):len(s.entries)]
		s.mu.RUnlock()

		for i := range snapshot {
			if snapshot[i].Sequence > upTo {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			e := cloneEntry(&snapshot[i])
			if !yield(&e, nil) {
				return
			}
		}
	}
}

func (s *MemorySink) Last(_ context.Context) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.entries) == 0 {
		return nil, nil
	}
	e := cloneEntry(&s.entries[len(s.entries)-1])
	return &e, nil
}

func cloneEntry(e *Entry) Entry {
	out := *e
	out.Payload = append([]byte(nil), e.Payload...)
	return out
}
