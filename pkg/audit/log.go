package audit

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/fundaudit/pkg/canonicalize"
)

// Sink is the durable append-only store behind a Log.
type Sink interface {
	// Write persists e. It must either store the complete entry or nothing.
	Write(ctx context.Context, e *Entry) error
	// Entries yields stored entries with sequence <= upTo in ascending order.
	Entries(ctx context.Context, upTo uint64) iter.Seq2[*Entry, error]
	// Last returns the highest-sequence entry, or nil for an empty sink.
	Last(ctx context.Context) (*Entry, error)
}

// Log assigns sequence numbers, chains hashes and writes entries to a Sink.
// Appends are serialized; reads take a snapshot of the committed prefix and
// never wait on an in-flight append.
type Log struct {
	mu        sync.Mutex
	sink      Sink
	sequence  uint64
	chainHead string
	committed atomic.Uint64
	clock     func() time.Time
	logger    *slog.Logger
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the timestamp source.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// Open resumes the log stored in sink.
func Open(ctx context.Context, sink Sink, opts ...Option) (*Log, error) {
	if sink == nil {
		return nil, ErrSinkNotConfigured
	}
	l := &Log{
		sink:      sink,
		chainHead: GenesisHash,
		clock:     time.Now,
		logger:    slog.Default().With("component", "audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	last, err := sink.Last(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	if last != nil {
		l.sequence = last.Sequence
		l.chainHead = last.EntryHash
		l.committed.Store(last.Sequence)
	}
	return l, nil
}

// Append records payload for recordID on behalf of actor. The payload is
// stored in RFC 8785 canonical form. The sequence only advances once the
// sink has confirmed the write.
func (l *Log) Append(ctx context.Context, actor, recordID string, payload any) (*Entry, error) {
	canonical, err := canonicalize.JCS(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to serialize payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry := &Entry{
		EntryID:      uuid.New().String(),
		Sequence:     l.sequence + 1,
		Timestamp:    l.clock().UTC(),
		Actor:        actor,
		RecordID:     recordID,
		Payload:      canonical,
		ContentHash:  computeHash(canonical),
		PreviousHash: l.chainHead,
	}
	entry.EntryHash, err = computeEntryHash(entry)
	if err != nil {
		return nil, fmt.Errorf("audit: %w", err)
	}

	if err := l.sink.Write(ctx, entry); err != nil {
		l.logger.ErrorContext(ctx, "audit append failed", "record_id", recordID, "sequence", entry.Sequence, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	l.sequence = entry.Sequence
	l.chainHead = entry.EntryHash
	l.committed.Store(entry.Sequence)
	return entry, nil
}

// ReadAll yields every committed entry in ascending sequence order. Each
// iteration re-reads the sink, bounded by the sequence committed when the
// iteration started.
func (l *Log) ReadAll(ctx context.Context) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		l.readUpTo(ctx, l.committed.Load())(yield)
	}
}

func (l *Log) readUpTo(ctx context.Context, upTo uint64) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		if upTo == 0 {
			return
		}
		for e, err := range l.sink.Entries(ctx, upTo) {
			if err != nil {
				if !errors.Is(err, ErrIntegrity) {
					err = fmt.Errorf("%w: %w", ErrUnavailable, err)
				}
				yield(nil, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// VerifyChain checks every committed entry: hashes, links and gap-free
// sequence numbers.
func (l *Log) VerifyChain(ctx context.Context) error {
	want := l.committed.Load()
	expectedPrev := GenesisHash
	var expectedSeq uint64 = 1
	for e, err := range l.readUpTo(ctx, want) {
		if err != nil {
			return err
		}
		if e.Sequence != expectedSeq {
			return &IntegrityError{Sequence: e.Sequence, EntryID: e.EntryID,
				Reason: fmt.Sprintf("sequence gap: expected %d", expectedSeq)}
		}
		if e.PreviousHash != expectedPrev {
			return &IntegrityError{Sequence: e.Sequence, EntryID: e.EntryID,
				Reason: fmt.Sprintf("chain broken: previous_hash %s, expected %s", e.PreviousHash, expectedPrev)}
		}
		if err := Verify(e); err != nil {
			return err
		}
		expectedPrev = e.EntryHash
		expectedSeq++
	}
	if expectedSeq-1 != want {
		return &IntegrityError{Sequence: expectedSeq, Reason: fmt.Sprintf("log truncated: read %d of %d entries", expectedSeq-1, want)}
	}
	return nil
}

// Head returns the committed sequence number and chain head hash.
func (l *Log) Head() (uint64, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sequence, l.chainHead
}

// Len returns the number of committed entries.
func (l *Log) Len() uint64 {
	return l.committed.Load()
}
