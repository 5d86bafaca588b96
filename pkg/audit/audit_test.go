package audit

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type payload struct {
	RecordID string `json:"record_id"`
	Passed   bool   `json:"passed"`
	Reason   string `json:"reason"`
}

func fixedClock() func() time.Time {
	t := time.Date(2025, 1, 15, 9, 30, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func openMemory(t *testing.T) (*Log, *MemorySink) {
	t.Helper()
	sink := NewMemorySink()
	l, err := Open(context.Background(), sink, WithClock(fixedClock()))
	require.NoError(t, err)
	return l, sink
}

func collect(t *testing.T, l *Log) []*Entry {
	t.Helper()
	var out []*Entry
	for e, err := range l.ReadAll(context.Background()) {
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestAppend_ChainsFromGenesis(t *testing.T) {
	l, _ := openMemory(t)
	ctx := context.Background()

	e1, err := l.Append(ctx, "auditor", "P1@2024-06-01", payload{"P1@2024-06-01", true, "status Active"})
	require.NoError(t, err)
	e2, err := l.Append(ctx, "auditor", "P2@2024-06-01", payload{"P2@2024-06-01", false, "a & b < c"})
	require.NoError(t, err)

	assert.Equal(t, uint64(1), e1.Sequence)
	assert.Equal(t, GenesisHash, e1.PreviousHash)
	assert.Equal(t, uint64(2), e2.Sequence)
	assert.Equal(t, e1.EntryHash, e2.PreviousHash)
	assert.Equal(t, `{"passed":false,"reason":"a & b < c","record_id":"P2@2024-06-01"}`, string(e2.Payload))

	seq, head := l.Head()
	assert.Equal(t, uint64(2), seq)
	assert.Equal(t, e2.EntryHash, head)
	require.NoError(t, l.VerifyChain(ctx))
}

func TestVerify_DetectsPayloadTamper(t *testing.T) {
	l, sink := openMemory(t)
	e, err := l.Append(context.Background(), "auditor", "R", payload{"R", true, "ok"})
	require.NoError(t, err)
	require.NoError(t, Verify(e))

	for i := range e.Payload {
		tampered := cloneEntry(e)
		tampered.Payload[i] ^= 0x01
		err := Verify(&tampered)
		require.ErrorIs(t, err, ErrIntegrity, "byte %d", i)
	}

	sink.entries[0].Payload[2] ^= 0x20
	err = l.VerifyChain(context.Background())
	var ie *IntegrityError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, uint64(1), ie.Sequence)
}

func TestVerify_DetectsMetadataTamper(t *testing.T) {
	l, _ := openMemory(t)
	e, err := l.Append(context.Background(), "auditor", "R", payload{"R", true, "ok"})
	require.NoError(t, err)

	forged := cloneEntry(e)
	forged.Actor = "someone-else"
	assert.ErrorIs(t, Verify(&forged), ErrIntegrity)
}

func TestAppend_ConcurrentIsGapFree(t *testing.T) {
	l, _ := openMemory(t)
	ctx := context.Background()

	const workers, perWorker = 16, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id := fmt.Sprintf("P%d@%d", w, i)
				_, err := l.Append(ctx, "auditor", id, payload{RecordID: id, Passed: true})
				assert.NoError(t, err)
			}
		}(w)
	}

	// Readers run alongside appenders and always see an ordered prefix.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 20; i++ {
			var last uint64
			for e, err := range l.ReadAll(ctx) {
				if !assert.NoError(t, err) {
					return
				}
				assert.Equal(t, last+1, e.Sequence)
				last = e.Sequence
			}
		}
	}()
	wg.Wait()
	<-done

	entries := collect(t, l)
	require.Len(t, entries, workers*perWorker)
	for i, e := range entries {
		assert.Equal(t, uint64(i+1), e.Sequence)
	}
	require.NoError(t, l.VerifyChain(ctx))
}

func TestAppend_SinkFailureIsFatalAndLeavesNoGap(t *testing.T) {
	l, sink := openMemory(t)
	ctx := context.Background()

	_, err := l.Append(ctx, "auditor", "A", payload{RecordID: "A"})
	require.NoError(t, err)

	sink.FailWrites = true
	e, err := l.Append(ctx, "auditor", "B", payload{RecordID: "B"})
	assert.Nil(t, e)
	require.ErrorIs(t, err, ErrUnavailable)

	sink.FailWrites = false
	e, err = l.Append(ctx, "auditor", "C", payload{RecordID: "C"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Sequence)
	require.NoError(t, l.VerifyChain(ctx))
}

func TestAppend_CancelledContextWritesNothing(t *testing.T) {
	l, _ := openMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Append(ctx, "auditor", "A", payload{RecordID: "A"})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(0), l.Len())
}

func TestReadAll_Restartable(t *testing.T) {
	l, _ := openMemory(t)
	ctx := context.Background()
	_, err := l.Append(ctx, "a", "1", payload{RecordID: "1"})
	require.NoError(t, err)

	seq := l.ReadAll(ctx)
	count := func() int {
		n := 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
		}
		return n
	}
	assert.Equal(t, 1, count())
	_, err = l.Append(ctx, "a", "2", payload{RecordID: "2"})
	require.NoError(t, err)
	assert.Equal(t, 2, count())
}

func TestOpen_NilSink(t *testing.T) {
	_, err := Open(context.Background(), nil)
	assert.ErrorIs(t, err, ErrSinkNotConfigured)
}

func TestFileSink_ResumeAndVerify(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "audit.jsonl")
	ctx := context.Background()

	sink, err := NewFileSink(path)
	require.NoError(t, err)
	l, err := Open(ctx, sink)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := l.Append(ctx, "auditor", fmt.Sprintf("R%d", i), payload{RecordID: fmt.Sprintf("R%d", i), Reason: "<&>"})
		require.NoError(t, err)
	}
	require.NoError(t, sink.Close())

	sink2, err := NewFileSink(path)
	require.NoError(t, err)
	defer sink2.Close()
	l2, err := Open(ctx, sink2)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), l2.Len())

	e, err := l2.Append(ctx, "auditor", "R3", payload{RecordID: "R3"})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), e.Sequence)
	require.NoError(t, l2.VerifyChain(ctx))
}

func TestFileSink_InFlightLineNotRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	l, err := Open(ctx, sink)
	require.NoError(t, err)
	_, err = l.Append(ctx, "auditor", "R1", payload{RecordID: "R1", Passed: true})
	require.NoError(t, err)

	// Simulate a reader racing a second append that has not finished its line.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"sequence":2,"record_id":"R2","con`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	assert.Len(t, collect(t, l), 1)
	var seen []uint64
	for e, err := range sink.Entries(ctx, ^uint64(0)) {
		require.NoError(t, err)
		seen = append(seen, e.Sequence)
	}
	assert.Equal(t, []uint64{1}, seen)
	require.NoError(t, l.VerifyChain(ctx))
	require.NoError(t, sink.Close())

	// Reopening drops the unterminated tail and the chain resumes at 2.
	sink2, err := NewFileSink(path)
	require.NoError(t, err)
	defer sink2.Close()
	l2, err := Open(ctx, sink2)
	require.NoError(t, err)
	e, err := l2.Append(ctx, "auditor", "R2", payload{RecordID: "R2"})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), e.Sequence)
	require.NoError(t, l2.VerifyChain(ctx))
}

func TestFileSink_TamperedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	ctx := context.Background()
	sink, err := NewFileSink(path)
	require.NoError(t, err)
	defer sink.Close()
	l, err := Open(ctx, sink)
	require.NoError(t, err)
	_, err = l.Append(ctx, "auditor", "R", payload{RecordID: "R", Passed: true})
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	forged := append([]byte(nil), data...)
	idx := bytes.Index(forged, []byte(`"passed":true`))
	require.GreaterOrEqual(t, idx, 0)
	copy(forged[idx:], []byte(`"passed":!rue`))
	require.NoError(t, os.WriteFile(path, forged, 0o600))
	assert.ErrorIs(t, l.VerifyChain(ctx), ErrIntegrity)

	// Still valid JSON, so only the hash check can catch it.
	copy(forged[idx:], []byte(`"passed":null`))
	require.NoError(t, os.WriteFile(path, forged, 0o600))
	assert.ErrorIs(t, l.VerifyChain(ctx), ErrIntegrity)
}

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLSink_SQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	sink := NewSQLSink(db, DialectSQLite)
	require.NoError(t, sink.Init(ctx))
	require.NoError(t, sink.Init(ctx), "init is idempotent")

	l, err := Open(ctx, sink, WithClock(fixedClock()))
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err := l.Append(ctx, "auditor", fmt.Sprintf("R%d", i), payload{RecordID: fmt.Sprintf("R%d", i)})
		require.NoError(t, err)
	}
	require.NoError(t, l.VerifyChain(ctx))

	reopened, err := Open(ctx, NewSQLSink(db, DialectSQLite))
	require.NoError(t, err)
	seq, head := reopened.Head()
	_, wantHead := l.Head()
	assert.Equal(t, uint64(5), seq)
	assert.Equal(t, wantHead, head)

	_, err = db.ExecContext(ctx, `UPDATE audit_entries SET actor = 'x' WHERE sequence = 1`)
	assert.Error(t, err, "entries are append-only")
	_, err = db.ExecContext(ctx, `DELETE FROM audit_entries`)
	assert.Error(t, err, "entries are append-only")
}

func TestSQLSink_DuplicateSequenceRejected(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	sink := NewSQLSink(db, DialectSQLite)
	require.NoError(t, sink.Init(ctx))

	a, err := Open(ctx, sink)
	require.NoError(t, err)
	b, err := Open(ctx, sink)
	require.NoError(t, err)

	_, err = a.Append(ctx, "a", "R1", payload{RecordID: "R1"})
	require.NoError(t, err)
	// A second writer with a stale head cannot claim the same sequence.
	_, err = b.Append(ctx, "b", "R2", payload{RecordID: "R2"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSQLSink_PostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	sink := NewSQLSink(db, DialectPostgres)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_entries").WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, sink.Init(context.Background()))

	e := &Entry{
		EntryID: "id-1", Sequence: 1, Timestamp: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Actor: "auditor", RecordID: "R", Payload: []byte(`{}`),
		ContentHash: "sha256:c", PreviousHash: GenesisHash, EntryHash: "sha256:e",
	}
	mock.ExpectExec(`INSERT INTO audit_entries .* VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9\)`).
		WithArgs(int64(1), "id-1", "2025-01-01T00:00:00Z", "auditor", "R", "{}", "sha256:c", GenesisHash, "sha256:e").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, sink.Write(context.Background(), e))

	mock.ExpectQuery("SELECT .* FROM audit_entries ORDER BY sequence DESC LIMIT 1").
		WillReturnRows(sqlmock.NewRows([]string{"sequence"}))
	last, err := sink.Last(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSink_WriteFailureSurfacesAsUnavailable(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT .* FROM audit_entries").WillReturnRows(sqlmock.NewRows([]string{"sequence"}))
	mock.ExpectExec("INSERT INTO audit_entries").WillReturnError(errors.New("connection reset"))

	l, err := Open(context.Background(), NewSQLSink(db, DialectPostgres))
	require.NoError(t, err)
	_, err = l.Append(context.Background(), "auditor", "R", payload{RecordID: "R"})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, uint64(0), l.Len())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestBundle_ExportVerifyPack(t *testing.T) {
	l, _ := openMemory(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		actor := "alice"
		if i%2 == 1 {
			actor = "bob"
		}
		_, err := l.Append(ctx, actor, fmt.Sprintf("R%d", i), payload{RecordID: fmt.Sprintf("R%d", i), Reason: "x & y"})
		require.NoError(t, err)
	}

	all, err := l.ExportBundle(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 4, all.EntryCount)
	require.NoError(t, VerifyBundle(all))

	bobs, err := l.ExportBundle(ctx, Filter{Actor: "bob"})
	require.NoError(t, err)
	assert.Equal(t, 2, bobs.EntryCount)
	require.NoError(t, VerifyBundle(bobs))

	_, err = l.ExportBundle(ctx, Filter{Actor: "carol"})
	assert.ErrorIs(t, err, ErrEmptyBundle)

	zipped, checksum, err := Pack(all)
	require.NoError(t, err)
	assert.Equal(t, computeHash(zipped), checksum)
	assert.Len(t, strings.TrimPrefix(checksum, "sha256:"), 64)
	back, err := Unpack(zipped)
	require.NoError(t, err)
	require.NoError(t, VerifyBundle(back))
	assert.Equal(t, all.ChainHead, back.ChainHead)

	back.Entries[1].Payload = []byte(`{"record_id":"R1"}`)
	assert.ErrorIs(t, VerifyBundle(back), ErrIntegrity)
}
