package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"time"
)

// Dialect selects placeholder syntax and schema extras.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const createEntriesTable = `
CREATE TABLE IF NOT EXISTS audit_entries (
	sequence BIGINT PRIMARY KEY,
	entry_id TEXT NOT NULL UNIQUE,
	timestamp TEXT NOT NULL,
	actor TEXT NOT NULL,
	record_id TEXT NOT NULL,
	payload TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	previous_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL
)`

// SQLite refuses updates and deletes outright; Postgres deployments are
// expected to grant INSERT/SELECT only on the table.
var sqliteGuards = []string{
	`CREATE TRIGGER IF NOT EXISTS audit_entries_no_update BEFORE UPDATE ON audit_entries
	BEGIN SELECT RAISE(ABORT, 'audit entries are append-only'); END`,
	`CREATE TRIGGER IF NOT EXISTS audit_entries_no_delete BEFORE DELETE ON audit_entries
	BEGIN SELECT RAISE(ABORT, 'audit entries are append-only'); END`,
}

const entryColumns = `sequence, entry_id, timestamp, actor, record_id, payload, content_hash, previous_hash, entry_hash`

// SQLSink stores entries in the audit_entries table. It supports SQLite
// (modernc.org/sqlite) and Postgres (lib/pq).
type SQLSink struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLSink wraps db. Call Init before first use.
func NewSQLSink(db *sql.DB, dialect Dialect) *SQLSink {
	return &SQLSink{db: db, dialect: dialect}
}

// Init creates the schema.
func (s *SQLSink) Init(ctx context.Context) error {
	stmts := []string{createEntriesTable}
	if s.dialect == DialectSQLite {
		stmts = append(stmts, sqliteGuards...)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit: init schema: %w", err)
		}
	}
	return nil
}

func (s *SQLSink) ph(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQLSink) Write(ctx context.Context, e *Entry) error {
	query := fmt.Sprintf(`INSERT INTO audit_entries (%s) VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		entryColumns, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9))
	_, err := s.db.ExecContext(ctx, query,
		int64(e.Sequence), e.EntryID, e.Timestamp.UTC().Format(time.RFC3339Nano), e.Actor, e.RecordID,
		string(e.Payload), e.ContentHash, e.PreviousHash, e.EntryHash,
	)
	return err
}

func (s *SQLSink) Entries(ctx context.Context, upTo uint64) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		query := fmt.Sprintf(`SELECT %s FROM audit_entries WHERE sequence <= %s ORDER BY sequence ASC`, entryColumns, s.ph(1))
		rows, err := s.db.QueryContext(ctx, query, int64(upTo))
		if err != nil {
			yield(nil, err)
			return
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			e, err := scanEntry(rows)
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(e, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, err)
		}
	}
}

func (s *SQLSink) Last(ctx context.Context) (*Entry, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM audit_entries ORDER BY sequence DESC LIMIT 1`, entryColumns))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (*Entry, error) {
	var (
		e       Entry
		seq     int64
		ts      string
		payload string
	)
	if err := sc.Scan(&seq, &e.EntryID, &ts, &e.Actor, &e.RecordID, &payload, &e.ContentHash, &e.PreviousHash, &e.EntryHash); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, &IntegrityError{Sequence: uint64(seq), EntryID: e.EntryID, Reason: "malformed timestamp: " + err.Error()}
	}
	e.Sequence = uint64(seq)
	e.Timestamp = t
	e.Payload = []byte(payload)
	return &e, nil
}
