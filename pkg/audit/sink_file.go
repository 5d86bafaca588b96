package audit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"
)

const maxLineBytes = 16 << 20

// FileSink appends entries as JSON lines and syncs after every write.
type FileSink struct {
	path string
	mu   sync.Mutex
	f    *os.File
}

// NewFileSink creates or opens the JSONL file at path; missing directories are created.
func NewFileSink(path string) (*FileSink, error) {
	if path == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, err
	}
	if err := dropPartialTail(path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, err
	}
	return &FileSink{path: path, f: f}, nil
}

// dropPartialTail truncates an unterminated last line left by an interrupted
// write. Such a line was never synced as a committed entry.
func dropPartialTail(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) || len(data) == 0 {
		return nil
	}
	if err != nil {
		return err
	}
	if data[len(data)-1] == '\n' {
		return nil
	}
	return os.Truncate(path, int64(bytes.LastIndexByte(data, '\n')+1))
}

func (s *FileSink) Write(_ context.Context, e *Entry) error {
	data, err := encodeJSON(e)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return os.ErrClosed
	}
	info, err := s.f.Stat()
	if err != nil {
		return err
	}
	if _, err := s.f.Write(data); err != nil {
		// Drop any partial line so the file stays a sequence of whole entries.
		_ = s.f.Truncate(info.Size())
		return err
	}
	if err := s.f.Sync(); err != nil {
		_ = s.f.Truncate(info.Size())
		return err
	}
	return nil
}

// Entries reads whole lines only. A trailing line without its newline is a
// write still in progress and is not part of the committed prefix.
func (s *FileSink) Entries(ctx context.Context, upTo uint64) iter.Seq2[*Entry, error] {
	return func(yield func(*Entry, error) bool) {
		f, err := os.Open(s.path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return
			}
			yield(nil, err)
			return
		}
		defer f.Close()

		r := bufio.NewReaderSize(f, 64*1024)
		line := 0
		var read uint64
		for read < upTo {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			raw, err := r.ReadBytes('\n')
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			line++
			if len(raw) > maxLineBytes {
				yield(nil, &IntegrityError{Reason: fmt.Sprintf("%s line %d: entry exceeds %d bytes", s.path, line, maxLineBytes)})
				return
			}
			raw = bytes.TrimRight(raw, "\r\n")
			if len(raw) == 0 {
				continue
			}
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				yield(nil, &IntegrityError{Reason: fmt.Sprintf("%s line %d: malformed entry: %v", s.path, line, err)})
				return
			}
			if e.Sequence > upTo {
				return
			}
			read++
			if !yield(&e, nil) {
				return
			}
		}
	}
}

func (s *FileSink) Last(ctx context.Context) (*Entry, error) {
	var last *Entry
	for e, err := range s.Entries(ctx, ^uint64(0)) {
		if err != nil {
			return nil, err
		}
		last = e
	}
	return last, nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
