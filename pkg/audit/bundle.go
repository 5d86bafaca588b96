package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyBundle is returned when no entry matches an export filter.
var ErrEmptyBundle = errors.New("audit: no entries match filter")

// Filter selects entries for export. Zero fields match everything.
type Filter struct {
	Actor      string
	RecordID   string
	StartSeq   uint64
	EndSeq     uint64
	StartTime  *time.Time
	EndTime    *time.Time
	MaxResults int
}

func (f Filter) matches(e *Entry) bool {
	if f.Actor != "" && e.Actor != f.Actor {
		return false
	}
	if f.RecordID != "" && e.RecordID != f.RecordID {
		return false
	}
	if f.StartSeq > 0 && e.Sequence < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && e.Sequence > f.EndSeq {
		return false
	}
	if f.StartTime != nil && e.Timestamp.Before(*f.StartTime) {
		return false
	}
	if f.EndTime != nil && e.Timestamp.After(*f.EndTime) {
		return false
	}
	return true
}

// Bundle is an exportable, self-verifying slice of the log.
type Bundle struct {
	BundleID   string    `json:"bundle_id"`
	Version    string    `json:"version"`
	CreatedAt  time.Time `json:"created_at"`
	StartSeq   uint64    `json:"start_sequence"`
	EndSeq     uint64    `json:"end_sequence"`
	EntryCount int       `json:"entry_count"`
	Entries    []*Entry  `json:"entries"`
	ChainHead  string    `json:"chain_head"`
	BundleHash string    `json:"bundle_hash"`
}

// Query returns committed entries matching f in sequence order.
func (l *Log) Query(ctx context.Context, f Filter) ([]*Entry, error) {
	var out []*Entry
	for e, err := range l.ReadAll(ctx) {
		if err != nil {
			return nil, err
		}
		if f.matches(e) {
			out = append(out, e)
			if f.MaxResults > 0 && len(out) >= f.MaxResults {
				break
			}
		}
	}
	return out, nil
}

// ExportBundle collects the entries matching f into a Bundle.
func (l *Log) ExportBundle(ctx context.Context, f Filter) (*Bundle, error) {
	entries, err := l.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, ErrEmptyBundle
	}
	b := &Bundle{
		BundleID:   uuid.New().String(),
		Version:    "1.0.0",
		CreatedAt:  l.clock().UTC(),
		StartSeq:   entries[0].Sequence,
		EndSeq:     entries[len(entries)-1].Sequence,
		EntryCount: len(entries),
		Entries:    entries,
		ChainHead:  entries[len(entries)-1].EntryHash,
	}
	b.BundleHash, err = bundleHash(b.Entries)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func bundleHash(entries []*Entry) (string, error) {
	data, err := encodeJSON(entries)
	if err != nil {
		return "", fmt.Errorf("audit: marshal bundle entries: %w", err)
	}
	return computeHash(data), nil
}

// VerifyBundle checks the bundle hash, every entry, and the chain links
// between consecutive sequence numbers.
func VerifyBundle(b *Bundle) error {
	if b == nil || len(b.Entries) == 0 {
		return ErrEmptyBundle
	}
	if b.EntryCount != len(b.Entries) {
		return &IntegrityError{Reason: fmt.Sprintf("bundle declares %d entries, holds %d", b.EntryCount, len(b.Entries))}
	}
	got, err := bundleHash(b.Entries)
	if err != nil {
		return err
	}
	if got != b.BundleHash {
		return &IntegrityError{Reason: "bundle hash mismatch"}
	}
	for i, e := range b.Entries {
		if err := Verify(e); err != nil {
			return err
		}
		if i == 0 {
			continue
		}
		prev := b.Entries[i-1]
		if e.Sequence <= prev.Sequence {
			return &IntegrityError{Sequence: e.Sequence, EntryID: e.EntryID, Reason: "entries out of order"}
		}
		if e.Sequence == prev.Sequence+1 && e.PreviousHash != prev.EntryHash {
			return &IntegrityError{Sequence: e.Sequence, EntryID: e.EntryID, Reason: "chain broken"}
		}
	}
	if b.ChainHead != b.Entries[len(b.Entries)-1].EntryHash {
		return &IntegrityError{Reason: "chain head does not match last entry"}
	}
	return nil
}

// Pack writes the bundle as a zip evidence pack (bundle.json, manifest.json,
// README.txt) and returns it with its "sha256:<hex>" checksum.
func Pack(b *Bundle) ([]byte, string, error) {
	if b == nil {
		return nil, "", ErrEmptyBundle
	}
	bundleJSON, err := encodeJSON(b)
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal bundle: %w", err)
	}
	manifest := map[string]any{
		"bundle_id":      b.BundleID,
		"generated_at":   b.CreatedAt,
		"entry_count":    b.EntryCount,
		"start_sequence": b.StartSeq,
		"end_sequence":   b.EndSeq,
		"chain_head":     b.ChainHead,
		"bundle_hash":    b.BundleHash,
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	files := []struct {
		name string
		data []byte
	}{
		{"bundle.json", bundleJSON},
		{"manifest.json", manifestJSON},
		{"README.txt", []byte(fmt.Sprintf("Audit evidence pack %s\nEntries %d-%d, generated at %s\n",
			b.BundleID, b.StartSeq, b.EndSeq, b.CreatedAt.Format(time.RFC3339)))},
	}
	for _, file := range files {
		f, err := w.Create(file.name)
		if err != nil {
			return nil, "", err
		}
		if _, err := f.Write(file.data); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	return zipBytes, computeHash(zipBytes), nil
}

// Unpack reads the bundle back out of an evidence pack.
func Unpack(data []byte) (*Bundle, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("audit: open pack: %w", err)
	}
	f, err := r.Open("bundle.json")
	if err != nil {
		return nil, fmt.Errorf("audit: pack has no bundle.json: %w", err)
	}
	defer f.Close()
	var b Bundle
	if err := json.NewDecoder(f).Decode(&b); err != nil {
		return nil, fmt.Errorf("audit: decode bundle: %w", err)
	}
	return &b, nil
}
