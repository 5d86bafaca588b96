// Package audit implements the append-only, hash-chained log of compliance
// evaluation decisions.
package audit

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/fundaudit/pkg/canonicalize"
)

// GenesisHash is the previous hash of the first entry of every log.
const GenesisHash = "genesis"

var (
	// ErrUnavailable is returned when the sink cannot durably record an entry.
	ErrUnavailable = errors.New("audit: sink unavailable (fail-closed)")
	// ErrSinkNotConfigured is returned when a log is opened without a sink.
	ErrSinkNotConfigured = errors.New("audit: sink not configured (fail-closed)")
	// ErrIntegrity matches every *IntegrityError.
	ErrIntegrity = errors.New("audit: integrity check failed")
)

// IntegrityError reports an entry whose stored content no longer matches its hashes.
type IntegrityError struct {
	Sequence uint64
	EntryID  string
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("audit: entry %d (%s): %s", e.Sequence, e.EntryID, e.Reason)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// Entry is one immutable audit record.
type Entry struct {
	EntryID      string          `json:"entry_id"`
	Sequence     uint64          `json:"sequence"`
	Timestamp    time.Time       `json:"timestamp"`
	Actor        string          `json:"actor"`
	RecordID     string          `json:"record_id"`
	Payload      json.RawMessage `json:"payload"`
	ContentHash  string          `json:"content_hash"`
	PreviousHash string          `json:"previous_hash"`
	EntryHash    string          `json:"entry_hash"`
}

func computeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// computeEntryHash hashes the canonical form of everything except the payload
// itself, which is bound through ContentHash.
func computeEntryHash(e *Entry) (string, error) {
	hashable := struct {
		EntryID      string `json:"entry_id"`
		Sequence     uint64 `json:"sequence"`
		Timestamp    string `json:"timestamp"`
		Actor        string `json:"actor"`
		RecordID     string `json:"record_id"`
		ContentHash  string `json:"content_hash"`
		PreviousHash string `json:"previous_hash"`
	}{
		EntryID:      e.EntryID,
		Sequence:     e.Sequence,
		Timestamp:    e.Timestamp.UTC().Format(time.RFC3339Nano),
		Actor:        e.Actor,
		RecordID:     e.RecordID,
		ContentHash:  e.ContentHash,
		PreviousHash: e.PreviousHash,
	}
	data, err := canonicalize.JCS(hashable)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize entry for hashing: %w", err)
	}
	return computeHash(data), nil
}

// Verify recomputes the content and entry hashes of e.
func Verify(e *Entry) error {
	if e == nil {
		return &IntegrityError{Reason: "nil entry"}
	}
	if got := computeHash(e.Payload); got != e.ContentHash {
		return &IntegrityError{Sequence: e.Sequence, EntryID: e.EntryID,
			Reason: fmt.Sprintf("content hash mismatch (computed %s, stored %s)", got, e.ContentHash)}
	}
	got, err := computeEntryHash(e)
	if err != nil {
		return &IntegrityError{Sequence: e.Sequence, EntryID: e.EntryID, Reason: err.Error()}
	}
	if got != e.EntryHash {
		return &IntegrityError{Sequence: e.Sequence, EntryID: e.EntryID,
			Reason: fmt.Sprintf("entry hash mismatch (computed %s, stored %s)", got, e.EntryHash)}
	}
	return nil
}

// encodeJSON marshals compactly without HTML escaping so canonical payload
// bytes survive the round trip unchanged.
func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
