// Package artifacts stores audit evidence packs in content-addressed blob
// storage (filesystem, S3 or GCS) and publishes a manifest envelope for each.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	// ErrNotFound is returned when no blob has the requested digest.
	ErrNotFound = errors.New("artifacts: not found")
	// ErrInvalidDigest is returned for digests not of the form sha256:<hex>.
	ErrInvalidDigest = errors.New("artifacts: invalid digest")
)

const digestPrefix = "sha256:"

// Store is a content-addressed blob store keyed by "sha256:<hex>".
type Store interface {
	// Put persists data and returns its digest. Storing existing content is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	Get(ctx context.Context, digest string) ([]byte, error)
	Exists(ctx context.Context, digest string) (bool, error)
}

// Digest returns the prefixed digest of data and its bare hex form.
func Digest(data []byte) (string, string) {
	sum := sha256.Sum256(data)
	raw := hex.EncodeToString(sum[:])
	return digestPrefix + raw, raw
}

// parseDigest validates a prefixed digest and returns its hex part.
func parseDigest(digest string) (string, error) {
	raw, ok := strings.CutPrefix(digest, digestPrefix)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}
	if b, err := hex.DecodeString(raw); err != nil || len(b) != sha256.Size {
		return "", fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}
	return raw, nil
}

// FileStore keeps blobs as files under a base directory.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates the base directory if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to ensure artifact dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) path(raw string) string {
	return filepath.Join(s.baseDir, raw+".blob")
}

// Put implements Store. Writes go to a temp file renamed into place.
func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	digest, raw := Digest(data)
	path := s.path(raw)
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return digest, nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, digest string) ([]byte, error) {
	raw, err := parseDigest(digest)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(s.path(raw))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	return data, err
}

// Exists implements Store.
func (s *FileStore) Exists(_ context.Context, digest string) (bool, error) {
	raw, err := parseDigest(digest)
	if err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(s.path(raw))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	}
	return false, err
}
