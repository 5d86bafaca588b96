package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// GCSStore keeps blobs in a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// GCSStoreConfig configures NewGCSStore.
type GCSStoreConfig struct {
	Bucket string
	Prefix string
}

// NewGCSStore creates a GCS-backed store using application default credentials.
func NewGCSStore(ctx context.Context, cfg GCSStoreConfig) (*GCSStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

func (s *GCSStore) object(raw string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucket).Object(s.prefix + raw + ".blob")
}

// Put implements Store. The write is conditional on the object not existing.
func (s *GCSStore) Put(ctx context.Context, data []byte) (string, error) {
	digest, raw := Digest(data)
	obj := s.object(raw)
	if _, err := obj.Attrs(ctx); err == nil {
		return digest, nil
	}

	w := obj.If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs close failed: %w", err)
	}
	return digest, nil
}

// Get implements Store.
func (s *GCSStore) Get(ctx context.Context, digest string) ([]byte, error) {
	raw, err := parseDigest(digest)
	if err != nil {
		return nil, err
	}
	r, err := s.object(raw).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("gcs get failed for %s: %w", digest, err)
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// Exists implements Store.
func (s *GCSStore) Exists(ctx context.Context, digest string) (bool, error) {
	raw, err := parseDigest(digest)
	if err != nil {
		return false, err
	}
	if _, err := s.object(raw).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("gcs attrs error: %w", err)
	}
	return true, nil
}

// Close closes the GCS client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
