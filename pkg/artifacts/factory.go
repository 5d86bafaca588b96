package artifacts

import (
	"context"
	"fmt"
	"path/filepath"
)

// StoreType names an artifact storage backend.
type StoreType string

const (
	StoreTypeFS  StoreType = "fs"
	StoreTypeS3  StoreType = "s3"
	StoreTypeGCS StoreType = "gcs"
)

// StoreConfig selects and configures a backend.
//
// Environment (read by pkg/config):
//   - ARTIFACT_STORAGE_TYPE: "fs" (default), "s3" or "gcs"
//   - DATA_DIR: base directory for the filesystem store
//   - ARTIFACT_S3_BUCKET, ARTIFACT_S3_REGION (or AWS_REGION), ARTIFACT_S3_ENDPOINT, ARTIFACT_S3_PREFIX
//   - ARTIFACT_GCS_BUCKET, ARTIFACT_GCS_PREFIX
type StoreConfig struct {
	Type       StoreType `yaml:"type"`
	DataDir    string    `yaml:"data_dir"`
	S3Bucket   string    `yaml:"s3_bucket"`
	S3Region   string    `yaml:"s3_region"`
	S3Endpoint string    `yaml:"s3_endpoint"`
	S3Prefix   string    `yaml:"s3_prefix"`
	GCSBucket  string    `yaml:"gcs_bucket"`
	GCSPrefix  string    `yaml:"gcs_prefix"`
}

// NewStore builds the configured backend.
func NewStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Type {
	case "", StoreTypeFS:
		dir := cfg.DataDir
		if dir == "" {
			dir = "data"
		}
		return NewFileStore(filepath.Join(dir, "artifacts"))
	case StoreTypeS3:
		if cfg.S3Bucket == "" {
			return nil, fmt.Errorf("ARTIFACT_S3_BUCKET is required for S3 storage")
		}
		region := cfg.S3Region
		if region == "" {
			region = "us-east-1"
		}
		return NewS3Store(ctx, S3StoreConfig{
			Bucket:   cfg.S3Bucket,
			Region:   region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	case StoreTypeGCS:
		if cfg.GCSBucket == "" {
			return nil, fmt.Errorf("ARTIFACT_GCS_BUCKET is required for GCS storage")
		}
		return NewGCSStore(ctx, GCSStoreConfig{Bucket: cfg.GCSBucket, Prefix: cfg.GCSPrefix})
	}
	return nil, fmt.Errorf("unsupported artifact storage type: %s", cfg.Type)
}
