package artifacts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3API is the subset of the S3 client the store uses.
type S3API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Store keeps blobs in an S3 bucket under prefix + hex + ".blob".
type S3Store struct {
	client S3API
	bucket string
	prefix string
}

// S3StoreConfig configures NewS3Store.
type S3StoreConfig struct {
	Bucket   string
	Region   string
	Endpoint string // MinIO, LocalStack
	Prefix   string
}

// NewS3Store creates an S3-backed store using the default AWS credential chain.
func NewS3Store(ctx context.Context, cfg S3StoreConfig) (*S3Store, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewS3StoreWithClient(client, cfg.Bucket, cfg.Prefix), nil
}

// NewS3StoreWithClient wraps an existing client.
func NewS3StoreWithClient(client S3API, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(raw string) *string {
	return aws.String(s.prefix + raw + ".blob")
}

// Put implements Store.
func (s *S3Store) Put(ctx context.Context, data []byte) (string, error) {
	digest, raw := Digest(data)
	ok, err := s.exists(ctx, raw)
	if err != nil {
		return "", err
	}
	if ok {
		return digest, nil
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         s.key(raw),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("s3 put failed: %w", err)
	}
	return digest, nil
}

// Get implements Store.
func (s *S3Store) Get(ctx context.Context, digest string) ([]byte, error) {
	raw, err := parseDigest(digest)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(raw),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
		}
		return nil, fmt.Errorf("s3 get failed for %s: %w", digest, err)
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

// Exists implements Store.
func (s *S3Store) Exists(ctx context.Context, digest string) (bool, error) {
	raw, err := parseDigest(digest)
	if err != nil {
		return false, err
	}
	return s.exists(ctx, raw)
}

func (s *S3Store) exists(ctx context.Context, raw string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    s.key(raw),
	})
	if err == nil {
		return true, nil
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return false, nil
	}
	return false, fmt.Errorf("s3 head failed: %w", err)
}
