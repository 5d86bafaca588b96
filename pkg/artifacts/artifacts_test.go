package artifacts

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/fundaudit/pkg/audit"
)

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "artifacts"))
	require.NoError(t, err)
	ctx := context.Background()

	digest, err := store.Put(ctx, []byte("evidence"))
	require.NoError(t, err)
	assert.Regexp(t, `^sha256:[0-9a-f]{64}$`, digest)

	again, err := store.Put(ctx, []byte("evidence"))
	require.NoError(t, err)
	assert.Equal(t, digest, again)

	got, err := store.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, []byte("evidence"), got)

	ok, err := store.Exists(ctx, digest)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStoreMissingAndInvalid(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	missing, _ := Digest([]byte("never stored"))
	_, err = store.Get(ctx, missing)
	require.ErrorIs(t, err, ErrNotFound)

	ok, err := store.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)

	for _, bad := range []string{"invalid", "sha256:zz", "sha256:abcd", "md5:" + missing[7:]} {
		_, err = store.Get(ctx, bad)
		require.ErrorIs(t, err, ErrInvalidDigest, bad)
	}
}

func TestNewStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(context.Background(), StoreConfig{DataDir: dir})
	require.NoError(t, err)
	fs, ok := store.(*FileStore)
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "artifacts"), fs.baseDir)

	_, err = NewStore(context.Background(), StoreConfig{Type: StoreTypeS3})
	require.ErrorContains(t, err, "ARTIFACT_S3_BUCKET is required")

	_, err = NewStore(context.Background(), StoreConfig{Type: StoreTypeGCS})
	require.ErrorContains(t, err, "ARTIFACT_GCS_BUCKET is required")

	_, err = NewStore(context.Background(), StoreConfig{Type: "azure"})
	require.ErrorContains(t, err, "unsupported artifact storage type")
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Bucket+"/"+*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3StoreWithClient(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	store := NewS3StoreWithClient(fake, "evidence", "packs/")
	ctx := context.Background()

	digest, raw := Digest([]byte("pack"))
	got, err := store.Put(ctx, []byte("pack"))
	require.NoError(t, err)
	assert.Equal(t, digest, got)
	assert.Contains(t, fake.objects, "evidence/packs/"+raw+".blob")

	_, err = store.Put(ctx, []byte("pack"))
	require.NoError(t, err)
	assert.Equal(t, 1, fake.puts)

	data, err := store.Get(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, []byte("pack"), data)

	missing, _ := Digest([]byte("other"))
	_, err = store.Get(ctx, missing)
	require.ErrorIs(t, err, ErrNotFound)
	ok, err := store.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)
}

func exportBundle(t *testing.T) *audit.Bundle {
	t.Helper()
	ctx := context.Background()
	log, err := audit.Open(ctx, audit.NewMemorySink())
	require.NoError(t, err)
	for _, id := range []string{"P1@2024-06-01", "P2@2024-06-01"} {
		_, err := log.Append(ctx, "auditor", id, map[string]any{"compliant": true})
		require.NoError(t, err)
	}
	b, err := log.ExportBundle(ctx, audit.Filter{})
	require.NoError(t, err)
	return b
}

func TestPublishAndFetch(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	pub := NewPublisher(store, "fundaudit-test")
	pub.clock = func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	b := exportBundle(t)
	digest, env, err := pub.Publish(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, TypeAuditBundle, env.Type)
	assert.Equal(t, 2, env.EntryCount)
	assert.Equal(t, b.ChainHead, env.ChainHead)

	gotEnv, gotBundle, err := pub.Fetch(ctx, digest)
	require.NoError(t, err)
	assert.Equal(t, env.PackDigest, gotEnv.PackDigest)
	assert.Equal(t, b.BundleHash, gotBundle.BundleHash)

	_, raw := Digest(mustGet(t, store, env.PackDigest))
	require.NoError(t, os.WriteFile(filepath.Join(dir, raw+".blob"), []byte("not a zip"), 0o640))
	_, _, err = pub.Fetch(ctx, digest)
	require.Error(t, err)
}

func mustGet(t *testing.T, s Store, digest string) []byte {
	t.Helper()
	data, err := s.Get(context.Background(), digest)
	require.NoError(t, err)
	return data
}
