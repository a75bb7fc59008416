package artifacts

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// FileStore Tests
// =============================================================================

func TestFileStore_PutGet(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	ref, err := s.Put(ctx, Key("web", "run_1", "build_output"), []byte(`[{"name":"app"}]`))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, "file://"))

	data, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, `[{"name":"app"}]`, string(data))
}

func TestFileStore_WriteOnce(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	key := Key("web", "run_1", "build_output")
	_, err = s.Put(ctx, key, []byte("first"))
	require.NoError(t, err)

	_, err = s.Put(ctx, key, []byte("second"))
	assert.ErrorIs(t, err, ErrExists)
}

func TestFileStore_InvalidKeysAndRefs(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	for _, key := range []string{"", "/abs", "a/../b", "a//b"} {
		_, err := s.Put(ctx, key, nil)
		assert.ErrorIs(t, err, ErrInvalidKey, key)
	}

	_, err = s.Get(ctx, "s3://bucket/key")
	assert.ErrorIs(t, err, ErrInvalidRef)
	_, err = s.Get(ctx, "file:///etc/passwd")
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestFileStore_GetMissing(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir)
	require.NoError(t, err)

	_, err = s.Get(context.Background(), "file://"+dir+"/web/run_1/missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

// =============================================================================
// S3Store Tests
// =============================================================================

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	key := awssdk.ToString(in.Bucket) + "/" + awssdk.ToString(in.Key)
	if _, ok := f.objects[key]; ok && awssdk.ToString(in.IfNoneMatch) == "*" {
		return nil, &smithy.GenericAPIError{Code: "PreconditionFailed"}
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[awssdk.ToString(in.Bucket)+"/"+awssdk.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	s, err := NewS3StoreWithClient(fake, S3Options{Bucket: "artifacts", Prefix: "/stackpipe/"})
	require.NoError(t, err)

	ref, err := s.Put(ctx, Key("web", "run_1", "build_output"), []byte("manifest"))
	require.NoError(t, err)
	assert.Equal(t, "s3://artifacts/stackpipe/web/run_1/build_output", ref)
	assert.Contains(t, fake.objects, "artifacts/stackpipe/web/run_1/build_output")

	data, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, "manifest", string(data))

	_, err = s.Put(ctx, Key("web", "run_1", "build_output"), []byte("again"))
	assert.ErrorIs(t, err, ErrExists)

	_, err = s.Get(ctx, "s3://artifacts/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.Get(ctx, "file:///tmp/x")
	assert.ErrorIs(t, err, ErrInvalidRef)
}

func TestS3Store_RequiresBucket(t *testing.T) {
	_, err := NewS3StoreWithClient(&fakeS3{}, S3Options{})
	assert.Error(t, err)
}
