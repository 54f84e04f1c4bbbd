package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_StoreAndRemove(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()

	local, err := NewLocal(fs, "/data/images", "http://localhost:8080/images/")
	require.NoError(t, err)

	a, err := local.Store(ctx, "Holiday Photo.JPG", []byte("jpeg bytes"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a.URL, "http://localhost:8080/images/"))
	assert.True(t, strings.HasSuffix(a.URL, ".jpg"))
	assert.Equal(t, "/data/images", filepath.Dir(a.LocalPath))

	data, err := afero.ReadFile(fs, a.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "jpeg bytes", string(data))

	f, err := local.FileSystem().Open("/" + filepath.Base(a.LocalPath))
	require.NoError(t, err)
	served, err := io.ReadAll(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "jpeg bytes", string(served))

	require.NoError(t, local.Remove(ctx, a.LocalPath))
	exists, err := afero.Exists(fs, a.LocalPath)
	require.NoError(t, err)
	assert.False(t, exists)

	// already gone
	assert.NoError(t, local.Remove(ctx, a.LocalPath))
}

func TestLocal_RemoveRejectsForeignPaths(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/passwd", []byte("root"), 0o644))

	local, err := NewLocal(fs, "/data/images", "http://localhost/images")
	require.NoError(t, err)

	for _, path := range []string{"/etc/passwd", "/data/images/../../etc/passwd", "/data/images"} {
		assert.Error(t, local.Remove(ctx, path), path)
	}
	exists, err := afero.Exists(fs, "/etc/passwd")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestObjectName(t *testing.T) {
	assert.True(t, strings.HasSuffix(objectName("a/b/../photo.PNG"), ".png"))
	assert.NotContains(t, objectName("../../evil.sh"), "/")
	assert.NotEqual(t, objectName("x.png"), objectName("x.png"))
	assert.Equal(t, "http://cdn/a.png", joinURL("http://cdn/", "a.png"))
}

type fakeS3 struct {
	s3iface.S3API
	puts    []*s3.PutObjectInput
	deletes []*s3.DeleteObjectInput
	failPut bool
}

func (f *fakeS3) PutObjectWithContext(ctx aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	if f.failPut {
		return nil, errors.New("access denied")
	}
	f.puts = append(f.puts, in)
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObjectWithContext(ctx aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	f.deletes = append(f.deletes, in)
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3_StoreAndRemove(t *testing.T) {
	ctx := context.Background()
	client := &fakeS3{}
	store := NewS3WithClient(client, S3Config{
		Bucket:    "attachments",
		Prefix:    "chat",
		PublicURL: "https://cdn.example.com",
	})

	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")
	a, err := store.Store(ctx, "pic.png", png)
	require.NoError(t, err)
	require.Len(t, client.puts, 1)

	put := client.puts[0]
	assert.Equal(t, "attachments", aws.StringValue(put.Bucket))
	assert.True(t, strings.HasPrefix(aws.StringValue(put.Key), "chat/"))
	assert.Equal(t, "image/png", aws.StringValue(put.ContentType))
	assert.Equal(t, int64(len(png)), aws.Int64Value(put.ContentLength))
	assert.Equal(t, aws.StringValue(put.Key), a.LocalPath)
	assert.Equal(t, "https://cdn.example.com/"+a.LocalPath, a.URL)

	require.NoError(t, store.Remove(ctx, a.LocalPath))
	require.Len(t, client.deletes, 1)
	assert.Equal(t, a.LocalPath, aws.StringValue(client.deletes[0].Key))
}

func TestS3_StoreFailure(t *testing.T) {
	store := NewS3WithClient(&fakeS3{failPut: true}, S3Config{Bucket: "attachments"})
	_, err := store.Store(context.Background(), "a.txt", []byte("hi"))
	assert.ErrorContains(t, err, "access denied")
}
