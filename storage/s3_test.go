package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (m *memStore) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memStore) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for k := range m.objects {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func (m *memStore) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *memStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func TestPublishUploadsAndRotates(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "works.geojson")
	require.NoError(t, os.WriteFile(file, []byte(`{"type":"FeatureCollection","features":[]}`), 0o644))

	store := newMemStore()
	p := &S3Publisher{Client: store, Bucket: "exports-bucket", BaseURL: "https://s3.example.org", Keep: 2, Logger: zaptest.NewLogger(t)}

	for _, snap := range []string{"20240101T000000Z", "20240102T000000Z", "20240103T000000Z"} {
		links, err := p.Publish(context.Background(), snap, []string{file})
		require.NoError(t, err)
		require.Len(t, links, 1)
		assert.Equal(t, "https://s3.example.org/exports-bucket/exports/"+snap+"/works.geojson", links[0])
	}

	assert.Equal(t, []string{
		"exports/20240102T000000Z/works.geojson",
		"exports/20240103T000000Z/works.geojson",
	}, store.keys())
}

func TestPublishMissingFile(t *testing.T) {
	p := &S3Publisher{Client: newMemStore(), Bucket: "b", Keep: 1, Logger: zaptest.NewLogger(t)}
	_, err := p.Publish(context.Background(), "20240101T000000Z", []string{filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)
}
