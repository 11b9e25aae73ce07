package filecache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestSofia_FileCache_Config(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.ErrorContains(t, err, "logger is required")

	_, err = New(Config{Logger: slog.New(slog.DiscardHandler)})
	require.ErrorContains(t, err, "backend is required")
}

func TestSofia_FileCache_Backends(t *testing.T) {
	t.Parallel()

	dir, err := NewDirBackend(t.TempDir())
	require.NoError(t, err)

	backends := map[string]Backend{
		"dir": dir,
		"s3":  NewS3BackendWithClient(newFakeS3(), "bucket", "/sofia/cache/"),
	}

	for name, backend := range backends {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
			cache, err := New(Config{Logger: slog.New(slog.DiscardHandler), Backend: backend, Clock: clock})
			require.NoError(t, err)

			url := "https://example.org/acled/latin-america.csv"
			_, found, err := cache.Last(t.Context(), url)
			require.NoError(t, err)
			require.False(t, found)

			first, err := cache.Put(t.Context(), url, []byte("week,country\n"))
			require.NoError(t, err)
			require.True(t, first.Changed)
			require.Equal(t, Digest([]byte("week,country\n")), first.Digest)

			clock.Advance(time.Hour)
			again, err := cache.Put(t.Context(), url, []byte("week,country\n"))
			require.NoError(t, err)
			require.False(t, again.Changed)

			changed, err := cache.Put(t.Context(), url, []byte("week,country\n2024-01-01,Brazil\n"))
			require.NoError(t, err)
			require.True(t, changed.Changed)

			data, err := cache.Get(t.Context(), first.Digest)
			require.NoError(t, err)
			require.Equal(t, "week,country\n", string(data))

			last, found, err := cache.Last(t.Context(), url)
			require.NoError(t, err)
			require.True(t, found)
			require.Equal(t, changed.Digest, last.Digest)

			_, err = cache.Get(t.Context(), Digest([]byte("missing")))
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSofia_FileCache_Fetch(t *testing.T) {
	t.Parallel()

	dir, err := NewDirBackend(t.TempDir())
	require.NoError(t, err)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC))
	cache, err := New(Config{Logger: slog.New(slog.DiscardHandler), Backend: dir, Clock: clock})
	require.NoError(t, err)

	calls := 0
	download := func(context.Context) ([]byte, error) {
		calls++
		return []byte("payload"), nil
	}

	url := "https://example.org/file.zip"
	_, _, err = cache.Fetch(t.Context(), url, time.Hour, download)
	require.NoError(t, err)
	data, entry, err := cache.Fetch(t.Context(), url, time.Hour, download)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
	require.Equal(t, Digest([]byte("payload")), entry.Digest)
	require.Equal(t, 1, calls)

	clock.Advance(2 * time.Hour)
	_, _, err = cache.Fetch(t.Context(), url, time.Hour, download)
	require.NoError(t, err)
	require.Equal(t, 2, calls)

	_, _, err = cache.Fetch(t.Context(), url, 0, func(context.Context) ([]byte, error) {
		return nil, errors.New("upstream down")
	})
	require.ErrorContains(t, err, "upstream down")
}

func TestSofia_FileCache_RejectsBadDigest(t *testing.T) {
	t.Parallel()

	dir, err := NewDirBackend(t.TempDir())
	require.NoError(t, err)
	cache, err := New(Config{Logger: slog.New(slog.DiscardHandler), Backend: dir})
	require.NoError(t, err)

	_, err = cache.Get(t.Context(), "abc")
	require.ErrorContains(t, err, "invalid digest")
}
