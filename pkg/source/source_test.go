package source_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sofia/pkg/logger"
	"github.com/malbeclabs/sofia/pkg/source"
)

func newTestHTTP(t *testing.T) *source.HTTPClient {
	t.Helper()
	c, err := source.NewHTTPClient(source.HTTPConfig{
		Logger:     logger.Discard(),
		MaxTries:   3,
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	require.NoError(t, err)
	return c
}

func TestSofia_Source_CodeOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, source.ErrorCode(""), source.CodeOf(nil))
	require.Equal(t, source.ErrAuthMissing, source.CodeOf(source.Errorf(source.ErrAuthMissing, "no key")))
	wrapped := fmt.Errorf("collect: %w", source.Errorf(source.ErrSchemaMismatch, "bad header"))
	require.Equal(t, source.ErrSchemaMismatch, source.CodeOf(wrapped))
	require.Equal(t, source.ErrTimeout, source.CodeOf(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	require.Equal(t, source.ErrUnknown, source.CodeOf(errors.New("boom")))
	require.Contains(t, source.Errorf(source.ErrRateLimit, "slow down").Error(), "RATE_LIMIT")
}

func TestSofia_Source_FailureRate(t *testing.T) {
	t.Parallel()

	require.False(t, source.Stats{}.FailureRateExceeded())
	require.False(t, source.Stats{Seen: 10, Failed: 5}.FailureRateExceeded())
	require.True(t, source.Stats{Seen: 10, Failed: 6}.FailureRateExceeded())
}

func TestSofia_Source_HTTPClient(t *testing.T) {
	t.Parallel()

	t.Run("retries server errors", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			require.Equal(t, "sofia-collector/1.0", r.Header.Get("User-Agent"))
			_, _ = w.Write([]byte("ok"))
		}))
		t.Cleanup(srv.Close)

		body, err := newTestHTTP(t).Get(context.Background(), srv.URL, nil)
		require.NoError(t, err)
		require.Equal(t, "ok", string(body))
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("server errors exhaust to unknown", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		t.Cleanup(srv.Close)

		_, err := newTestHTTP(t).Get(context.Background(), srv.URL, nil)
		require.Error(t, err)
		require.Equal(t, source.ErrUnknown, source.CodeOf(err))
	})

	t.Run("429 becomes rate limit", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		t.Cleanup(srv.Close)

		_, err := newTestHTTP(t).Get(context.Background(), srv.URL, nil)
		require.Equal(t, source.ErrRateLimit, source.CodeOf(err))
		require.Equal(t, int32(3), calls.Load())
	})

	t.Run("auth failures are not retried", func(t *testing.T) {
		t.Parallel()
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusForbidden)
		}))
		t.Cleanup(srv.Close)

		_, err := newTestHTTP(t).Get(context.Background(), srv.URL+"?api_key=secret", nil)
		require.Equal(t, source.ErrAuthMissing, source.CodeOf(err))
		require.NotContains(t, err.Error(), "secret")
		require.Equal(t, int32(1), calls.Load())
	})

	t.Run("client errors are unknown", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.NotFoundHandler())
		t.Cleanup(srv.Close)

		_, err := newTestHTTP(t).Get(context.Background(), srv.URL, nil)
		require.Equal(t, source.ErrUnknown, source.CodeOf(err))
	})

	t.Run("error bodies are valid utf8", func(t *testing.T) {
		t.Parallel()
		// Latin-1 "Requisição inválida", followed by enough multi-byte runes
		// that a byte cut would land inside one.
		body := append([]byte("Requisi\xe7\xe3o inv\xe1lida "), []byte(strings.Repeat("ção", 100))...)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write(body)
		}))
		t.Cleanup(srv.Close)

		_, err := newTestHTTP(t).Get(context.Background(), srv.URL, nil)
		require.Equal(t, source.ErrUnknown, source.CodeOf(err))
		require.True(t, utf8.ValidString(err.Error()))
		require.Contains(t, err.Error(), "Requisi\uFFFD")
		require.True(t, strings.HasSuffix(err.Error(), "..."))
	})

	t.Run("post form", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.NoError(t, r.ParseForm())
			_, _ = w.Write([]byte(r.PostForm.Get("username")))
		}))
		t.Cleanup(srv.Close)

		body, err := newTestHTTP(t).PostForm(context.Background(), srv.URL, url.Values{"username": {"analyst@example.org"}})
		require.NoError(t, err)
		require.Equal(t, "analyst@example.org", string(body))
	})

	t.Run("canceled context", func(t *testing.T) {
		t.Parallel()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(50 * time.Millisecond)
		}))
		t.Cleanup(srv.Close)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
		defer cancel()
		_, err := newTestHTTP(t).Get(ctx, srv.URL, nil)
		require.Equal(t, source.ErrTimeout, source.CodeOf(err))
	})
}

type stubAdapter struct{ name string }

func (s stubAdapter) Name() string                               { return s.name }
func (s stubAdapter) SourceID() int                              { return 99 }
func (s stubAdapter) StagingTable() string                       { return "sofia.stub" }
func (s stubAdapter) Timeout() time.Duration                     { return time.Second }
func (s stubAdapter) Collect(context.Context, source.Sink) error { return nil }

func TestSofia_Source_Registry(t *testing.T) {
	t.Parallel()

	reg := source.NewRegistry()
	reg.Register("b", func(d source.Deps) (source.Adapter, error) { return stubAdapter{name: d.Source.Name}, nil })
	reg.Register("a", func(d source.Deps) (source.Adapter, error) { return nil, errors.New("nope") })
	require.Equal(t, []string{"a", "b"}, reg.Names())
	require.Panics(t, func() { reg.Register("a", nil) })

	deps := source.Deps{Logger: logger.Discard(), HTTP: newTestHTTP(t)}

	a, err := reg.Build("b", deps)
	require.NoError(t, err)
	require.Equal(t, "b", a.Name())

	_, err = reg.Build("a", deps)
	require.ErrorContains(t, err, "nope")

	_, err = reg.Build("missing", deps)
	require.Equal(t, source.ErrDependencyMissing, source.CodeOf(err))

	_, err = reg.Build("b", source.Deps{Logger: logger.Discard()})
	require.ErrorContains(t, err, "http client is required")

	d := source.Deps{Logger: logger.Discard(), HTTP: newTestHTTP(t)}
	require.NoError(t, d.Validate())
	require.Equal(t, 600*time.Second, d.Timeout())
	d.Source.TimeoutSeconds = 5
	require.Equal(t, 5*time.Second, d.Timeout())
}
