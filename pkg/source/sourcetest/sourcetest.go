// Package sourcetest has helpers for adapter tests.
package sourcetest

import (
	"context"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/sofia/pkg/config"
	"github.com/malbeclabs/sofia/pkg/logger"
	"github.com/malbeclabs/sofia/pkg/source"
)

// Sink records rows in memory.
type Sink struct {
	mu       sync.Mutex
	Rows     []source.RawRow
	Failures []string
}

func (s *Sink) Write(_ context.Context, row source.RawRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Rows = append(s.Rows, row)
	return nil
}

func (s *Sink) RowFailed(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Failures = append(s.Failures, reason)
}

// Deps returns adapter deps with a non-retrying HTTP client and a fake clock.
func Deps(t *testing.T, sc config.SourceConfig, clock clockwork.Clock) source.Deps {
	t.Helper()
	client, err := source.NewHTTPClient(source.HTTPConfig{
		Logger:     logger.Discard(),
		MaxTries:   1,
		NewBackOff: func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	})
	require.NoError(t, err)
	if clock == nil {
		clock = clockwork.NewFakeClock()
	}
	d := source.Deps{Logger: logger.Discard(), Source: sc, HTTP: client, Clock: clock}
	require.NoError(t, d.Validate())
	return d
}
