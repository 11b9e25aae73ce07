package health

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

type Sweeper interface {
	SweepStale(ctx context.Context, cutoff, now time.Time) (int64, error)
}

// SweepStaleRuns times out runs still marked running after timeout has
// elapsed since they started.
func SweepStaleRuns(ctx context.Context, s Sweeper, clock clockwork.Clock, timeout time.Duration) (int64, error) {
	now := clock.Now()
	return s.SweepStale(ctx, now.Add(-timeout), now)
}
