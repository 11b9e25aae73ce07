package pg

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	statementRetryDelay = 500 * time.Millisecond
	statementMaxTries   = 2
)

// RetryOnTimeout runs fn and retries it once when the statement was cancelled
// by statement_timeout. Any other error is returned immediately.
func RetryOnTimeout(ctx context.Context, log *slog.Logger, operation string, fn func(ctx context.Context) error) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info("pg: operation succeeded after retry", "operation", operation, "attempts", attempt)
			}
			return struct{}{}, nil
		}
		if !IsStatementTimeout(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		log.Warn("pg: statement timeout, retrying", "operation", operation, "attempt", attempt, "error", err)
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(statementRetryDelay)),
		backoff.WithMaxTries(statementMaxTries),
	)
	return err
}
