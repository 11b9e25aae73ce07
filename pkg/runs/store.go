// Package runs records collector executions in sofia.collector_runs and
// guarantees no run is left in the running state.
package runs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/malbeclabs/sofia/pkg/pg"
)

type Status string

const (
	StatusRunning Status = "running"
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
)

const maxErrorLen = 2000

type Run struct {
	ID            int64
	CollectorName string
	StartedAt     time.Time
	FinishedAt    *time.Time
	Status        Status
	RowsInserted  int64
	RowsFailed    int64
	ErrorCode     string
	Error         string
}

type StoreConfig struct {
	Logger *slog.Logger
	DB     pg.DB
}

func (cfg *StoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	return nil
}

type Store struct {
	log *slog.Logger
	db  pg.DB
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, db: cfg.DB}, nil
}

func (s *Store) Start(ctx context.Context, collector string, startedAt time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO sofia.collector_runs (collector_name, started_at, status) VALUES ($1, $2, $3) RETURNING id`,
		collector, startedAt.UTC(), string(StatusRunning)).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run for %s: %w", collector, err)
	}
	return id, nil
}

// Finish records the final state of a run. Only running rows are updated, so
// a row already swept as timed out keeps that status.
func (s *Store) Finish(ctx context.Context, r Run) error {
	if r.Status == StatusRunning {
		return fmt.Errorf("run %d cannot finish as %s", r.ID, r.Status)
	}
	finished := time.Now().UTC()
	if r.FinishedAt != nil {
		finished = r.FinishedAt.UTC()
	}
	msg := truncateRunes(strings.ToValidUTF8(r.Error, "\uFFFD"), maxErrorLen)
	_, err := s.db.ExecContext(ctx, `
UPDATE sofia.collector_runs
SET status = $2, finished_at = $3, rows_inserted = $4, rows_failed = $5, error_code = $6, error = $7
WHERE id = $1 AND status = 'running'`,
		r.ID, string(r.Status), finished, r.RowsInserted, r.RowsFailed, nullString(r.ErrorCode), nullString(msg))
	if err != nil {
		return fmt.Errorf("failed to finish run %d: %w", r.ID, err)
	}
	return nil
}

// SweepStale marks running rows started before cutoff as timed out. These
// are runs whose process died before the supervisor could finish them.
func (s *Store) SweepStale(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE sofia.collector_runs
SET status = 'timeout', finished_at = $2, error_code = 'TIMEOUT', error = 'run orphaned past its timeout'
WHERE status = 'running' AND started_at < $1`, cutoff.UTC(), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep stale runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Warn("runs: swept orphaned runs", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

const runColumns = `id, collector_name, started_at, finished_at, status, rows_inserted, rows_failed, COALESCE(error_code, ''), COALESCE(error, '')`

// Recent lists the newest runs, optionally for one collector.
func (s *Store) Recent(ctx context.Context, collector string, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+`
FROM sofia.collector_runs
WHERE ($1 = '' OR collector_name = $1)
ORDER BY started_at DESC, id DESC
LIMIT $2`, collector, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

// Running lists runs currently in the running state.
func (s *Store) Running(ctx context.Context) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM sofia.collector_runs WHERE status = 'running' ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to query running runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func scanRuns(rows *sql.Rows) ([]Run, error) {
	var out []Run
	for rows.Next() {
		var (
			r        Run
			finished sql.NullTime
			status   string
		)
		if err := rows.Scan(&r.ID, &r.CollectorName, &r.StartedAt, &finished, &status,
			&r.RowsInserted, &r.RowsFailed, &r.ErrorCode, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.Status = Status(status)
		if finished.Valid {
			t := finished.Time
			r.FinishedAt = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
