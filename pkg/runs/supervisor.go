package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/sofia/pkg/metrics"
	"github.com/malbeclabs/sofia/pkg/normalize"
	"github.com/malbeclabs/sofia/pkg/pg"
	"github.com/malbeclabs/sofia/pkg/source"
)

const DefaultFinalizeTimeout = 30 * time.Second

// Recorder is the part of Store the supervisor needs.
type Recorder interface {
	Start(ctx context.Context, collector string, startedAt time.Time) (int64, error)
	Finish(ctx context.Context, r Run) error
}

// Notifier is told about runs that did not finish ok.
type Notifier interface {
	RunFailed(ctx context.Context, r Run) error
}

type SupervisorConfig struct {
	Logger          *slog.Logger
	Recorder        Recorder
	Clock           clockwork.Clock
	Notifier        Notifier
	FinalizeTimeout time.Duration
}

func (cfg *SupervisorConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Recorder == nil {
		return errors.New("recorder is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = DefaultFinalizeTimeout
	}
	return nil
}

// Counts are the row totals a supervised job reports.
type Counts struct {
	Inserted int64
	Failed   int64
}

type Job func(ctx context.Context) (Counts, error)

type Supervisor struct {
	log *slog.Logger
	cfg SupervisorConfig
}

func NewSupervisor(cfg SupervisorConfig) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Supervisor{log: cfg.Logger, cfg: cfg}, nil
}

// ErrCodeConnectionLost marks a run cut short by a lost database session.
const ErrCodeConnectionLost = "CONNECTION_LOST"

// ErrorCode maps an error to the code stored on the run row.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	if pg.IsConnectionLoss(err) {
		return ErrCodeConnectionLost
	}
	var nerr *normalize.Error
	if errors.As(err, &nerr) {
		return string(nerr.Code)
	}
	return string(source.CodeOf(err))
}

// Run executes job under timeout and always finalizes the run row, even when
// the job panics or ctx is cancelled. The returned error is the job's.
func (s *Supervisor) Run(ctx context.Context, collector string, timeout time.Duration, job Job) (Run, error) {
	started := s.cfg.Clock.Now().UTC()
	id, err := s.cfg.Recorder.Start(ctx, collector, started)
	if err != nil {
		return Run{}, err
	}
	s.log.Info("runs: started", "collector", collector, "run_id", id, "timeout", timeout)

	jobCtx, cancel := context.WithTimeout(ctx, timeout)
	counts, jobErr := s.execute(jobCtx, job)
	timedOut := errors.Is(jobCtx.Err(), context.DeadlineExceeded)
	cancel()

	finished := s.cfg.Clock.Now().UTC()
	run := Run{
		ID:            id,
		CollectorName: collector,
		StartedAt:     started,
		FinishedAt:    &finished,
		Status:        StatusOK,
		RowsInserted:  counts.Inserted,
		RowsFailed:    counts.Failed,
	}
	switch {
	case jobErr == nil:
	case timedOut || source.CodeOf(jobErr) == source.ErrTimeout:
		run.Status = StatusTimeout
		run.ErrorCode = string(source.ErrTimeout)
		run.Error = jobErr.Error()
	default:
		run.Status = StatusFailed
		run.ErrorCode = ErrorCode(jobErr)
		run.Error = jobErr.Error()
	}

	// The job context may be gone; the row must still be finalized.
	finalCtx, finalCancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.FinalizeTimeout)
	defer finalCancel()
	if err := s.cfg.Recorder.Finish(finalCtx, run); err != nil {
		s.log.Error("runs: failed to finalize run", "collector", collector, "run_id", id, "error", err)
		if jobErr == nil {
			jobErr = err
		}
	}

	metrics.CollectorRunsTotal.WithLabelValues(collector, string(run.Status)).Inc()
	metrics.CollectorRunDuration.WithLabelValues(collector).Observe(finished.Sub(started).Seconds())
	logArgs := []any{"collector", collector, "run_id", id, "status", run.Status,
		"rows_inserted", run.RowsInserted, "rows_failed", run.RowsFailed, "duration", finished.Sub(started)}
	if run.Status == StatusOK {
		s.log.Info("runs: finished", logArgs...)
		return run, jobErr
	}
	s.log.Error("runs: finished", append(logArgs, "error_code", run.ErrorCode, "error", jobErr)...)
	if s.cfg.Notifier != nil {
		if err := s.cfg.Notifier.RunFailed(finalCtx, run); err != nil {
			s.log.Warn("runs: failed to enqueue failure notification", "collector", collector, "error", err)
		}
	}
	return run, jobErr
}

func (s *Supervisor) execute(ctx context.Context, job Job) (counts Counts, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return job(ctx)
}
