// Package pipeline runs the ingest data flow end to end: adapters land rows
// in staging, normalizers load observations, and the derived layers
// (coverage, organization links, signal maps, views) are rebuilt.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/sofia/pkg/config"
	"github.com/malbeclabs/sofia/pkg/coverage"
	"github.com/malbeclabs/sofia/pkg/filecache"
	"github.com/malbeclabs/sofia/pkg/health"
	"github.com/malbeclabs/sofia/pkg/mapper"
	"github.com/malbeclabs/sofia/pkg/normalize"
	"github.com/malbeclabs/sofia/pkg/org"
	"github.com/malbeclabs/sofia/pkg/pg"
	"github.com/malbeclabs/sofia/pkg/runs"
	"github.com/malbeclabs/sofia/pkg/source"
	"github.com/malbeclabs/sofia/pkg/staging"
	"github.com/malbeclabs/sofia/pkg/views"
)

type Supervisor interface {
	Run(ctx context.Context, collector string, timeout time.Duration, job runs.Job) (runs.Run, error)
}

type Scorer interface {
	Run(ctx context.Context) (coverage.Report, error)
}

type CoverageNotifier interface {
	LowCoverage(ctx context.Context, countries []coverage.CountryCoverage) error
}

type Linker interface {
	Link(ctx context.Context, t org.LinkTarget) (int64, error)
}

type SignalMapper interface {
	RebuildAll(ctx context.Context) ([]mapper.Report, error)
}

type ViewRefresher interface {
	Request(ctx context.Context) (views.Result, error)
}

// NormalizerFactory returns the normalizer for an adapter's staging table.
type NormalizerFactory func(name string) (normalize.Normalizer, error)

type Config struct {
	Logger      *slog.Logger
	DB          pg.DB
	Clock       clockwork.Clock
	Registry    *source.Registry
	Sources     config.Sources
	Credentials config.Credentials
	Cache       *filecache.Cache
	// HTTP is the template for per-adapter clients; each adapter gets its
	// own limiter from its rate_per_second.
	HTTP source.HTTPConfig

	Supervisor  Supervisor
	Normalizers NormalizerFactory
	Scorer      Scorer
	Orgs        Linker
	Mapper      SignalMapper
	Views       ViewRefresher

	// Notifier and Sweeper are optional.
	Notifier CoverageNotifier
	Sweeper  health.Sweeper

	AdapterTimeout time.Duration
	BatchSize      int
	Parallel       int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Supervisor == nil {
		return errors.New("supervisor is required")
	}
	if cfg.Normalizers == nil {
		return errors.New("normalizer factory is required")
	}
	if cfg.Scorer == nil {
		return errors.New("scorer is required")
	}
	if cfg.Orgs == nil {
		return errors.New("organization linker is required")
	}
	if cfg.Mapper == nil {
		return errors.New("mapper is required")
	}
	if cfg.Views == nil {
		return errors.New("view refresher is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.HTTP.Logger == nil {
		cfg.HTTP.Logger = cfg.Logger
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = config.DefaultAdapterTimeout
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = config.DefaultBatchSize
	}
	if cfg.Parallel <= 0 {
		cfg.Parallel = 1
	}
	return nil
}

type Pipeline struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{log: cfg.Logger, cfg: cfg}, nil
}

// Report is the outcome of one pipeline run.
type Report struct {
	Collected  []runs.Run
	Normalized []runs.Run
	Loads      []normalize.LoadResult
	Coverage   coverage.Report
	Linked     int64
	Mapped     []mapper.Report
	Views      views.Result
}

// Failed lists the collect and normalize runs that did not finish ok.
func (r *Report) Failed() []runs.Run {
	var out []runs.Run
	for _, run := range slices.Concat(r.Collected, r.Normalized) {
		if run.Status != runs.StatusOK {
			out = append(out, run)
		}
	}
	return out
}

// Run collects the named adapters (all enabled ones when names is empty),
// normalizes those that succeeded and rebuilds the derived layers.
func (p *Pipeline) Run(ctx context.Context, names []string) (*Report, error) {
	if err := p.Sweep(ctx); err != nil {
		return nil, err
	}

	report := &Report{}
	collected, err := p.Collect(ctx, names)
	report.Collected = collected
	if err != nil {
		return report, err
	}

	var ok []string
	for _, run := range collected {
		if run.Status == runs.StatusOK {
			ok = append(ok, run.CollectorName)
		}
	}
	report.Normalized, report.Loads, err = p.Normalize(ctx, ok)
	if err != nil {
		return report, err
	}

	if err := p.Derive(ctx, report); err != nil {
		return report, err
	}
	p.log.Info("pipeline: run complete",
		"collected", len(report.Collected), "normalized", len(report.Loads),
		"failed", len(report.Failed()), "view_passes", report.Views.Passes)
	return report, nil
}

// Sweep times out runs orphaned by a previous process.
func (p *Pipeline) Sweep(ctx context.Context) error {
	if p.cfg.Sweeper == nil {
		return nil
	}
	if _, err := health.SweepStaleRuns(ctx, p.cfg.Sweeper, p.cfg.Clock, p.cfg.AdapterTimeout); err != nil {
		return fmt.Errorf("failed to sweep stale runs: %w", err)
	}
	return nil
}

// Names resolves the adapters to run. Unknown names are an error; disabled
// ones are skipped.
func (p *Pipeline) Names(names []string) ([]string, error) {
	known := p.cfg.Registry.Names()
	if len(names) == 0 {
		names = known
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !slices.Contains(known, name) {
			return nil, source.Errorf(source.ErrDependencyMissing, "unknown adapter %q", name)
		}
		if !p.cfg.Sources.Get(name).IsEnabled() {
			p.log.Info("pipeline: adapter disabled", "adapter", name)
			continue
		}
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out, nil
}

// Collect runs each adapter into its staging table under the supervisor,
// at most Parallel at a time. An adapter failure is recorded on its run and
// does not stop the others, unless the database connection was lost.
func (p *Pipeline) Collect(ctx context.Context, names []string) ([]runs.Run, error) {
	names, err := p.Names(names)
	if err != nil {
		return nil, err
	}
	if len(names) == 0 {
		return nil, nil
	}

	pool := pond.NewResultPool[runs.Run](p.cfg.Parallel)
	defer pool.StopAndWait()

	// A lost database connection stops the batch: adapters not yet started
	// are not run against a dead pool.
	ctx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	group := pool.NewGroupContext(ctx)
	for _, name := range names {
		group.SubmitErr(func() (runs.Run, error) {
			if ctx.Err() != nil {
				return runs.Run{}, context.Cause(ctx)
			}
			run, err := p.collect(ctx, name)
			if err != nil {
				stop(err)
			}
			return run, err
		})
	}
	return group.Wait()
}

func (p *Pipeline) deps(name string) (source.Deps, error) {
	sc := p.cfg.Sources.Get(name)
	hc := p.cfg.HTTP
	hc.Logger = p.log.With("adapter", name)
	hc.RatePerSecond = sc.RatePerSecond
	client, err := source.NewHTTPClient(hc)
	if err != nil {
		return source.Deps{}, fmt.Errorf("failed to create http client for %s: %w", name, err)
	}
	return source.Deps{
		Logger:         p.log.With("adapter", name),
		Source:         sc,
		Credentials:    p.cfg.Credentials,
		HTTP:           client,
		Cache:          p.cfg.Cache,
		Clock:          p.cfg.Clock,
		DefaultTimeout: p.cfg.AdapterTimeout,
	}, nil
}

func (p *Pipeline) collect(ctx context.Context, name string) (runs.Run, error) {
	var (
		adapter  source.Adapter
		buildErr error
	)
	deps, err := p.deps(name)
	if err != nil {
		buildErr = err
	} else {
		adapter, buildErr = p.cfg.Registry.Build(name, deps)
	}

	timeout := p.cfg.Sources.Get(name).Timeout(p.cfg.AdapterTimeout)
	if adapter != nil {
		timeout = adapter.Timeout()
	}
	batchSize := p.cfg.BatchSize
	if n := p.cfg.Sources.Get(name).BatchSize; n > 0 {
		batchSize = n
	}

	run, err := p.cfg.Supervisor.Run(ctx, name, timeout, func(ctx context.Context) (runs.Counts, error) {
		if buildErr != nil {
			return runs.Counts{}, buildErr
		}
		conn, err := p.cfg.DB.Conn(ctx)
		if err != nil {
			return runs.Counts{}, fmt.Errorf("failed to acquire connection: %w", err)
		}
		defer conn.Close()

		w, err := staging.NewWriter(staging.WriterConfig{
			Logger:    p.log,
			DB:        conn,
			Table:     adapter.StagingTable(),
			BatchSize: batchSize,
		})
		if err != nil {
			return runs.Counts{}, err
		}
		collectErr := adapter.Collect(ctx, w)
		stats, closeErr := w.Close(ctx)
		counts := runs.Counts{Inserted: stats.Inserted, Failed: stats.Failed}
		if collectErr != nil {
			return counts, collectErr
		}
		return counts, closeErr
	})
	if run.ID == 0 && err != nil {
		return run, fmt.Errorf("failed to record run for %s: %w", name, err)
	}
	if err != nil {
		p.log.Error("pipeline: adapter failed", "adapter", name, "status", run.Status, "code", run.ErrorCode, "error", err)
		if pg.IsConnectionLoss(err) {
			return run, fmt.Errorf("database connection lost during %s: %w", name, err)
		}
	}
	return run, nil
}

// Normalize loads observations for each named source, in name order. An
// empty source is logged and counted as ok.
func (p *Pipeline) Normalize(ctx context.Context, names []string) ([]runs.Run, []normalize.LoadResult, error) {
	names = slices.Clone(names)
	slices.Sort(names)

	var (
		out   []runs.Run
		loads []normalize.LoadResult
	)
	for _, name := range names {
		n, err := p.cfg.Normalizers(name)
		if err != nil {
			return out, loads, err
		}
		var res normalize.LoadResult
		run, err := p.cfg.Supervisor.Run(ctx, name+".normalize", p.cfg.AdapterTimeout, func(ctx context.Context) (runs.Counts, error) {
			var err error
			res, err = n.Load(ctx)
			if normalize.IsWarning(err) {
				p.log.Warn("pipeline: source has no staging rows", "source", name)
				return runs.Counts{}, nil
			}
			return runs.Counts{Inserted: res.Changed}, err
		})
		if run.ID == 0 && err != nil {
			return out, loads, fmt.Errorf("failed to record run for %s: %w", name, err)
		}
		out = append(out, run)
		if err != nil {
			p.log.Error("pipeline: normalizer failed", "source", name, "code", run.ErrorCode, "error", err)
			if pg.IsConnectionLoss(err) {
				return out, loads, fmt.Errorf("database connection lost normalizing %s: %w", name, err)
			}
			continue
		}
		loads = append(loads, res)
	}
	return out, loads, nil
}

// Derive recomputes coverage, links organizations, rebuilds signal maps and
// refreshes the views, filling the corresponding report fields.
func (p *Pipeline) Derive(ctx context.Context, report *Report) error {
	cov, err := p.cfg.Scorer.Run(ctx)
	if err != nil {
		return fmt.Errorf("failed to score coverage: %w", err)
	}
	report.Coverage = cov
	if low := cov.LowCoverage(); len(low) > 0 && p.cfg.Notifier != nil {
		if err := p.cfg.Notifier.LowCoverage(ctx, low); err != nil {
			p.log.Warn("pipeline: failed to record low coverage notification", "error", err)
		}
	}

	for _, t := range org.LinkTargets {
		n, err := p.cfg.Orgs.Link(ctx, t)
		if err != nil {
			return fmt.Errorf("failed to link organizations in %s: %w", t.Table, err)
		}
		report.Linked += n
	}

	mapped, err := p.cfg.Mapper.RebuildAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to rebuild signal maps: %w", err)
	}
	report.Mapped = mapped

	res, err := p.cfg.Views.Request(ctx)
	if err != nil {
		return fmt.Errorf("failed to refresh views: %w", err)
	}
	report.Views = res
	return nil
}
