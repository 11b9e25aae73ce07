package views

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/sofia/pkg/metrics"
	"github.com/malbeclabs/sofia/pkg/pg"
)

const (
	DefaultLockKey = "sofia.views"
	DefaultSchema  = pg.Schema
)

type State string

const (
	StateIdle                State = "idle"
	StateRefreshingBase      State = "refreshing(base)"
	StateRefreshingDomain    State = "refreshing(domain)"
	StateRefreshingComposite State = "refreshing(composite)"
)

func refreshingState(l Level) State {
	switch l {
	case LevelBase:
		return StateRefreshingBase
	case LevelDomain:
		return StateRefreshingDomain
	}
	return StateRefreshingComposite
}

type Mode string

const (
	ModeConcurrent Mode = "concurrent"
	ModeBlocking   Mode = "blocking"
)

type Config struct {
	Logger  *slog.Logger
	DB      pg.DB
	Clock   clockwork.Clock
	Views   []View
	Schema  string
	LockKey string
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Views == nil {
		cfg.Views = DefaultViews()
	}
	if cfg.Schema == "" {
		cfg.Schema = DefaultSchema
	}
	if cfg.LockKey == "" {
		cfg.LockKey = DefaultLockKey
	}
	return nil
}

type Refreshed struct {
	View     string
	Mode     Mode
	Duration time.Duration
}

type Result struct {
	// Passes is the number of passes this call ran, including coalesced
	// follow-ups. Zero when the request was coalesced or skipped.
	Passes    int
	Coalesced bool
	// Skipped is set when another process holds the refresh lock.
	Skipped   bool
	Refreshed []Refreshed
}

// Refresher runs refresh passes. Requests arriving while a pass is running
// are coalesced into exactly one further pass.
type Refresher struct {
	log   *slog.Logger
	cfg   Config
	graph *Graph

	mu      sync.Mutex
	state   State
	running bool
	pending bool
}

func NewRefresher(cfg Config) (*Refresher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	g, err := NewGraph(cfg.Views)
	if err != nil {
		return nil, fmt.Errorf("invalid view graph: %w", err)
	}
	return &Refresher{log: cfg.Logger, cfg: cfg, graph: g, state: StateIdle}, nil
}

func (r *Refresher) Graph() *Graph { return r.graph }

func (r *Refresher) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Refresher) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// Request refreshes every view. When a pass is already running it marks
// the refresher pending and returns at once with Coalesced set; the
// running caller performs the extra pass, also when its own pass failed,
// and returns the failures joined.
func (r *Refresher) Request(ctx context.Context) (Result, error) {
	r.mu.Lock()
	if r.running {
		r.pending = true
		r.mu.Unlock()
		metrics.RefreshPassesTotal.WithLabelValues("coalesced").Inc()
		r.log.Debug("views: refresh coalesced into pending pass")
		return Result{Coalesced: true}, nil
	}
	r.running = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.running = false
		r.pending = false
		r.state = StateIdle
		r.mu.Unlock()
	}()

	var (
		res  Result
		errs []error
	)
	for {
		metrics.RefreshPassesTotal.WithLabelValues("requested").Inc()
		refreshed, skipped, err := r.pass(ctx)
		switch {
		case err != nil:
			errs = append(errs, err)
		case skipped:
			res.Skipped = true
			return res, errors.Join(errs...)
		default:
			res.Passes++
		}
		res.Refreshed = append(res.Refreshed, refreshed...)

		r.mu.Lock()
		again := r.pending
		r.pending = false
		r.mu.Unlock()
		if !again {
			return res, errors.Join(errs...)
		}
		if ctx.Err() != nil {
			r.log.Warn("views: dropping pending refresh pass", "error", ctx.Err())
			return res, errors.Join(append(errs, ctx.Err())...)
		}
		r.log.Info("views: running pending refresh pass", "previous_failed", err != nil)
	}
}

func (r *Refresher) pass(ctx context.Context) ([]Refreshed, bool, error) {
	lock, ok, err := pg.TryAdvisoryLock(ctx, r.cfg.DB, r.cfg.LockKey)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		r.log.Warn("views: refresh lock held by another process, skipping pass", "lock", r.cfg.LockKey)
		return nil, true, nil
	}
	defer func() {
		// Release on a fresh context so a cancelled pass still unlocks.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil {
			r.log.Error("views: failed to release refresh lock", "error", err)
		}
	}()

	start := r.cfg.Clock.Now()
	var out []Refreshed
	for _, l := range levels {
		r.setState(refreshingState(l))
		for _, v := range r.graph.Level(l) {
			done, err := r.refresh(ctx, v)
			if err != nil {
				return out, false, err
			}
			out = append(out, done)
		}
	}
	r.log.Info("views: refresh pass complete", "views", len(out), "duration", r.cfg.Clock.Since(start))
	return out, false, nil
}

func (r *Refresher) refresh(ctx context.Context, v View) (Refreshed, error) {
	name := pg.Ident(r.cfg.Schema + "." + v.Name)
	start := r.cfg.Clock.Now()

	mode := ModeBlocking
	if v.UniqueIndex != "" {
		mode = ModeConcurrent
	}
	err := r.exec(ctx, v, mode, name)
	if err != nil && mode == ModeConcurrent && pg.CannotRefreshConcurrently(err) {
		r.log.Warn("views: concurrent refresh not possible, falling back to blocking", "view", v.Name, "error", err)
		metrics.ViewRefreshTotal.WithLabelValues(v.Name, string(mode), "fallback").Inc()
		mode = ModeBlocking
		err = r.exec(ctx, v, mode, name)
	}
	if err != nil {
		metrics.ViewRefreshTotal.WithLabelValues(v.Name, string(mode), "error").Inc()
		return Refreshed{}, fmt.Errorf("failed to refresh %s: %w", v.Name, err)
	}

	d := r.cfg.Clock.Since(start)
	metrics.ViewRefreshTotal.WithLabelValues(v.Name, string(mode), "ok").Inc()
	metrics.ViewRefreshDuration.WithLabelValues(v.Name).Observe(d.Seconds())
	r.log.Debug("views: refreshed", "view", v.Name, "mode", mode, "duration", d)
	return Refreshed{View: v.Name, Mode: mode, Duration: d}, nil
}

func (r *Refresher) exec(ctx context.Context, v View, mode Mode, name string) error {
	stmt := "REFRESH MATERIALIZED VIEW " + name
	if mode == ModeConcurrent {
		stmt = "REFRESH MATERIALIZED VIEW CONCURRENTLY " + name
	}
	return pg.RetryOnTimeout(ctx, r.log, "refresh "+v.Name, func(ctx context.Context) error {
		_, err := r.cfg.DB.ExecContext(ctx, stmt)
		return err
	})
}

const GeoPointsWindowKey = "geo_points_window_days"

// SetGeoPointsWindow changes the recent window of mv_security_geo_points;
// it takes effect on the next refresh.
func SetGeoPointsWindow(ctx context.Context, db pg.Querier, days int) error {
	if days <= 0 {
		return fmt.Errorf("geo points window must be positive, got %d", days)
	}
	_, err := db.ExecContext(ctx, `
INSERT INTO sofia.view_settings (key, value) VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, collected_at = NOW()`, GeoPointsWindowKey, fmt.Sprint(days))
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", GeoPointsWindowKey, err)
	}
	return nil
}
