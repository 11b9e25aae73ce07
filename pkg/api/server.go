// Package api serves the canonical tables and views read-only over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/malbeclabs/sofia/pkg/metrics"
	"github.com/malbeclabs/sofia/pkg/pg"
	"github.com/malbeclabs/sofia/pkg/runs"
	"github.com/malbeclabs/sofia/pkg/views"
)

const (
	DefaultListenAddr      = ":8080"
	defaultShutdownTimeout = 30 * time.Second
	defaultLimit           = 100
	maxLimit               = 1000
)

type RunLister interface {
	Recent(ctx context.Context, collector string, limit int) ([]runs.Run, error)
}

type Config struct {
	Logger *slog.Logger
	DB     pg.DB
	Runs   RunLister
	// Views are the view names /api/views/{name} may read. Defaults to the
	// refresh graph's views.
	Views           []string
	ListenAddr      string
	ShutdownTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Runs == nil {
		return errors.New("run lister is required")
	}
	if len(cfg.Views) == 0 {
		for _, v := range views.DefaultViews() {
			cfg.Views = append(cfg.Views, v.Name)
		}
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = DefaultListenAddr
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return nil
}

type Server struct {
	log   *slog.Logger
	cfg   Config
	views map[string]bool
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(cfg.Views))
	for _, v := range cfg.Views {
		allowed[v] = true
	}
	return &Server{log: cfg.Logger, cfg: cfg, views: allowed}, nil
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/countries/{code}/security", s.handleCountrySecurity)
		r.Get("/views/{name}", s.handleView)
		r.Get("/runs", s.handleRuns)
		r.Get("/coverage", s.handleCoverage)
	})
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api: listening", "addr", s.cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.log.Info("api: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down api server: %w", err)
	}
	return nil
}
