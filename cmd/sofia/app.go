package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/sofia/pkg/config"
	"github.com/malbeclabs/sofia/pkg/country"
	"github.com/malbeclabs/sofia/pkg/coverage"
	"github.com/malbeclabs/sofia/pkg/filecache"
	"github.com/malbeclabs/sofia/pkg/logger"
	"github.com/malbeclabs/sofia/pkg/mapper"
	"github.com/malbeclabs/sofia/pkg/metrics"
	"github.com/malbeclabs/sofia/pkg/normalize"
	"github.com/malbeclabs/sofia/pkg/org"
	"github.com/malbeclabs/sofia/pkg/outbox"
	"github.com/malbeclabs/sofia/pkg/pg"
	"github.com/malbeclabs/sofia/pkg/pipeline"
	"github.com/malbeclabs/sofia/pkg/runs"
	"github.com/malbeclabs/sofia/pkg/source"
	"github.com/malbeclabs/sofia/pkg/views"
)

// app holds what every subcommand shares: configuration, logger, the
// Postgres pool and whatever else a command opened.
type app struct {
	log     *slog.Logger
	cfg     *config.Config
	sources config.Sources
	db      *sql.DB
	clock   clockwork.Clock
	closers []func()
}

func newApp(cmd *cobra.Command) (*app, error) {
	verbose, err := cmd.Root().PersistentFlags().GetBool("verbose")
	if err != nil {
		return nil, fmt.Errorf("failed to get verbose flag: %w", err)
	}
	log := logger.New(verbose)

	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	if path, _ := cmd.Root().PersistentFlags().GetString("sources-file"); path != "" {
		cfg.SourcesFile = path
	}
	if addr, _ := cmd.Root().PersistentFlags().GetString("metrics-addr"); addr != "" {
		cfg.MetricsAddr = addr
	}
	sources, err := config.LoadSources(cfg.SourcesFile)
	if err != nil {
		return nil, err
	}

	a := &app{log: log, cfg: cfg, sources: sources, clock: clockwork.NewRealClock()}
	if cfg.MetricsAddr != "" {
		if err := a.serveMetrics(); err != nil {
			return nil, err
		}
	}

	db, err := pg.Open(cmd.Context(), log, cfg.Postgres, pg.Options{StatementTimeout: cfg.StatementTimeout})
	if err != nil {
		return nil, err
	}
	a.db = db
	a.onClose(func() { _ = db.Close() })
	return a, nil
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) serveMetrics() error {
	listener, err := net.Listen("tcp", a.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on metrics address: %w", err)
	}
	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux}
	go func() {
		a.log.Info("metrics: listening", "address", listener.Addr().String())
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("metrics: server failed", "error", err)
		}
	}()
	a.onClose(func() { _ = srv.Close() })
	return nil
}

func (a *app) countries() (*country.Store, *country.Resolver, error) {
	store, err := country.NewStore(country.StoreConfig{Logger: a.log, DB: a.db})
	if err != nil {
		return nil, nil, err
	}
	rcfg := country.ResolverConfig{
		Logger: a.log,
		Tables: country.NewCachedTables(store, country.DefaultTableTTL),
	}
	if a.cfg.GeoIPCityDBPath != "" {
		geo, err := country.OpenGeoIP(a.log, a.cfg.GeoIPCityDBPath)
		if err != nil {
			return nil, nil, err
		}
		a.onClose(func() { _ = geo.Close() })
		rcfg.GeoIP = geo
	}
	resolver, err := country.NewResolver(rcfg)
	if err != nil {
		return nil, nil, err
	}
	return store, resolver, nil
}

func (a *app) runStore() (*runs.Store, error) {
	return runs.NewStore(runs.StoreConfig{Logger: a.log, DB: a.db})
}

func (a *app) notifier() (*outbox.Notifier, error) {
	store, err := outbox.NewStore(outbox.StoreConfig{Logger: a.log, DB: a.db})
	if err != nil {
		return nil, err
	}
	return outbox.NewNotifier(outbox.NotifierConfig{
		Logger:     a.log,
		Store:      store,
		Recipients: outbox.Recipients(a.cfg.Notifications),
		APIURL:     a.cfg.Notifications.APIURL,
	})
}

func (a *app) scorer() (*coverage.Scorer, error) {
	return coverage.NewScorer(coverage.Config{Logger: a.log, DB: a.db, Clock: a.clock})
}

func (a *app) refresher() (*views.Refresher, error) {
	return views.NewRefresher(views.Config{Logger: a.log, DB: a.db, Clock: a.clock})
}

func (a *app) mapper(store *country.Store, resolver *country.Resolver) (*mapper.Mapper, error) {
	m, err := mapper.New(mapper.Config{Logger: a.log, DB: a.db, Resolver: resolver, Countries: store})
	if err != nil {
		return nil, err
	}
	a.onClose(m.Close)
	return m, nil
}

func (a *app) orgs() (*org.Resolver, error) {
	r, err := org.NewResolver(org.Config{Logger: a.log, DB: a.db})
	if err != nil {
		return nil, err
	}
	a.onClose(r.Close)
	return r, nil
}

func (a *app) loader(store *country.Store, resolver *country.Resolver) (*normalize.Loader, error) {
	return normalize.NewLoader(normalize.LoaderConfig{
		Logger:    a.log,
		DB:        a.db,
		Resolver:  resolver,
		Countries: store,
		BatchSize: a.cfg.BatchSize,
	})
}

func (a *app) cache(ctx context.Context) (*filecache.Cache, error) {
	location := a.cfg.CacheDir
	if a.cfg.CacheURI != "" {
		location = a.cfg.CacheURI
	}
	return filecache.Open(ctx, a.log, location)
}

// pipeline wires every stage of the data flow.
func (a *app) pipeline(ctx context.Context, parallel int) (*pipeline.Pipeline, error) {
	store, resolver, err := a.countries()
	if err != nil {
		return nil, err
	}
	loader, err := a.loader(store, resolver)
	if err != nil {
		return nil, err
	}
	runStore, err := a.runStore()
	if err != nil {
		return nil, err
	}
	notifier, err := a.notifier()
	if err != nil {
		return nil, err
	}
	supervisor, err := runs.NewSupervisor(runs.SupervisorConfig{
		Logger:   a.log,
		Recorder: runStore,
		Clock:    a.clock,
		Notifier: notifier,
	})
	if err != nil {
		return nil, err
	}
	scorer, err := a.scorer()
	if err != nil {
		return nil, err
	}
	orgs, err := a.orgs()
	if err != nil {
		return nil, err
	}
	m, err := a.mapper(store, resolver)
	if err != nil {
		return nil, err
	}
	refresher, err := a.refresher()
	if err != nil {
		return nil, err
	}
	cache, err := a.cache(ctx)
	if err != nil {
		return nil, err
	}

	return pipeline.New(pipeline.Config{
		Logger:      a.log,
		DB:          a.db,
		Clock:       a.clock,
		Registry:    pipeline.DefaultRegistry(),
		Sources:     a.sources,
		Credentials: a.cfg.Credentials,
		Cache:       cache,
		HTTP:        source.HTTPConfig{UserAgent: "sofia/" + version},
		Supervisor:  supervisor,
		Normalizers: func(name string) (normalize.Normalizer, error) {
			return pipeline.NormalizerFor(name, loader, a.db, a.sources, a.cfg.GDELTWindowDays)
		},
		Scorer:         scorer,
		Orgs:           orgs,
		Mapper:         m,
		Views:          refresher,
		Notifier:       notifier,
		Sweeper:        runStore,
		AdapterTimeout: a.cfg.AdapterTimeout,
		BatchSize:      a.cfg.BatchSize,
		Parallel:       parallel,
	})
}
