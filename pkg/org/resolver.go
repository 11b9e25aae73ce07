package org

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgraph-io/ristretto"

	"github.com/malbeclabs/sofia/pkg/metrics"
	"github.com/malbeclabs/sofia/pkg/pg"
)

var ErrEmptyName = errors.New("organization name is empty after normalization")

const defaultCacheEntries = 100_000

type Outcome string

const (
	OutcomeCache   Outcome = "cache"
	OutcomeExact   Outcome = "exact"
	OutcomeFuzzy   Outcome = "fuzzy"
	OutcomeCreated Outcome = "created"
)

type Config struct {
	Logger       *slog.Logger
	DB           pg.DB
	CacheEntries int64
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = defaultCacheEntries
	}
	return nil
}

type Result struct {
	ID             int64
	NormalizedName string
	Outcome        Outcome
	Score          float64
}

// Resolver is safe for concurrent use. The fuzzy candidate index is loaded
// on first use and extended with every organization this process creates.
type Resolver struct {
	log   *slog.Logger
	cfg   Config
	cache *ristretto.Cache

	mu     sync.Mutex
	index  []Candidate
	loaded bool
}

func NewResolver(cfg Config) (*Resolver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        cfg.CacheEntries * 10,
		MaxCost:            cfg.CacheEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create organization cache: %w", err)
	}
	return &Resolver{log: cfg.Logger, cfg: cfg, cache: cache}, nil
}

func (r *Resolver) Close() {
	r.cache.Close()
}

// Resolve returns the id of the organization named raw, creating it when
// neither an exact nor a fuzzy match exists. countryCode may be empty.
func (r *Resolver) Resolve(ctx context.Context, raw, countryCode string) (Result, error) {
	name := NormalizeName(raw)
	if name == "" {
		return Result{}, ErrEmptyName
	}

	if v, ok := r.cache.Get(name); ok {
		res := v.(Result)
		res.Outcome = OutcomeCache
		metrics.OrganizationResolutionsTotal.WithLabelValues(string(OutcomeCache)).Inc()
		return res, nil
	}

	res, err := r.lookup(ctx, raw, name, countryCode)
	if err != nil {
		return Result{}, err
	}
	metrics.OrganizationResolutionsTotal.WithLabelValues(string(res.Outcome)).Inc()
	r.cache.Set(name, res, 1)
	r.cache.Wait()
	return res, nil
}

func (r *Resolver) lookup(ctx context.Context, raw, name, countryCode string) (Result, error) {
	var id int64
	err := r.cfg.DB.QueryRowContext(ctx, `SELECT id FROM sofia.organizations WHERE normalized_name = $1`, name).Scan(&id)
	switch {
	case err == nil:
		return Result{ID: id, NormalizedName: name, Outcome: OutcomeExact, Score: 100}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Result{}, fmt.Errorf("failed to look up organization %q: %w", name, err)
	}

	index, err := r.candidates(ctx)
	if err != nil {
		return Result{}, err
	}
	if c, score, ok := BestMatch(name, index); ok {
		r.log.Debug("org: fuzzy match", "name", name, "match", c.Name, "score", score)
		return Result{ID: c.ID, NormalizedName: c.Name, Outcome: OutcomeFuzzy, Score: score}, nil
	}

	var code sql.NullString
	if countryCode != "" {
		code = sql.NullString{String: countryCode, Valid: true}
	}
	err = r.cfg.DB.QueryRowContext(ctx, `
INSERT INTO sofia.organizations (normalized_name, display_name, type, country_code)
VALUES ($1, $2, $3, $4)
ON CONFLICT (normalized_name) DO UPDATE SET normalized_name = EXCLUDED.normalized_name
RETURNING id`, name, raw, string(InferType(name)), code).Scan(&id)
	if err != nil {
		return Result{}, fmt.Errorf("failed to insert organization %q: %w", name, err)
	}

	r.mu.Lock()
	r.index = append(r.index, Candidate{ID: id, Name: name})
	r.mu.Unlock()
	return Result{ID: id, NormalizedName: name, Outcome: OutcomeCreated, Score: 100}, nil
}

func (r *Resolver) candidates(ctx context.Context) ([]Candidate, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return r.index, nil
	}

	rows, err := r.cfg.DB.QueryContext(ctx, `SELECT id, normalized_name FROM sofia.organizations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load organization index: %w", err)
	}
	defer rows.Close()
	var index []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("failed to scan organization: %w", err)
		}
		index = append(index, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	r.index = append(index, r.index...)
	r.loaded = true
	return r.index, nil
}
