// Package normalize turns staging rows into canonical security
// observations, one normalizer per upstream source.
package normalize

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/malbeclabs/sofia/pkg/config"
	"github.com/malbeclabs/sofia/pkg/country"
	"github.com/malbeclabs/sofia/pkg/metrics"
	"github.com/malbeclabs/sofia/pkg/pg"
)

const (
	SignalAcute      = "acute"
	SignalStructural = "structural"
	SignalLocal      = "local"

	ScopeGlobal = "global_comparable"
	ScopeLocal  = "local_only"
)

// Observation is one row of sofia.security_observations as a normalizer
// produces it. CountryCode is filled by the resolution pass, and the
// coverage scores only seed new rows; the scorer owns them afterwards.
type Observation struct {
	Source         string
	SourceID       string
	SignalType     string
	CoverageScope  string
	CountryName    string
	Admin1         string
	City           string
	Latitude       *float64
	Longitude      *float64
	SeverityRaw    float64
	SeverityNorm   float64
	EventCount     *int64
	Fatalities     *int64
	Confidence     float64
	CoverageGlobal float64
	CoverageLocal  float64
	EventTimeStart time.Time
	EventTimeEnd   time.Time
	// Raw is the staging payload, stored as JSONB.
	Raw json.RawMessage
}

type LoadResult struct {
	Source     string
	Read       int64
	Changed    int64
	Resolved   int64
	Unresolved int64
}

type Normalizer interface {
	Source() string
	Load(ctx context.Context) (LoadResult, error)
}

var upsertColumns = []string{
	"source", "source_id", "signal_type", "coverage_scope", "country_name", "admin1", "city",
	"latitude", "longitude", "severity_raw", "severity_norm", "event_count", "fatalities",
	"confidence_score", "coverage_score_global", "coverage_score_local",
	"event_time_start", "event_time_end", "raw",
}

// updatedColumns are rewritten on conflict. Coverage scores and country_code
// are left to their owners.
var updatedColumns = []string{
	"signal_type", "coverage_scope", "country_name", "admin1", "city",
	"latitude", "longitude", "severity_raw", "severity_norm", "event_count", "fatalities",
	"confidence_score", "event_time_start", "event_time_end", "raw",
}

func upsertSuffix() string {
	set := make([]string, 0, len(updatedColumns)+2)
	cur := make([]string, 0, len(updatedColumns))
	next := make([]string, 0, len(updatedColumns))
	for _, c := range updatedColumns {
		set = append(set, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		cur = append(cur, "o."+c)
		next = append(next, "EXCLUDED."+c)
	}
	// A renamed country invalidates the resolved code.
	set = append(set,
		"country_code = CASE WHEN o.country_name IS DISTINCT FROM EXCLUDED.country_name THEN NULL ELSE o.country_code END",
		"collected_at = NOW()",
	)
	return fmt.Sprintf("ON CONFLICT (source, source_id) DO UPDATE SET %s WHERE (%s) IS DISTINCT FROM (%s)",
		strings.Join(set, ", "), strings.Join(cur, ", "), strings.Join(next, ", "))
}

type LoaderConfig struct {
	Logger    *slog.Logger
	DB        pg.DB
	Resolver  *country.Resolver
	Countries *country.Store
	BatchSize int
}

func (cfg *LoaderConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Resolver == nil {
		return errors.New("resolver is required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = config.DefaultBatchSize
	}
	if cfg.BatchSize < config.MinBatchSize || cfg.BatchSize > config.MaxBatchSize {
		return fmt.Errorf("batch size must be between %d and %d", config.MinBatchSize, config.MaxBatchSize)
	}
	return nil
}

// Loader writes observations and resolves their countries. It is shared by
// every normalizer.
type Loader struct {
	log    *slog.Logger
	cfg    LoaderConfig
	insert pg.BulkInsert
}

func NewLoader(cfg LoaderConfig) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Loader{
		log: cfg.Logger,
		cfg: cfg,
		insert: pg.BulkInsert{
			Table:   "sofia.security_observations",
			Alias:   "o",
			Columns: upsertColumns,
			Suffix:  upsertSuffix(),
		},
	}, nil
}

// Load upserts obs in source_id order, one transaction per batch, then
// resolves country codes still missing for the source.
func (l *Loader) Load(ctx context.Context, source string, obs []Observation) (LoadResult, error) {
	res := LoadResult{Source: source, Read: int64(len(obs))}
	if len(obs) == 0 {
		return res, &Error{Code: ErrSourceEmpty, Source: source, Err: errors.New("no staging rows")}
	}

	rows, err := l.rows(source, obs)
	if err != nil {
		return res, err
	}
	for start := 0; start < len(rows); start += l.cfg.BatchSize {
		batch := rows[start:min(start+l.cfg.BatchSize, len(rows))]
		var n int64
		err := pg.RetryOnTimeout(ctx, l.log, "upsert "+source, func(ctx context.Context) error {
			return pg.InTx(ctx, l.cfg.DB, func(tx *sql.Tx) error {
				var err error
				n, err = l.insert.Exec(ctx, tx, batch)
				return err
			})
		})
		if err != nil {
			return res, classify(source, fmt.Errorf("failed to upsert batch at %d: %w", start, err))
		}
		res.Changed += n
	}
	metrics.NormalizerRowsTotal.WithLabelValues(source, "changed").Add(float64(res.Changed))
	metrics.NormalizerRowsTotal.WithLabelValues(source, "unchanged").Add(float64(res.Read - res.Changed))

	res.Resolved, res.Unresolved, err = l.ResolveCountries(ctx, source)
	if err != nil {
		return res, err
	}
	l.log.Info("normalize: loaded", "source", source, "read", res.Read, "changed", res.Changed,
		"resolved", res.Resolved, "unresolved", res.Unresolved)
	return res, nil
}

func (l *Loader) rows(source string, obs []Observation) ([][]any, error) {
	sorted := make([]Observation, len(obs))
	copy(sorted, obs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SourceID < sorted[j].SourceID })

	rows := make([][]any, 0, len(sorted))
	for i, o := range sorted {
		if o.Source != source {
			return nil, fmt.Errorf("observation %s belongs to %s, not %s", o.SourceID, o.Source, source)
		}
		if i > 0 && sorted[i-1].SourceID == o.SourceID {
			return nil, &Error{Code: ErrConstraintViolation, Source: source, Err: fmt.Errorf("duplicate source_id %q", o.SourceID)}
		}
		raw := o.Raw
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		rows = append(rows, []any{
			o.Source, o.SourceID, o.SignalType, o.CoverageScope, nullString(o.CountryName), nullString(o.Admin1), nullString(o.City),
			nullFloat(o.Latitude), nullFloat(o.Longitude), o.SeverityRaw, o.SeverityNorm, nullInt(o.EventCount), nullInt(o.Fatalities),
			o.Confidence, o.CoverageGlobal, o.CoverageLocal,
			nullTime(o.EventTimeStart), nullTime(o.EventTimeEnd), string(raw),
		})
	}
	return rows, nil
}

// ResolveCountries fills country_code for the source's unresolved rows. Rows
// are grouped by country name and ISO-3 hint so each distinct reference is
// resolved once. Misses are recorded in unresolved_countries.
func (l *Loader) ResolveCountries(ctx context.Context, source string) (resolved, unresolved int64, err error) {
	resolve, err := l.cfg.Resolver.Snapshot(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load country table: %w", err)
	}

	type group struct {
		name, iso3 sql.NullString
		count      int64
	}
	var groups []group
	rows, err := l.cfg.DB.QueryContext(ctx, `
		SELECT country_name, raw->>'country_iso3', COUNT(*)
		FROM sofia.security_observations
		WHERE source = $1 AND country_code IS NULL
		GROUP BY 1, 2
		ORDER BY 1, 2`, source)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to query unresolved rows: %w", err)
	}
	for rows.Next() {
		var g group
		if err := rows.Scan(&g.name, &g.iso3, &g.count); err != nil {
			rows.Close()
			return 0, 0, fmt.Errorf("failed to scan unresolved row: %w", err)
		}
		groups = append(groups, g)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to iterate unresolved rows: %w", err)
	}

	misses := make(map[string]int64)
	for _, g := range groups {
		in := country.Input{Text: g.name.String}
		if g.iso3.Valid {
			in.Metadata = map[string]any{"country": g.iso3.String}
		}
		m, ok := resolve(in)
		if !ok {
			unresolved += g.count
			key := g.name.String
			if key == "" {
				key = g.iso3.String
			}
			if key != "" {
				misses[key] += g.count
			}
			continue
		}
		res, err := l.cfg.DB.ExecContext(ctx, `
			UPDATE sofia.security_observations
			SET country_code = $1
			WHERE source = $2 AND country_code IS NULL
			  AND country_name IS NOT DISTINCT FROM $3
			  AND raw->>'country_iso3' IS NOT DISTINCT FROM $4`,
			m.Code, source, g.name, g.iso3)
		if err != nil {
			return resolved, unresolved, classify(source, fmt.Errorf("failed to set country %s: %w", m.Code, err))
		}
		n, _ := res.RowsAffected()
		resolved += n
	}

	if len(misses) > 0 && l.cfg.Countries != nil {
		if err := l.cfg.Countries.RecordUnresolved(ctx, source, misses); err != nil {
			return resolved, unresolved, err
		}
	}
	return resolved, unresolved, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullInt(i *int64) any {
	if i == nil {
		return nil
	}
	return *i
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
