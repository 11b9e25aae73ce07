// Package mapper attaches country codes to free-form signal rows by
// rebuilding their country map tables.
package mapper

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"sort"
	"strings"

	"github.com/alitto/pond/v2"
	"github.com/microcosm-cc/bluemonday"

	"github.com/malbeclabs/sofia/pkg/country"
	"github.com/malbeclabs/sofia/pkg/pg"
)

const (
	DefaultBatchSize    = 1000
	DefaultConcurrency  = 4
	DefaultUnmappedTopN = 20
)

// Target is a signal table and the map table rebuilt from it.
type Target struct {
	Name     string
	Table    string
	MapTable string
	// HasIP marks tables carrying a source_ip column for GeoIP fallback.
	HasIP bool
}

var (
	IndustrySignals = Target{
		Name:     "industry_signals",
		Table:    "sofia.industry_signals",
		MapTable: "sofia.signal_country_map",
	}
	CyberEvents = Target{
		Name:     "cybersecurity_events",
		Table:    "sofia.cybersecurity_events",
		MapTable: "sofia.cyber_event_country_map",
		HasIP:    true,
	}
)

func Targets() []Target { return []Target{IndustrySignals, CyberEvents} }

type Resolver interface {
	Snapshot(ctx context.Context) (func(country.Input) (country.Match, bool), error)
}

type Config struct {
	Logger   *slog.Logger
	DB       pg.DB
	Resolver Resolver
	// Countries is optional; when set unmapped strings are recorded for
	// alias curation.
	Countries    *country.Store
	BatchSize    int
	Concurrency  int
	UnmappedTopN int
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Resolver == nil {
		return errors.New("resolver is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.UnmappedTopN <= 0 {
		cfg.UnmappedTopN = DefaultUnmappedTopN
	}
	return nil
}

type Unmapped struct {
	Text  string
	Count int64
}

type Report struct {
	Target string
	Source int
	Rows   int64
	Mapped int64
	// Unmapped holds the most frequent metadata.country strings among rows
	// that produced no mapping.
	Unmapped []Unmapped
}

type Mapper struct {
	log    *slog.Logger
	cfg    Config
	pool   pond.ResultPool[[]mapping]
	policy *bluemonday.Policy
}

func New(cfg Config) (*Mapper, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Mapper{
		log:    cfg.Logger,
		cfg:    cfg,
		pool:   pond.NewResultPool[[]mapping](cfg.Concurrency),
		policy: bluemonday.StrictPolicy(),
	}, nil
}

// Close stops the resolution pool after queued batches finish.
func (m *Mapper) Close() {
	m.pool.StopAndWait()
}

type signalRow struct {
	ID          int64
	Title       string
	Description string
	URL         string
	Metadata    map[string]any
	IP          net.IP
}

type mapping struct {
	rowID int64
	match country.Match
	ok    bool
	// raw is metadata.country, kept for the unmapped report.
	raw string
}

// Rebuild replaces every map row of sourceID in t. The delete and the
// re-insert share one transaction, so readers never observe a half-built map.
func (m *Mapper) Rebuild(ctx context.Context, t Target, sourceID int) (Report, error) {
	resolve, err := m.cfg.Resolver.Snapshot(ctx)
	if err != nil {
		return Report{}, err
	}

	report := Report{Target: t.Name, Source: sourceID}
	unmapped := make(map[string]int64)
	err = pg.RetryOnTimeout(ctx, m.log, "mapper rebuild "+t.Name, func(ctx context.Context) error {
		report.Rows, report.Mapped = 0, 0
		clear(unmapped)
		return pg.InTx(ctx, m.cfg.DB, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE source_id = $1`, t.MapTable), sourceID); err != nil {
				return fmt.Errorf("failed to clear %s: %w", t.MapTable, err)
			}

			var lastID int64
			for {
				// Read up to Concurrency batches, resolve them in parallel,
				// write them back in read order.
				var batches [][]signalRow
				done := false
				for len(batches) < m.cfg.Concurrency {
					rows, err := m.readBatch(ctx, tx, t, sourceID, lastID)
					if err != nil {
						return err
					}
					if len(rows) > 0 {
						batches = append(batches, rows)
						lastID = rows[len(rows)-1].ID
					}
					if len(rows) < m.cfg.BatchSize {
						done = true
						break
					}
				}

				group := m.pool.NewGroupContext(ctx)
				for _, rows := range batches {
					group.SubmitErr(func() ([]mapping, error) {
						return m.resolveBatch(resolve, rows), nil
					})
				}
				results, err := group.Wait()
				if err != nil {
					return fmt.Errorf("failed to resolve batches: %w", err)
				}

				for _, batch := range results {
					report.Rows += int64(len(batch))
					n, err := m.writeBatch(ctx, tx, t, sourceID, batch)
					if err != nil {
						return err
					}
					report.Mapped += n
					for _, mp := range batch {
						if !mp.ok && mp.raw != "" {
							unmapped[mp.raw]++
						}
					}
				}
				if done {
					return nil
				}
			}
		})
	})
	if err != nil {
		return Report{}, fmt.Errorf("failed to rebuild %s for source %d: %w", t.MapTable, sourceID, err)
	}

	report.Unmapped = topUnmapped(unmapped, m.cfg.UnmappedTopN)
	if m.cfg.Countries != nil && len(unmapped) > 0 {
		if err := m.cfg.Countries.RecordUnresolved(ctx, t.Name, unmapped); err != nil {
			m.log.Warn("mapper: failed to record unmapped strings", "target", t.Name, "error", err)
		}
	}
	m.log.Info("mapper: rebuilt country map", "target", t.Name, "source_id", sourceID,
		"rows", report.Rows, "mapped", report.Mapped, "unmapped_strings", len(unmapped))
	return report, nil
}

// RebuildAll rebuilds every source present in each target table.
func (m *Mapper) RebuildAll(ctx context.Context) ([]Report, error) {
	var reports []Report
	for _, t := range Targets() {
		sources, err := m.sources(ctx, t)
		if err != nil {
			return nil, err
		}
		for _, id := range sources {
			r, err := m.Rebuild(ctx, t, id)
			if err != nil {
				return nil, err
			}
			reports = append(reports, r)
		}
	}
	return reports, nil
}

func (m *Mapper) sources(ctx context.Context, t Target) ([]int, error) {
	rows, err := m.cfg.DB.QueryContext(ctx, fmt.Sprintf(`SELECT DISTINCT source_id FROM %s ORDER BY source_id`, t.Table))
	if err != nil {
		return nil, fmt.Errorf("failed to list sources of %s: %w", t.Table, err)
	}
	defer rows.Close()
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan source id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (m *Mapper) readBatch(ctx context.Context, tx *sql.Tx, t Target, sourceID int, after int64) ([]signalRow, error) {
	ipColumn := "NULL::text"
	if t.HasIP {
		ipColumn = "host(source_ip)"
	}
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(
		`SELECT id, title, description, url, metadata, %s FROM %s WHERE source_id = $1 AND id > $2 ORDER BY id LIMIT $3`,
		ipColumn, t.Table), sourceID, after, m.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", t.Table, err)
	}
	defer rows.Close()

	var out []signalRow
	for rows.Next() {
		var (
			r                  signalRow
			title, desc, u, ip sql.NullString
			metadata           []byte
		)
		if err := rows.Scan(&r.ID, &title, &desc, &u, &metadata, &ip); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", t.Table, err)
		}
		r.Title, r.Description, r.URL = title.String, desc.String, u.String
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
				m.log.Debug("mapper: ignoring malformed metadata", "table", t.Table, "id", r.ID, "error", err)
			}
		}
		if ip.Valid {
			r.IP = net.ParseIP(ip.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// stripHTML removes markup and decodes entities so alias matching sees the
// visible text only.
func (m *Mapper) stripHTML(s string) string {
	if s == "" || !strings.ContainsAny(s, "<&") {
		return s
	}
	return html.UnescapeString(m.policy.Sanitize(s))
}

func (m *Mapper) resolveBatch(resolve func(country.Input) (country.Match, bool), rows []signalRow) []mapping {
	out := make([]mapping, len(rows))
	for i, r := range rows {
		in := country.Input{
			Metadata:    r.Metadata,
			URL:         r.URL,
			Title:       m.stripHTML(r.Title),
			Description: m.stripHTML(r.Description),
			IP:          r.IP,
		}
		match, ok := resolve(in)
		out[i] = mapping{rowID: r.ID, match: match, ok: ok}
		if !ok {
			if v, isString := r.Metadata["country"].(string); isString {
				out[i].raw = strings.TrimSpace(v)
			}
		}
	}
	return out
}

func (m *Mapper) writeBatch(ctx context.Context, tx *sql.Tx, t Target, sourceID int, batch []mapping) (int64, error) {
	rows := make([][]any, 0, len(batch))
	for _, mp := range batch {
		if !mp.ok {
			continue
		}
		rows = append(rows, []any{mp.rowID, sourceID, mp.match.Code, string(mp.match.Method), mp.match.Confidence, mp.match.MatchedText})
	}
	if len(rows) == 0 {
		return 0, nil
	}
	ins := pg.BulkInsert{
		Table:   t.MapTable,
		Columns: []string{"source_row_id", "source_id", "country_code", "match_method", "confidence_hint", "matched_text"},
		Suffix: `ON CONFLICT (source_row_id) DO UPDATE SET source_id = EXCLUDED.source_id, country_code = EXCLUDED.country_code, ` +
			`match_method = EXCLUDED.match_method, confidence_hint = EXCLUDED.confidence_hint, matched_text = EXCLUDED.matched_text, collected_at = NOW()`,
	}
	if _, err := ins.Exec(ctx, tx, rows); err != nil {
		return 0, fmt.Errorf("failed to write %s: %w", t.MapTable, err)
	}
	return int64(len(rows)), nil
}

func topUnmapped(counts map[string]int64, n int) []Unmapped {
	out := make([]Unmapped, 0, len(counts))
	for text, c := range counts {
		out = append(out, Unmapped{Text: text, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Text < out[j].Text
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
