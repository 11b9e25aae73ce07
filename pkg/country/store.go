package country

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/malbeclabs/sofia/pkg/pg"
)

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
	cfg StoreConfig
}

func NewStore(cfg StoreConfig) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Store{log: cfg.Logger, cfg: cfg}, nil
}

// LoadTable reads countries and aliases, aliases in insertion order.
func (s *Store) LoadTable(ctx context.Context) (*Table, error) {
	rows, err := s.cfg.DB.QueryContext(ctx, `SELECT code, iso3, name_en, name_pt, region FROM sofia.countries ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("failed to query countries: %w", err)
	}
	var countries []Country
	for rows.Next() {
		var c Country
		var region sql.NullString
		if err := rows.Scan(&c.Code, &c.ISO3, &c.NameEN, &c.NamePT, &region); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan country: %w", err)
		}
		c.Region = region.String
		countries = append(countries, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to iterate countries: %w", err)
	}
	rows.Close()

	rows, err = s.cfg.DB.QueryContext(ctx, `SELECT id, alias_norm, country_code FROM sofia.country_aliases ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query country aliases: %w", err)
	}
	defer rows.Close()
	var aliases []Alias
	for rows.Next() {
		var a Alias
		if err := rows.Scan(&a.ID, &a.Norm, &a.Code); err != nil {
			return nil, fmt.Errorf("failed to scan country alias: %w", err)
		}
		aliases = append(aliases, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate country aliases: %w", err)
	}

	t, err := NewTable(countries, aliases)
	if err != nil {
		return nil, fmt.Errorf("invalid alias table: %w", err)
	}
	s.log.Debug("country: loaded alias table", "countries", t.Len(), "aliases", t.Aliases())
	return t, nil
}

// AddAlias inserts the normalized form of alias for code. Adding an alias
// that already maps to the same country is a no-op; mapping it to another
// country is an error.
func (s *Store) AddAlias(ctx context.Context, alias, code string) error {
	n := Normalize(alias)
	if len(n) < 2 {
		return fmt.Errorf("alias %q normalizes to %q, need at least 2 characters", alias, n)
	}

	var existing string
	err := s.cfg.DB.QueryRowContext(ctx,
		`INSERT INTO sofia.country_aliases (alias_norm, country_code) VALUES ($1, $2)
		ON CONFLICT (alias_norm) DO UPDATE SET alias_norm = EXCLUDED.alias_norm
		RETURNING country_code`, n, code).Scan(&existing)
	if err != nil {
		if pg.IsForeignKeyViolation(err) {
			return fmt.Errorf("unknown country %q: %w", code, err)
		}
		return fmt.Errorf("failed to insert alias %q: %w", n, err)
	}
	if existing != code {
		return fmt.Errorf("alias %q already maps to %s", n, existing)
	}
	return nil
}

type Unresolved struct {
	Source      string
	RawText     string
	Occurrences int64
}

// RecordUnresolved adds occurrence counts of raw strings that did not
// resolve for a source.
func (s *Store) RecordUnresolved(ctx context.Context, source string, counts map[string]int64) error {
	if len(counts) == 0 {
		return nil
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([][]any, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, []any{source, k, counts[k]})
	}
	_, err := pg.BulkInsert{
		Table:   "sofia.unresolved_countries",
		Columns: []string{"source", "raw_text", "occurrences"},
		Suffix: `ON CONFLICT (source, raw_text) DO UPDATE SET
			occurrences = unresolved_countries.occurrences + EXCLUDED.occurrences,
			last_seen = NOW()`,
	}.Exec(ctx, s.cfg.DB, rows)
	if err != nil {
		return fmt.Errorf("failed to record unresolved countries: %w", err)
	}
	return nil
}

// TopUnresolved returns the most frequent unresolved strings, optionally
// filtered by source.
func (s *Store) TopUnresolved(ctx context.Context, source string, limit int) ([]Unresolved, error) {
	rows, err := s.cfg.DB.QueryContext(ctx, `
		SELECT source, raw_text, occurrences
		FROM sofia.unresolved_countries
		WHERE $1 = '' OR source = $1
		ORDER BY occurrences DESC, raw_text
		LIMIT $2`, source, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unresolved countries: %w", err)
	}
	defer rows.Close()

	var out []Unresolved
	for rows.Next() {
		var u Unresolved
		if err := rows.Scan(&u.Source, &u.RawText, &u.Occurrences); err != nil {
			return nil, fmt.Errorf("failed to scan unresolved country: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
