// Package seed embeds the ISO-3166 country list and alias variants used to
// populate sofia.countries and sofia.country_aliases.
package seed

import (
	"context"
	"embed"
	"encoding/csv"
	"fmt"
	"io"

	"github.com/malbeclabs/sofia/pkg/country"
	"github.com/malbeclabs/sofia/pkg/pg"
)

//go:embed countries.csv aliases.csv
var files embed.FS

type Data struct {
	Countries []country.Country
	// Aliases are normalized and deduplicated, IDs in insertion order.
	Aliases []country.Alias
}

// Load parses the embedded files. Each country contributes its ISO-2,
// ISO-3, English and Portuguese names in that order, then the extra
// variants follow in file order.
func Load() (*Data, error) {
	countryRows, err := readCSV("countries.csv", 5)
	if err != nil {
		return nil, err
	}
	aliasRows, err := readCSV("aliases.csv", 2)
	if err != nil {
		return nil, err
	}

	d := &Data{}
	known := make(map[string]bool, len(countryRows))
	seen := make(map[string]string)
	add := func(raw, code string) error {
		n := country.Normalize(raw)
		if len(n) < 2 {
			return fmt.Errorf("alias %q for %s normalizes to %q", raw, code, n)
		}
		if prev, ok := seen[n]; ok {
			if prev != code {
				return fmt.Errorf("alias %q maps to both %s and %s", n, prev, code)
			}
			return nil
		}
		seen[n] = code
		d.Aliases = append(d.Aliases, country.Alias{ID: int64(len(d.Aliases) + 1), Norm: n, Code: code})
		return nil
	}

	for _, r := range countryRows {
		c := country.Country{Code: r[0], ISO3: r[1], NameEN: r[2], NamePT: r[3], Region: r[4]}
		d.Countries = append(d.Countries, c)
		known[c.Code] = true
		for _, v := range []string{c.Code, c.ISO3, c.NameEN, c.NamePT} {
			if err := add(v, c.Code); err != nil {
				return nil, err
			}
		}
	}
	for _, r := range aliasRows {
		if !known[r[1]] {
			return nil, fmt.Errorf("alias %q references unknown country %q", r[0], r[1])
		}
		if err := add(r[0], r[1]); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Table builds an in-memory alias table from the embedded data.
func Table() (*country.Table, error) {
	d, err := Load()
	if err != nil {
		return nil, err
	}
	return country.NewTable(d.Countries, d.Aliases)
}

// Apply upserts countries and inserts missing aliases. Existing aliases
// keep their mapping and insertion order. It returns the number of aliases
// inserted.
func Apply(ctx context.Context, db pg.Querier) (int64, error) {
	d, err := Load()
	if err != nil {
		return 0, err
	}

	countryRows := make([][]any, 0, len(d.Countries))
	for _, c := range d.Countries {
		countryRows = append(countryRows, []any{c.Code, c.ISO3, c.NameEN, c.NamePT, c.Region})
	}
	if _, err := (pg.BulkInsert{
		Table:   "sofia.countries",
		Columns: []string{"code", "iso3", "name_en", "name_pt", "region"},
		Suffix: `ON CONFLICT (code) DO UPDATE SET
			iso3 = EXCLUDED.iso3, name_en = EXCLUDED.name_en,
			name_pt = EXCLUDED.name_pt, region = EXCLUDED.region
			WHERE (countries.iso3, countries.name_en, countries.name_pt, countries.region)
				IS DISTINCT FROM (EXCLUDED.iso3, EXCLUDED.name_en, EXCLUDED.name_pt, EXCLUDED.region)`,
	}).Exec(ctx, db, countryRows); err != nil {
		return 0, fmt.Errorf("failed to seed countries: %w", err)
	}

	aliasRows := make([][]any, 0, len(d.Aliases))
	for _, a := range d.Aliases {
		aliasRows = append(aliasRows, []any{a.Norm, a.Code})
	}
	n, err := pg.BulkInsert{
		Table:   "sofia.country_aliases",
		Columns: []string{"alias_norm", "country_code"},
		Suffix:  `ON CONFLICT (alias_norm) DO NOTHING`,
	}.Exec(ctx, db, aliasRows)
	if err != nil {
		return 0, fmt.Errorf("failed to seed country aliases: %w", err)
	}
	return n, nil
}

func readCSV(name string, fields int) ([][]string, error) {
	f, err := files.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = fields
	if _, err := r.Read(); err != nil {
		return nil, fmt.Errorf("failed to read %s header: %w", name, err)
	}
	var rows [][]string
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", name, err)
		}
		rows = append(rows, rec)
	}
	return rows, nil
}
