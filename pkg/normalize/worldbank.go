package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/malbeclabs/sofia/pkg/pg"
	"github.com/malbeclabs/sofia/pkg/source/worldbank"
)

const worldBankConfidence = 95

type WorldBankRow struct {
	NaturalKey  string
	ISO3        string
	CountryName string
	Indicator   string
	Year        int
	Value       float64
	Payload     json.RawMessage
}

// WorldBankObservations keeps whitelisted indicators and clamps their value
// into 0..100. Each observation spans its calendar year.
func WorldBankObservations(rows []WorldBankRow) []Observation {
	out := make([]Observation, 0, len(rows))
	for _, r := range rows {
		if !worldbank.IsWhitelisted(r.Indicator) {
			continue
		}
		name := r.CountryName
		if name == "" {
			name = r.ISO3
		}
		out = append(out, Observation{
			Source:         worldbank.Name,
			SourceID:       r.NaturalKey,
			SignalType:     SignalStructural,
			CoverageScope:  ScopeGlobal,
			CountryName:    name,
			SeverityRaw:    r.Value,
			SeverityNorm:   Clamp(r.Value, 0, 100),
			Confidence:     worldBankConfidence,
			EventTimeStart: time.Date(r.Year, time.January, 1, 0, 0, 0, 0, time.UTC),
			EventTimeEnd:   time.Date(r.Year, time.December, 31, 0, 0, 0, 0, time.UTC),
			Raw:            r.Payload,
		})
	}
	return out
}

type WorldBank struct {
	loader *Loader
	db     pg.Querier
}

func NewWorldBank(loader *Loader, db pg.Querier) *WorldBank {
	return &WorldBank{loader: loader, db: db}
}

func (n *WorldBank) Source() string { return worldbank.Name }

func (n *WorldBank) Load(ctx context.Context) (LoadResult, error) {
	rs, err := n.db.QueryContext(ctx, `
		SELECT natural_key, country_iso3, COALESCE(country_name, ''), indicator, year, value, payload
		FROM sofia.stg_worldbank
		ORDER BY natural_key`)
	if err != nil {
		return LoadResult{Source: n.Source()}, fmt.Errorf("failed to read worldbank staging: %w", err)
	}
	var rows []WorldBankRow
	for rs.Next() {
		var (
			r       WorldBankRow
			payload []byte
		)
		if err := rs.Scan(&r.NaturalKey, &r.ISO3, &r.CountryName, &r.Indicator, &r.Year, &r.Value, &payload); err != nil {
			rs.Close()
			return LoadResult{Source: n.Source()}, fmt.Errorf("failed to scan worldbank row: %w", err)
		}
		r.Payload = payload
		rows = append(rows, r)
	}
	rs.Close()
	if err := rs.Err(); err != nil {
		return LoadResult{Source: n.Source()}, fmt.Errorf("failed to iterate worldbank rows: %w", err)
	}
	return n.loader.Load(ctx, n.Source(), WorldBankObservations(rows))
}
