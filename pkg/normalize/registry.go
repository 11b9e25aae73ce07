package normalize

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/malbeclabs/sofia/pkg/pg"
)

const (
	registryConfidence = 80
	// RegistryInitialLocalCoverage seeds local coverage until the scorer
	// recomputes it.
	RegistryInitialLocalCoverage = 90
)

type RegistryRow struct {
	NaturalKey string
	Country    string
	StateCode  string
	StateName  string
	Year       int
	Month      int
	Homicide   *float64
	Robbery    *float64
	Payload    json.RawMessage
}

// RegistryObservations scores homicide_rate + robbery_rate, clamped. A
// missing rate counts as zero.
func RegistryObservations(source string, rows []RegistryRow) []Observation {
	out := make([]Observation, 0, len(rows))
	for _, r := range rows {
		var raw float64
		if r.Homicide != nil {
			raw += *r.Homicide
		}
		if r.Robbery != nil {
			raw += *r.Robbery
		}
		admin1 := r.StateName
		if admin1 == "" {
			admin1 = r.StateCode
		}
		start := time.Date(r.Year, time.Month(r.Month), 1, 0, 0, 0, 0, time.UTC)
		out = append(out, Observation{
			Source:         source,
			SourceID:       r.NaturalKey,
			SignalType:     SignalLocal,
			CoverageScope:  ScopeLocal,
			CountryName:    r.Country,
			Admin1:         admin1,
			SeverityRaw:    raw,
			SeverityNorm:   Clamp(raw, 0, 100),
			Confidence:     registryConfidence,
			CoverageGlobal: 0,
			CoverageLocal:  RegistryInitialLocalCoverage,
			EventTimeStart: start,
			EventTimeEnd:   start.AddDate(0, 1, -1),
			Raw:            r.Payload,
		})
	}
	return out
}

// Registry normalizes one national registry out of the shared crime
// registry staging table.
type Registry struct {
	loader  *Loader
	db      pg.Querier
	source  string
	country string
}

func NewRegistry(loader *Loader, db pg.Querier, source, country string) *Registry {
	return &Registry{loader: loader, db: db, source: source, country: country}
}

func (n *Registry) Source() string { return n.source }

func (n *Registry) Load(ctx context.Context) (LoadResult, error) {
	rs, err := n.db.QueryContext(ctx, `
		SELECT natural_key, country, state_code, COALESCE(state_name, ''), year, month,
		       homicide_rate, robbery_rate, payload
		FROM sofia.stg_crime_registry
		WHERE country = $1
		ORDER BY natural_key`, n.country)
	if err != nil {
		return LoadResult{Source: n.source}, fmt.Errorf("failed to read registry staging: %w", err)
	}
	var rows []RegistryRow
	for rs.Next() {
		var (
			r       RegistryRow
			h, rob  sql.NullFloat64
			payload []byte
		)
		if err := rs.Scan(&r.NaturalKey, &r.Country, &r.StateCode, &r.StateName, &r.Year, &r.Month, &h, &rob, &payload); err != nil {
			rs.Close()
			return LoadResult{Source: n.source}, fmt.Errorf("failed to scan registry row: %w", err)
		}
		r.Homicide = floatPtr(h)
		r.Robbery = floatPtr(rob)
		r.Payload = payload
		rows = append(rows, r)
	}
	rs.Close()
	if err := rs.Err(); err != nil {
		return LoadResult{Source: n.source}, fmt.Errorf("failed to iterate registry rows: %w", err)
	}
	return n.loader.Load(ctx, n.source, RegistryObservations(n.source, rows))
}
