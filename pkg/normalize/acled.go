package normalize

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/malbeclabs/sofia/pkg/pg"
	"github.com/malbeclabs/sofia/pkg/source/acled"
)

const acledConfidence = 90

// ACLEDRow is a staging row from either ACLED table. Aggregated rows carry
// Events; event rows count as one event each.
type ACLEDRow struct {
	NaturalKey string
	Date       time.Time
	Country    string
	Admin1     string
	City       string
	Events     int64
	Fatalities int64
	Latitude   *float64
	Longitude  *float64
	Payload    json.RawMessage
}

// ACLEDObservations applies severity_raw = events + 3*fatalities, normalized
// against the P95 of the rows given, which must be the whole source.
func ACLEDObservations(source string, rows []ACLEDRow) []Observation {
	raws := make([]float64, len(rows))
	for i, r := range rows {
		raws[i] = float64(r.Events + 3*r.Fatalities)
	}
	p95 := P95(raws)

	out := make([]Observation, len(rows))
	for i, r := range rows {
		events, fatalities := r.Events, r.Fatalities
		out[i] = Observation{
			Source:         source,
			SourceID:       r.NaturalKey,
			SignalType:     SignalAcute,
			CoverageScope:  ScopeGlobal,
			CountryName:    r.Country,
			Admin1:         r.Admin1,
			City:           r.City,
			Latitude:       r.Latitude,
			Longitude:      r.Longitude,
			SeverityRaw:    raws[i],
			SeverityNorm:   P95Norm(raws[i], p95),
			EventCount:     &events,
			Fatalities:     &fatalities,
			Confidence:     acledConfidence,
			EventTimeStart: r.Date,
			EventTimeEnd:   r.Date,
			Raw:            r.Payload,
		}
	}
	return out
}

type ACLEDAggregated struct {
	loader *Loader
	db     pg.Querier
}

func NewACLEDAggregated(loader *Loader, db pg.Querier) *ACLEDAggregated {
	return &ACLEDAggregated{loader: loader, db: db}
}

func (n *ACLEDAggregated) Source() string { return acled.AggregatedName }

func (n *ACLEDAggregated) Load(ctx context.Context) (LoadResult, error) {
	rows, err := queryACLED(ctx, n.db, `
		SELECT natural_key, week, country, COALESCE(admin1, ''), '', events, fatalities,
		       centroid_latitude, centroid_longitude, payload
		FROM acled_aggregated.weekly
		ORDER BY natural_key`)
	if err != nil {
		return LoadResult{Source: n.Source()}, err
	}
	return n.loader.Load(ctx, n.Source(), ACLEDObservations(n.Source(), rows))
}

type ACLEDEvents struct {
	loader *Loader
	db     pg.Querier
}

func NewACLEDEvents(loader *Loader, db pg.Querier) *ACLEDEvents {
	return &ACLEDEvents{loader: loader, db: db}
}

func (n *ACLEDEvents) Source() string { return acled.EventsName }

func (n *ACLEDEvents) Load(ctx context.Context) (LoadResult, error) {
	rows, err := queryACLED(ctx, n.db, `
		SELECT natural_key, event_date, country, COALESCE(admin1, ''), COALESCE(location, ''), 1, fatalities,
		       latitude, longitude, payload
		FROM acled_metadata.events
		ORDER BY natural_key`)
	if err != nil {
		return LoadResult{Source: n.Source()}, err
	}
	return n.loader.Load(ctx, n.Source(), ACLEDObservations(n.Source(), rows))
}

func queryACLED(ctx context.Context, db pg.Querier, query string) ([]ACLEDRow, error) {
	rs, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to read acled staging: %w", err)
	}
	defer rs.Close()

	var out []ACLEDRow
	for rs.Next() {
		var (
			r        ACLEDRow
			lat, lon sql.NullFloat64
			payload  []byte
		)
		if err := rs.Scan(&r.NaturalKey, &r.Date, &r.Country, &r.Admin1, &r.City, &r.Events, &r.Fatalities, &lat, &lon, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan acled row: %w", err)
		}
		r.Date = r.Date.UTC()
		r.Latitude = floatPtr(lat)
		r.Longitude = floatPtr(lon)
		r.Payload = payload
		out = append(out, r)
	}
	if err := rs.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate acled rows: %w", err)
	}
	return out, nil
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
