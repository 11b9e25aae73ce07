package normalize

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/malbeclabs/sofia/pkg/config"
	"github.com/malbeclabs/sofia/pkg/pg"
	"github.com/malbeclabs/sofia/pkg/source/gdelt"
)

const gdeltConfidence = 70

type GDELTRow struct {
	NaturalKey string
	Day        time.Time
	Country    string
	Events     int64
	Payload    json.RawMessage
}

// GDELTObservations scores each row by the z-score of its daily count within
// its own country's trailing window.
func GDELTObservations(rows []GDELTRow, windowDays int) []Observation {
	rows = append([]GDELTRow(nil), rows...)
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Country != rows[j].Country {
			return rows[i].Country < rows[j].Country
		}
		return rows[i].Day.Before(rows[j].Day)
	})
	out := make([]Observation, 0, len(rows))
	for start := 0; start < len(rows); {
		end := start
		for end < len(rows) && rows[end].Country == rows[start].Country {
			end++
		}
		group := rows[start:end]
		series := make([]DailyCount, len(group))
		for i, r := range group {
			series[i] = DailyCount{Day: r.Day, Count: float64(r.Events)}
		}
		zs := ZScores(series, windowDays)
		for i, r := range group {
			events := r.Events
			out = append(out, Observation{
				Source:         gdelt.Name,
				SourceID:       r.NaturalKey,
				SignalType:     SignalAcute,
				CoverageScope:  ScopeGlobal,
				CountryName:    r.Country,
				SeverityRaw:    math.Abs(zs[i]),
				SeverityNorm:   ZNorm(zs[i]),
				EventCount:     &events,
				Confidence:     gdeltConfidence,
				EventTimeStart: r.Day,
				EventTimeEnd:   r.Day,
				Raw:            r.Payload,
			})
		}
		start = end
	}
	return out
}

type GDELT struct {
	loader     *Loader
	db         pg.Querier
	windowDays int
}

func NewGDELT(loader *Loader, db pg.Querier, windowDays int) *GDELT {
	if windowDays < 2 {
		windowDays = config.DefaultGDELTWindowDays
	}
	return &GDELT{loader: loader, db: db, windowDays: windowDays}
}

func (n *GDELT) Source() string { return gdelt.Name }

func (n *GDELT) Load(ctx context.Context) (LoadResult, error) {
	rs, err := n.db.QueryContext(ctx, `
		SELECT natural_key, day, country_name, event_count, payload
		FROM sofia.stg_gdelt_daily
		ORDER BY country_name, day`)
	if err != nil {
		return LoadResult{Source: n.Source()}, fmt.Errorf("failed to read gdelt staging: %w", err)
	}
	var rows []GDELTRow
	for rs.Next() {
		var (
			r       GDELTRow
			payload []byte
		)
		if err := rs.Scan(&r.NaturalKey, &r.Day, &r.Country, &r.Events, &payload); err != nil {
			rs.Close()
			return LoadResult{Source: n.Source()}, fmt.Errorf("failed to scan gdelt row: %w", err)
		}
		r.Day = r.Day.UTC()
		r.Payload = payload
		rows = append(rows, r)
	}
	rs.Close()
	if err := rs.Err(); err != nil {
		return LoadResult{Source: n.Source()}, fmt.Errorf("failed to iterate gdelt rows: %w", err)
	}
	return n.loader.Load(ctx, n.Source(), GDELTObservations(rows, n.windowDays))
}
