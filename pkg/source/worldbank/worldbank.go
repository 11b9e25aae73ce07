// Package worldbank collects a fixed set of structural indicators from the
// World Bank indicator API.
package worldbank

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/malbeclabs/sofia/pkg/source"
	"github.com/malbeclabs/sofia/pkg/staging"
)

const (
	Name     = "worldbank"
	SourceID = 4

	DefaultBaseURL   = "https://api.worldbank.org/v2"
	defaultYears     = 10
	defaultPerPage   = 1000
	maxPages         = 500
	governanceSource = "3"
)

type Indicator struct {
	Code  string
	Label string
	// Source is the API source id for indicators outside the default
	// World Development Indicators database.
	Source string
}

// Indicators is the whitelist of structural indicators collected.
var Indicators = []Indicator{
	{Code: "SL.UEM.TOTL.ZS", Label: "unemployment"},
	{Code: "FP.CPI.TOTL.ZG", Label: "inflation"},
	{Code: "SI.POV.GINI", Label: "gini"},
	{Code: "PV.PER.RNK", Label: "political_stability", Source: governanceSource},
	{Code: "RL.PER.RNK", Label: "rule_of_law", Source: governanceSource},
	{Code: "GE.PER.RNK", Label: "government_effectiveness", Source: governanceSource},
}

// IsWhitelisted reports whether code is one of Indicators.
func IsWhitelisted(code string) bool {
	for _, ind := range Indicators {
		if ind.Code == code {
			return true
		}
	}
	return false
}

type Adapter struct {
	log     *slog.Logger
	http    *source.HTTPClient
	clock   clockwork.Clock
	base    string
	years   int
	timeout time.Duration
}

func New(d source.Deps) (source.Adapter, error) {
	base := d.Source.Endpoint
	if base == "" {
		base = DefaultBaseURL
	}
	years := defaultYears
	if v := d.Source.Param("years", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("invalid years %q", v)
		}
		years = n
	}
	return &Adapter{log: d.Logger, http: d.HTTP, clock: d.Clock, base: base, years: years, timeout: d.Timeout()}, nil
}

func (a *Adapter) Name() string           { return Name }
func (a *Adapter) SourceID() int          { return SourceID }
func (a *Adapter) StagingTable() string   { return staging.WorldBank }
func (a *Adapter) Timeout() time.Duration { return a.timeout }

type pageMeta struct {
	Page    int `json:"page"`
	Pages   int `json:"pages"`
	PerPage int `json:"per_page"`
	Total   int `json:"total"`
}

type idValue struct {
	ID    string `json:"id"`
	Value string `json:"value"`
}

type observation struct {
	Indicator       idValue  `json:"indicator"`
	Country         idValue  `json:"country"`
	CountryISO3Code string   `json:"countryiso3code"`
	Date            string   `json:"date"`
	Value           *float64 `json:"value"`
}

func (a *Adapter) Collect(ctx context.Context, sink source.Sink) error {
	end := a.clock.Now().UTC().Year()
	start := end - a.years
	for _, ind := range Indicators {
		n, err := a.collectIndicator(ctx, ind, start, end, sink)
		if err != nil {
			return fmt.Errorf("failed to collect %s: %w", ind.Code, err)
		}
		a.log.Info("worldbank: collected indicator", "indicator", ind.Code, "rows", n)
	}
	return nil
}

func (a *Adapter) collectIndicator(ctx context.Context, ind Indicator, start, end int, sink source.Sink) (int, error) {
	rows := 0
	for page := 1; page <= maxPages; page++ {
		q := url.Values{}
		q.Set("format", "json")
		q.Set("per_page", strconv.Itoa(defaultPerPage))
		q.Set("page", strconv.Itoa(page))
		q.Set("date", fmt.Sprintf("%d:%d", start, end))
		if ind.Source != "" {
			q.Set("source", ind.Source)
		}
		body, err := a.http.Get(ctx, fmt.Sprintf("%s/country/all/indicator/%s?%s", a.base, ind.Code, q.Encode()), nil)
		if err != nil {
			return rows, err
		}
		meta, obs, err := decodePage(body)
		if err != nil {
			return rows, err
		}
		for _, o := range obs {
			// Missing values and unnamed aggregates are not failures.
			if o.Value == nil || o.CountryISO3Code == "" {
				continue
			}
			row, err := observationRow(ind, o)
			if err != nil {
				sink.RowFailed("parse")
				continue
			}
			if err := sink.Write(ctx, row); err != nil {
				return rows, err
			}
			rows++
		}
		if meta.Pages <= page {
			return rows, nil
		}
	}
	return rows, nil
}

// decodePage splits the API's [meta, data] array. An error message object in
// place of meta means the indicator or parameters were rejected.
func decodePage(body []byte) (pageMeta, []observation, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(body, &parts); err != nil {
		return pageMeta{}, nil, source.Errorf(source.ErrSchemaMismatch, "unexpected response: %v", err)
	}
	if len(parts) == 0 {
		return pageMeta{}, nil, source.Errorf(source.ErrSchemaMismatch, "empty response")
	}
	var meta pageMeta
	if err := json.Unmarshal(parts[0], &meta); err != nil || len(parts) < 2 {
		return pageMeta{}, nil, source.Errorf(source.ErrSchemaMismatch, "api error: %s", string(parts[0]))
	}
	var obs []observation
	if string(parts[1]) != "null" {
		if err := json.Unmarshal(parts[1], &obs); err != nil {
			return pageMeta{}, nil, source.Errorf(source.ErrSchemaMismatch, "failed to decode observations: %v", err)
		}
	}
	return meta, obs, nil
}

func observationRow(ind Indicator, o observation) (source.RawRow, error) {
	if len(o.CountryISO3Code) != 3 {
		return source.RawRow{}, fmt.Errorf("missing iso3 for %q", o.Country.Value)
	}
	year, err := strconv.Atoi(o.Date)
	if err != nil {
		return source.RawRow{}, fmt.Errorf("invalid year %q", o.Date)
	}
	return source.RawRow{
		NaturalKey: []string{o.CountryISO3Code, ind.Code, o.Date},
		Payload: map[string]any{
			"country_iso3":    o.CountryISO3Code,
			"country_name":    o.Country.Value,
			"indicator":       ind.Code,
			"indicator_label": ind.Label,
			"year":            year,
			"value":           *o.Value,
		},
	}, nil
}
