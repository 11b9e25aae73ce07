// Package gdelt collects the GDELT 1.0 daily event exports and reduces them
// to per-country daily event counts.
package gdelt

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/klauspost/compress/zip"

	"github.com/malbeclabs/sofia/pkg/filecache"
	"github.com/malbeclabs/sofia/pkg/source"
	"github.com/malbeclabs/sofia/pkg/staging"
)

const (
	Name     = "gdelt"
	SourceID = 3

	DefaultBaseURL    = "http://data.gdeltproject.org/events"
	defaultWindowDays = 7

	// Export files never change once published.
	fileMaxAge = 90 * 24 * time.Hour

	numColumns           = 58
	colActionGeoFullName = 50
	colActionGeoCountry  = 51
)

type Adapter struct {
	log        *slog.Logger
	http       *source.HTTPClient
	cache      *filecache.Cache
	clock      clockwork.Clock
	base       string
	windowDays int
	timeout    time.Duration
}

func New(d source.Deps) (source.Adapter, error) {
	base := strings.TrimRight(d.Source.Endpoint, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	window := d.Source.WindowDays
	if window <= 0 {
		window = defaultWindowDays
	}
	return &Adapter{
		log:        d.Logger,
		http:       d.HTTP,
		cache:      d.Cache,
		clock:      d.Clock,
		base:       base,
		windowDays: window,
		timeout:    d.Timeout(),
	}, nil
}

func (a *Adapter) Name() string           { return Name }
func (a *Adapter) SourceID() int          { return SourceID }
func (a *Adapter) StagingTable() string   { return staging.GDELTDaily }
func (a *Adapter) Timeout() time.Duration { return a.timeout }

// Days returns the export days covered by a run, oldest first. Today's file
// is not complete until tomorrow so the window ends yesterday.
func (a *Adapter) Days() []time.Time {
	now := a.clock.Now().UTC()
	last := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, -1)
	days := make([]time.Time, 0, a.windowDays)
	for i := a.windowDays - 1; i >= 0; i-- {
		days = append(days, last.AddDate(0, 0, -i))
	}
	return days
}

func (a *Adapter) Collect(ctx context.Context, sink source.Sink) error {
	missing := 0
	for _, day := range a.Days() {
		url := fmt.Sprintf("%s/%s.export.CSV.zip", a.base, day.Format("20060102"))
		data, _, err := source.Download(ctx, a.cache, a.http, url, fileMaxAge)
		if errors.Is(err, source.ErrNotFound) {
			a.log.Warn("gdelt: export not published", "day", day.Format(time.DateOnly))
			missing++
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to download %s: %w", url, err)
		}
		counts, err := CountByCountry(data, sink)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", url, err)
		}
		for _, c := range counts {
			dayStr := day.Format(time.DateOnly)
			if err := sink.Write(ctx, source.RawRow{
				NaturalKey: []string{dayStr, c.Country},
				Payload: map[string]any{
					"day":          dayStr,
					"country_name": c.Country,
					"fips_code":    c.FIPS,
					"event_count":  c.Events,
				},
			}); err != nil {
				return err
			}
		}
		a.log.Debug("gdelt: counted export", "day", day.Format(time.DateOnly), "countries", len(counts))
	}
	if missing == a.windowDays {
		return source.Errorf(source.ErrDependencyMissing, "no exports available for the last %d days", a.windowDays)
	}
	return nil
}

type CountryCount struct {
	Country string
	FIPS    string
	Events  int
}

// CountByCountry counts the events of one zipped export by the country of
// the action geography, sorted by country. Rows without an action location
// are ignored; rows with the wrong column count are reported to sink.
func CountByCountry(data []byte, sink source.Sink) ([]CountryCount, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, source.Errorf(source.ErrSchemaMismatch, "not a zip archive: %v", err)
	}

	byCountry := make(map[string]*CountryCount)
	found := false
	for _, f := range zr.File {
		if !strings.HasSuffix(strings.ToUpper(f.Name), ".CSV") {
			continue
		}
		found = true
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
		}
		err = countFile(rc, byCountry, sink)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
		}
	}
	if !found {
		return nil, source.Errorf(source.ErrSchemaMismatch, "archive has no csv file")
	}

	out := make([]CountryCount, 0, len(byCountry))
	for _, c := range byCountry {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Country < out[j].Country })
	return out, nil
}

func countFile(r io.Reader, byCountry map[string]*CountryCount, sink source.Sink) error {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				sink.RowFailed("csv")
				continue
			}
			return err
		}
		if len(rec) != numColumns {
			sink.RowFailed("columns")
			continue
		}
		country := countryName(rec[colActionGeoFullName])
		if country == "" {
			continue
		}
		c, ok := byCountry[country]
		if !ok {
			c = &CountryCount{Country: country}
			byCountry[country] = c
		}
		if c.FIPS == "" {
			c.FIPS = strings.TrimSpace(rec[colActionGeoCountry])
		}
		c.Events++
	}
}

// countryName is the last segment of a GDELT full location name.
func countryName(full string) string {
	full = strings.TrimSpace(full)
	if i := strings.LastIndexByte(full, ','); i >= 0 {
		full = full[i+1:]
	}
	return strings.TrimSpace(full)
}
