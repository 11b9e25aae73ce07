// Package acled collects ACLED conflict data: the regional weekly
// aggregate files and the event-level API.
package acled

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/sofia/pkg/filecache"
	"github.com/malbeclabs/sofia/pkg/source"
	"github.com/malbeclabs/sofia/pkg/staging"
)

const (
	AggregatedName     = "acled_aggregated"
	AggregatedSourceID = 1

	defaultFileMaxAge = 24 * time.Hour
)

var aggregatedRequired = []string{"week", "country", "event_type", "events", "fatalities"}

type Aggregated struct {
	log     *slog.Logger
	http    *source.HTTPClient
	cache   *filecache.Cache
	files   []string
	maxAge  time.Duration
	force   bool
	timeout time.Duration
}

func NewAggregated(d source.Deps) (source.Adapter, error) {
	maxAge := defaultFileMaxAge
	if v := d.Source.Param("max_age_hours", ""); v != "" {
		h, err := strconv.Atoi(v)
		if err != nil || h < 0 {
			return nil, fmt.Errorf("invalid max_age_hours %q", v)
		}
		maxAge = time.Duration(h) * time.Hour
	}
	return &Aggregated{
		log:     d.Logger,
		http:    d.HTTP,
		cache:   d.Cache,
		files:   d.Source.Files,
		maxAge:  maxAge,
		force:   d.Source.Param("force", "") == "true",
		timeout: d.Timeout(),
	}, nil
}

func (a *Aggregated) Name() string           { return AggregatedName }
func (a *Aggregated) SourceID() int          { return AggregatedSourceID }
func (a *Aggregated) StagingTable() string   { return staging.ACLEDWeekly }
func (a *Aggregated) Timeout() time.Duration { return a.timeout }

func (a *Aggregated) Collect(ctx context.Context, sink source.Sink) error {
	if len(a.files) == 0 {
		return source.Errorf(source.ErrDependencyMissing, "no aggregated files configured")
	}
	for _, url := range a.files {
		data, entry, err := source.Download(ctx, a.cache, a.http, url, a.maxAge)
		if err != nil {
			return fmt.Errorf("failed to download %s: %w", url, err)
		}
		if !entry.Changed && !a.force {
			a.log.Info("acled: file unchanged, skipping", "url", url, "digest", entry.Digest)
			continue
		}
		n, err := a.parse(ctx, data, sink)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", url, err)
		}
		a.log.Info("acled: parsed aggregated file", "url", url, "rows", n, "digest", entry.Digest)
	}
	return nil
}

func (a *Aggregated) parse(ctx context.Context, data []byte, sink source.Sink) (int, error) {
	r := source.NewCSVReader(data)
	head, err := r.Read()
	if err != nil {
		return 0, source.Errorf(source.ErrSchemaMismatch, "failed to read header: %v", err)
	}
	h := source.NewCSVHeader(head)
	if err := h.Require(aggregatedRequired...); err != nil {
		return 0, err
	}

	n := 0
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			sink.RowFailed("csv")
			continue
		}
		row, err := aggregatedRow(h, rec)
		if err != nil {
			a.log.Debug("acled: skipping aggregated row", "error", err)
			sink.RowFailed("parse")
			continue
		}
		if err := sink.Write(ctx, row); err != nil {
			return n, err
		}
		n++
	}
}

func aggregatedRow(h source.CSVHeader, rec []string) (source.RawRow, error) {
	week, err := ParseDate(h.Get(rec, "week"))
	if err != nil {
		return source.RawRow{}, err
	}
	events, err := atoi(h.Get(rec, "events"))
	if err != nil {
		return source.RawRow{}, fmt.Errorf("events: %w", err)
	}
	fatalities, err := atoi(h.Get(rec, "fatalities"))
	if err != nil {
		return source.RawRow{}, fmt.Errorf("fatalities: %w", err)
	}
	weekDate := staging.WeekOf(week).Format(time.DateOnly)
	payload := map[string]any{
		"week":           weekDate,
		"source_week":    week.Format(time.DateOnly),
		"region":         h.Get(rec, "region"),
		"country":        h.Get(rec, "country"),
		"admin1":         h.Get(rec, "admin1"),
		"admin2":         h.Get(rec, "admin2"),
		"event_type":     h.Get(rec, "event_type"),
		"sub_event_type": h.Get(rec, "sub_event_type"),
		"disorder_type":  h.Get(rec, "disorder_type"),
		"events":         events,
		"fatalities":     fatalities,
	}
	if v := h.Get(rec, "population_exposure"); v != "" {
		if p, err := atoi(v); err == nil {
			payload["population_exposure"] = p
		}
	}
	for _, col := range []string{"centroid_latitude", "centroid_longitude"} {
		if v := h.Get(rec, col); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return source.RawRow{}, fmt.Errorf("%s: %w", col, err)
			}
			payload[col] = f
		}
	}
	return source.RawRow{
		NaturalKey: []string{
			weekDate,
			payload["country"].(string),
			payload["admin1"].(string),
			payload["admin2"].(string),
			payload["event_type"].(string),
			payload["sub_event_type"].(string),
		},
		Payload: payload,
	}, nil
}

var dateLayouts = []string{
	time.DateOnly,
	"02-January-2006",
	"2 January 2006",
	"1/2/2006",
	"01/02/2006",
	"2006/01/02",
}

// ParseDate accepts the date layouts ACLED exports use.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", s)
}

func atoi(s string) (int, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, nil
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}
