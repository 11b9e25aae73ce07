// Package registry collects national crime registries published as
// state-level CSV files. The default layout is the Brazilian one.
package registry

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
	BrazilName     = "crime_registry_br"
	BrazilSourceID = 5

	defaultMaxAge = 24 * time.Hour
)

// Columns names the CSV headers a registry file uses. Headers are matched
// case-insensitively.
type Columns struct {
	StateCode string
	StateName string
	Year      string
	Month     string
	Homicide  string
	Robbery   string
	Agency    string
}

var brazilColumns = Columns{
	StateCode: "uf",
	StateName: "estado",
	Year:      "ano",
	Month:     "mes",
	Homicide:  "taxa_homicidio",
	Robbery:   "taxa_roubo",
	Agency:    "fonte",
}

type Adapter struct {
	log      *slog.Logger
	http     *source.HTTPClient
	cache    *filecache.Cache
	name     string
	sourceID int
	country  string
	agency   string
	files    []string
	cols     Columns
	timeout  time.Duration
}

func NewBrazil(d source.Deps) (source.Adapter, error) {
	files := d.Source.Files
	if d.Source.Endpoint != "" {
		files = append([]string{d.Source.Endpoint}, files...)
	}
	return &Adapter{
		log:      d.Logger,
		http:     d.HTTP,
		cache:    d.Cache,
		name:     BrazilName,
		sourceID: BrazilSourceID,
		country:  d.Source.Param("country", "Brazil"),
		agency:   d.Source.Param("agency", "SINESP"),
		files:    files,
		cols:     brazilColumns,
		timeout:  d.Timeout(),
	}, nil
}

func (a *Adapter) Name() string           { return a.name }
func (a *Adapter) SourceID() int          { return a.sourceID }
func (a *Adapter) StagingTable() string   { return staging.CrimeRegistry }
func (a *Adapter) Timeout() time.Duration { return a.timeout }

func (a *Adapter) Collect(ctx context.Context, sink source.Sink) error {
	if len(a.files) == 0 {
		return source.Errorf(source.ErrDependencyMissing, "no registry files configured for %s", a.name)
	}
	for _, url := range a.files {
		data, entry, err := source.Download(ctx, a.cache, a.http, url, defaultMaxAge)
		if err != nil {
			return fmt.Errorf("failed to download %s: %w", url, err)
		}
		n, err := a.parse(ctx, data, sink)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", url, err)
		}
		a.log.Info("registry: parsed file", "source", a.name, "url", url, "rows", n, "digest", entry.Digest)
	}
	return nil
}

func (a *Adapter) parse(ctx context.Context, data []byte, sink source.Sink) (int, error) {
	r := source.NewCSVReader(data)
	head, err := r.Read()
	if err != nil {
		return 0, source.Errorf(source.ErrSchemaMismatch, "failed to read header: %v", err)
	}
	h := source.NewCSVHeader(head)
	if err := h.Require(a.cols.StateCode, a.cols.Year, a.cols.Month); err != nil {
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
		row, err := a.row(h, rec)
		if err != nil {
			a.log.Debug("registry: skipping row", "source", a.name, "error", err)
			sink.RowFailed("parse")
			continue
		}
		if err := sink.Write(ctx, row); err != nil {
			return n, err
		}
		n++
	}
}

func (a *Adapter) row(h source.CSVHeader, rec []string) (source.RawRow, error) {
	state := strings.ToUpper(h.Get(rec, a.cols.StateCode))
	if state == "" {
		return source.RawRow{}, fmt.Errorf("missing state")
	}
	year, err := strconv.Atoi(h.Get(rec, a.cols.Year))
	if err != nil {
		return source.RawRow{}, fmt.Errorf("year: %w", err)
	}
	month, err := strconv.Atoi(h.Get(rec, a.cols.Month))
	if err != nil || month < 1 || month > 12 {
		return source.RawRow{}, fmt.Errorf("invalid month %q", h.Get(rec, a.cols.Month))
	}
	agency := h.Get(rec, a.cols.Agency)
	if agency == "" {
		agency = a.agency
	}
	payload := map[string]any{
		"country":       a.country,
		"state_code":    state,
		"state_name":    h.Get(rec, a.cols.StateName),
		"year":          year,
		"month":         month,
		"source_agency": agency,
	}
	for key, col := range map[string]string{"homicide_rate": a.cols.Homicide, "robbery_rate": a.cols.Robbery} {
		v, ok, err := ParseRate(h.Get(rec, col))
		if err != nil {
			return source.RawRow{}, fmt.Errorf("%s: %w", key, err)
		}
		if ok {
			payload[key] = v
		}
	}
	return source.RawRow{
		NaturalKey: []string{a.country, state, strconv.Itoa(year), strconv.Itoa(month)},
		Payload:    payload,
	}, nil
}

// ParseRate reads a decimal that may use a comma separator ("12,5").
func ParseRate(s string) (float64, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "-" {
		return 0, false, nil
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false, err
	}
	return v, true, nil
}
