// Package chexport mirrors sofia.security_observations into ClickHouse for
// analytical consumers.
package chexport

import (
	"context"
	"crypto/tls"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"

	"github.com/malbeclabs/sofia/pkg/pg"
)

const (
	defaultTable     = "security_observations"
	defaultBatchSize = 5000
)

// ClickHouse error codes.
const (
	chErrCodeUnknownDatabase = 81
	chErrCodeUnknownTable    = 60
)

// IsRetryable reports whether a ClickHouse error is transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var exception *clickhouse.Exception
	if errors.As(err, &exception) {
		switch exception.Code {
		case chErrCodeUnknownTable, chErrCodeUnknownDatabase:
			return false
		}
	}
	return true
}

type Option func(*Exporter)

func WithAddr(addr string) Option {
	return func(e *Exporter) { e.addr = addr }
}

func WithDB(db string) Option {
	return func(e *Exporter) { e.db = db }
}

func WithUser(user string) Option {
	return func(e *Exporter) { e.user = user }
}

func WithPassword(pass string) Option {
	return func(e *Exporter) { e.pass = pass }
}

func WithTLSDisabled(disabled bool) Option {
	return func(e *Exporter) { e.disableTLS = disabled }
}

func WithLogger(log *slog.Logger) Option {
	return func(e *Exporter) { e.log = log }
}

func WithBatchSize(n int) Option {
	return func(e *Exporter) { e.batchSize = n }
}

// Exporter copies observations from Postgres into a ReplacingMergeTree keyed
// by (source, source_id); re-exporting a row replaces the older version.
type Exporter struct {
	addr       string
	db         string
	user       string
	pass       string
	disableTLS bool
	batchSize  int
	log        *slog.Logger
	conn       clickhouse.Conn
}

func New(opts ...Option) (*Exporter, error) {
	e := &Exporter{
		db:        "sofia",
		user:      "default",
		batchSize: defaultBatchSize,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.addr == "" {
		return nil, errors.New("clickhouse address is required: use WithAddr")
	}
	if e.log == nil {
		return nil, errors.New("logger is required: use WithLogger")
	}
	if e.batchSize <= 0 {
		e.batchSize = defaultBatchSize
	}

	chOpts := &clickhouse.Options{
		Addr: []string{e.addr},
		Auth: clickhouse.Auth{
			Database: e.db,
			Username: e.user,
			Password: e.pass,
		},
	}
	if !e.disableTLS {
		chOpts.TLS = &tls.Config{}
	}
	conn, err := clickhouse.Open(chOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open clickhouse connection: %w", err)
	}
	e.conn = conn
	return e, nil
}

func (e *Exporter) Close() error {
	return e.conn.Close()
}

func (e *Exporter) table() string {
	return e.db + "." + defaultTable
}

// CreateTableSQL is the DDL of the mirror table in db.
func CreateTableSQL(db string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (
	source LowCardinality(String),
	source_id String,
	signal_type LowCardinality(String),
	coverage_scope LowCardinality(String),
	country_code LowCardinality(String),
	country_name String,
	admin1 String,
	city String,
	latitude Nullable(Float64),
	longitude Nullable(Float64),
	severity_raw Float64,
	severity_norm Float64,
	event_count Nullable(Int32),
	fatalities Nullable(Int32),
	confidence_score Float64,
	coverage_score_global Float64,
	coverage_score_local Float64,
	event_time_start Nullable(DateTime64(3, 'UTC')),
	event_time_end Nullable(DateTime64(3, 'UTC')),
	collected_at DateTime64(3, 'UTC')
) ENGINE = ReplacingMergeTree(collected_at)
ORDER BY (source, source_id)`, db, defaultTable)
}

func (e *Exporter) EnsureTable(ctx context.Context) error {
	if err := e.conn.Exec(ctx, CreateTableSQL(e.db)); err != nil {
		return fmt.Errorf("failed to create %s: %w", e.table(), err)
	}
	return nil
}

// Row is one observation as written to ClickHouse.
type Row struct {
	ID                  int64
	Source              string
	SourceID            string
	SignalType          string
	CoverageScope       string
	CountryCode         string
	CountryName         string
	Admin1              string
	City                string
	Latitude            *float64
	Longitude           *float64
	SeverityRaw         float64
	SeverityNorm        float64
	EventCount          *int32
	Fatalities          *int32
	ConfidenceScore     float64
	CoverageScoreGlobal float64
	CoverageScoreLocal  float64
	EventTimeStart      *time.Time
	EventTimeEnd        *time.Time
	CollectedAt         time.Time
}

var columns = []string{
	"source", "source_id", "signal_type", "coverage_scope", "country_code", "country_name", "admin1", "city",
	"latitude", "longitude", "severity_raw", "severity_norm", "event_count", "fatalities", "confidence_score",
	"coverage_score_global", "coverage_score_local", "event_time_start", "event_time_end", "collected_at",
}

// Values returns r in column order.
func (r Row) Values() []any {
	return []any{
		r.Source, r.SourceID, r.SignalType, r.CoverageScope, r.CountryCode, r.CountryName, r.Admin1, r.City,
		r.Latitude, r.Longitude, r.SeverityRaw, r.SeverityNorm, r.EventCount, r.Fatalities, r.ConfidenceScore,
		r.CoverageScoreGlobal, r.CoverageScoreLocal, r.EventTimeStart, r.EventTimeEnd, r.CollectedAt,
	}
}

const selectRows = `
SELECT id, source, source_id, signal_type, coverage_scope,
       COALESCE(country_code, ''), COALESCE(country_name, ''), COALESCE(admin1, ''), COALESCE(city, ''),
       latitude, longitude, severity_raw, severity_norm, event_count, fatalities, confidence_score,
       coverage_score_global, coverage_score_local, event_time_start, event_time_end, collected_at
FROM sofia.security_observations
WHERE collected_at >= $1 AND id > $2
ORDER BY id
LIMIT $3`

// ReadPage reads up to limit observations collected at or after since with
// id greater than after.
func ReadPage(ctx context.Context, db pg.Querier, since time.Time, after int64, limit int) ([]Row, error) {
	rows, err := db.QueryContext(ctx, selectRows, since.UTC(), after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read observations: %w", err)
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		var (
			r                  Row
			lat, lon           sql.NullFloat64
			events, fatalities sql.NullInt32
			start, end         sql.NullTime
		)
		if err := rows.Scan(&r.ID, &r.Source, &r.SourceID, &r.SignalType, &r.CoverageScope,
			&r.CountryCode, &r.CountryName, &r.Admin1, &r.City,
			&lat, &lon, &r.SeverityRaw, &r.SeverityNorm, &events, &fatalities, &r.ConfidenceScore,
			&r.CoverageScoreGlobal, &r.CoverageScoreLocal, &start, &end, &r.CollectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		if lat.Valid {
			r.Latitude = &lat.Float64
		}
		if lon.Valid {
			r.Longitude = &lon.Float64
		}
		if events.Valid {
			r.EventCount = &events.Int32
		}
		if fatalities.Valid {
			r.Fatalities = &fatalities.Int32
		}
		if start.Valid {
			t := start.Time.UTC()
			r.EventTimeStart = &t
		}
		if end.Valid {
			t := end.Time.UTC()
			r.EventTimeEnd = &t
		}
		r.CollectedAt = r.CollectedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Export copies every observation collected at or after since and returns
// the number of rows sent.
func (e *Exporter) Export(ctx context.Context, db pg.Querier, since time.Time) (int64, error) {
	if err := e.EnsureTable(ctx); err != nil {
		return 0, err
	}

	var (
		total int64
		after int64
	)
	for {
		page, err := ReadPage(ctx, db, since, after, e.batchSize)
		if err != nil {
			return total, err
		}
		if len(page) == 0 {
			break
		}
		if err := e.send(ctx, page); err != nil {
			return total, err
		}
		total += int64(len(page))
		after = page[len(page)-1].ID
		e.log.Debug("chexport: sent page", "rows", len(page), "last_id", after)
		if len(page) < e.batchSize {
			break
		}
	}
	e.log.Info("chexport: exported observations", "rows", total, "since", since, "table", e.table())
	return total, nil
}

func (e *Exporter) send(ctx context.Context, page []Row) error {
	batch, err := e.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO %s (%s)", e.table(), strings.Join(columns, ", ")))
	if err != nil {
		return fmt.Errorf("error beginning clickhouse batch: %w", err)
	}
	for _, r := range page {
		if err := batch.Append(r.Values()...); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append observation %s/%s: %w", r.Source, r.SourceID, err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send clickhouse batch: %w", err)
	}
	return nil
}

// Count returns the deduplicated row count of the mirror table.
func (e *Exporter) Count(ctx context.Context) (uint64, error) {
	var n uint64
	if err := e.conn.QueryRow(ctx, fmt.Sprintf("SELECT count() FROM %s FINAL", e.table())).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", e.table(), err)
	}
	return n, nil
}
