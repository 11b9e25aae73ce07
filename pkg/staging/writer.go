package staging

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/malbeclabs/sofia/pkg/config"
	"github.com/malbeclabs/sofia/pkg/metrics"
	"github.com/malbeclabs/sofia/pkg/pg"
	"github.com/malbeclabs/sofia/pkg/source"
)

// NaturalKey is the hex SHA-256 of the key fields joined by a unit separator.
func NaturalKey(fields []string) string {
	h := sha256.Sum256([]byte(strings.Join(fields, "\x1f")))
	return hex.EncodeToString(h[:])
}

type WriterConfig struct {
	Logger    *slog.Logger
	DB        pg.Querier
	Table     string
	BatchSize int
}

func (cfg *WriterConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.DB == nil {
		return errors.New("db is required")
	}
	if cfg.Table == "" {
		return errors.New("table is required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = config.DefaultBatchSize
	}
	if cfg.BatchSize < config.MinBatchSize || cfg.BatchSize > config.MaxBatchSize {
		return fmt.Errorf("batch size must be between %d and %d", config.MinBatchSize, config.MaxBatchSize)
	}
	return nil
}

// Writer is the source.Sink for one staging table. Rows are buffered in
// arrival order and flushed with ON CONFLICT (natural_key) DO NOTHING, so a
// re-run only adds rows the table has not seen.
type Writer struct {
	log    *slog.Logger
	cfg    WriterConfig
	table  *Table
	insert pg.BulkInsert

	pending [][]any
	keys    map[string]struct{}
	stats   source.Stats
	reasons map[string]int64
}

var _ source.Sink = (*Writer)(nil)

func NewWriter(cfg WriterConfig) (*Writer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t, ok := Lookup(cfg.Table)
	if !ok {
		return nil, fmt.Errorf("unknown staging table %q", cfg.Table)
	}
	return &Writer{
		log:   cfg.Logger,
		cfg:   cfg,
		table: t,
		insert: pg.BulkInsert{
			Table:   t.Name,
			Columns: t.ColumnNames(),
			Suffix:  "ON CONFLICT (natural_key) DO NOTHING",
		},
		keys:    make(map[string]struct{}),
		reasons: make(map[string]int64),
	}, nil
}

func (w *Writer) Write(ctx context.Context, row source.RawRow) error {
	w.stats.Seen++
	if len(row.NaturalKey) == 0 {
		w.fail("missing natural key")
		return nil
	}
	values, err := w.table.values(row.Payload)
	if err != nil {
		w.log.Debug("staging: row rejected", "table", w.table.Name, "error", err)
		w.fail("schema")
		return nil
	}
	key := NaturalKey(row.NaturalKey)
	if _, dup := w.keys[key]; dup {
		w.stats.Duplicates++
		metrics.StagingRowsTotal.WithLabelValues(w.table.Name, "duplicate").Inc()
		return nil
	}
	w.keys[key] = struct{}{}
	w.pending = append(w.pending, append([]any{key}, values...))
	if len(w.pending) >= w.cfg.BatchSize {
		return w.Flush(ctx)
	}
	return nil
}

func (w *Writer) RowFailed(reason string) {
	w.stats.Seen++
	w.fail(reason)
}

func (w *Writer) fail(reason string) {
	w.stats.Failed++
	w.reasons[reason]++
	metrics.StagingRowsTotal.WithLabelValues(w.table.Name, "failed").Inc()
}

// Flush writes buffered rows. A statement timeout is retried once.
func (w *Writer) Flush(ctx context.Context) error {
	if len(w.pending) == 0 {
		return nil
	}
	batch := w.pending
	var inserted int64
	err := pg.RetryOnTimeout(ctx, w.log, "staging insert "+w.table.Name, func(ctx context.Context) error {
		n, err := w.insert.Exec(ctx, w.cfg.DB, batch)
		inserted = n
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to insert into %s: %w", w.table.Name, err)
	}
	dups := int64(len(batch)) - inserted
	w.stats.Inserted += inserted
	w.stats.Duplicates += dups
	metrics.StagingRowsTotal.WithLabelValues(w.table.Name, "inserted").Add(float64(inserted))
	metrics.StagingRowsTotal.WithLabelValues(w.table.Name, "duplicate").Add(float64(dups))
	w.log.Debug("staging: flushed batch", "table", w.table.Name, "rows", len(batch), "inserted", inserted)
	w.pending = nil
	clear(w.keys)
	return nil
}

// Close flushes what is left and returns the run's row accounting. A run
// where more than half the rows failed is SCHEMA_MISMATCH.
func (w *Writer) Close(ctx context.Context) (source.Stats, error) {
	if err := w.Flush(ctx); err != nil {
		return w.stats, err
	}
	if w.stats.FailureRateExceeded() {
		return w.stats, source.Errorf(source.ErrSchemaMismatch, "%d of %d rows failed for %s: %v", w.stats.Failed, w.stats.Seen, w.table.Name, w.reasons)
	}
	if w.stats.Failed > 0 {
		w.log.Warn("staging: rows failed", "table", w.table.Name, "failed", w.stats.Failed, "seen", w.stats.Seen, "reasons", w.reasons)
	}
	return w.stats, nil
}

func (w *Writer) Stats() source.Stats { return w.stats }

// values validates the payload and extracts the typed columns, followed by
// the payload itself as JSON.
func (t *Table) values(payload map[string]any) ([]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	if t.schema != nil {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var doc any
		if err := dec.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
		if err := t.schema.Validate(doc); err != nil {
			return nil, fmt.Errorf("schema validation failed: %w", err)
		}
	}
	out := make([]any, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		v, err := convert(c, payload[c.Name])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		out = append(out, v)
	}
	return append(out, string(raw)), nil
}

func convert(c Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && c.Type != Text && strings.TrimSpace(s) == "" {
		return nil, nil
	}
	switch c.Type {
	case Text:
		switch x := v.(type) {
		case string:
			if x == "" {
				return nil, nil
			}
			return x, nil
		case fmt.Stringer:
			return x.String(), nil
		default:
			return fmt.Sprint(x), nil
		}
	case Integer, BigInt:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("%v is not an integer", v)
		}
		return int64(f), nil
	case Double:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("%v is not finite", v)
		}
		return f, nil
	case Date:
		var d time.Time
		switch x := v.(type) {
		case time.Time:
			d = time.Date(x.Year(), x.Month(), x.Day(), 0, 0, 0, 0, time.UTC)
		case string:
			parsed, err := time.Parse(time.DateOnly, strings.TrimSpace(x))
			if err != nil {
				return nil, fmt.Errorf("invalid date %q", x)
			}
			d = parsed
		default:
			return nil, fmt.Errorf("invalid date %v", v)
		}
		if c.Name == "week" && d.Weekday() != time.Monday {
			return nil, fmt.Errorf("week %s is not a Monday", d.Format(time.DateOnly))
		}
		return d, nil
	}
	return nil, fmt.Errorf("unsupported column type %s", c.Type)
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	}
	return 0, fmt.Errorf("%v (%T) is not numeric", v, v)
}

// WeekOf returns the Monday of t's ISO week, matching date_trunc('week', t).
func WeekOf(t time.Time) time.Time {
	d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}
