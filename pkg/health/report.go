package health

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/malbeclabs/sofia/pkg/pg"
)

// Buckets counts rows by confidence: High is [0.8,1], Medium [0.5,0.8) and
// Low [0,0.5).
type Buckets struct {
	High   int64
	Medium int64
	Low    int64
}

type ViewCoverage struct {
	View          string
	Rows          int64
	HasConfidence bool
	Buckets       Buckets
	LastUpdate    *time.Time
}

const relationColumns = `
SELECT a.attname
FROM pg_attribute a
JOIN pg_class c ON c.oid = a.attrelid
JOIN pg_namespace n ON n.oid = c.relnamespace
WHERE n.nspname = $1 AND c.relname = $2 AND a.attnum > 0 AND NOT a.attisdropped`

// columnsOf lists the columns of a table or materialized view.
// information_schema.columns does not include materialized views.
func columnsOf(ctx context.Context, db pg.Querier, schema, rel string) (map[string]bool, error) {
	rows, err := db.QueryContext(ctx, relationColumns, schema, rel)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns of %s.%s: %w", schema, rel, err)
	}
	defer rows.Close()
	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// CoverageReport summarizes each view in the sofia schema.
func CoverageReport(ctx context.Context, db pg.Querier, views []string) ([]ViewCoverage, error) {
	out := make([]ViewCoverage, 0, len(views))
	for _, name := range views {
		vc, err := viewCoverage(ctx, db, name)
		if err != nil {
			return nil, err
		}
		out = append(out, vc)
	}
	return out, nil
}

func viewCoverage(ctx context.Context, db pg.Querier, name string) (ViewCoverage, error) {
	cols, err := columnsOf(ctx, db, pg.Schema, name)
	if err != nil {
		return ViewCoverage{}, err
	}
	if len(cols) == 0 {
		return ViewCoverage{}, fmt.Errorf("view %s.%s does not exist", pg.Schema, name)
	}

	updated := "NULL::timestamptz"
	switch {
	case cols["refreshed_at"]:
		updated = "max(refreshed_at)"
	case cols["collected_at"]:
		updated = "max(collected_at)"
	}
	buckets := "0, 0, 0"
	if cols["confidence"] {
		buckets = `COUNT(*) FILTER (WHERE confidence >= 0.8 AND confidence <= 1),
       COUNT(*) FILTER (WHERE confidence >= 0.5 AND confidence < 0.8),
       COUNT(*) FILTER (WHERE confidence >= 0 AND confidence < 0.5)`
	}
	q := fmt.Sprintf("SELECT COUNT(*), %s, %s FROM %s", buckets, updated, pg.Ident(pg.Schema+"."+name))

	vc := ViewCoverage{View: name, HasConfidence: cols["confidence"]}
	var last sql.NullTime
	if err := db.QueryRowContext(ctx, q).Scan(&vc.Rows, &vc.Buckets.High, &vc.Buckets.Medium, &vc.Buckets.Low, &last); err != nil {
		return ViewCoverage{}, fmt.Errorf("failed to summarize %s: %w", name, err)
	}
	if last.Valid {
		t := last.Time.UTC()
		vc.LastUpdate = &t
	}
	return vc, nil
}

// RenderCoverage writes the report as a table. Bucket cells are "-" for
// views without a confidence column.
func RenderCoverage(w io.Writer, report []ViewCoverage) {
	table := newTable(w, []string{"View", "Rows", "Conf\n[0.8,1]", "Conf\n[0.5,0.8)", "Conf\n[0,0.5)", "Last Update"})
	for _, vc := range report {
		high, medium, low := "-", "-", "-"
		if vc.HasConfidence {
			high = strconv.FormatInt(vc.Buckets.High, 10)
			medium = strconv.FormatInt(vc.Buckets.Medium, 10)
			low = strconv.FormatInt(vc.Buckets.Low, 10)
		}
		last := "never"
		if vc.LastUpdate != nil {
			last = vc.LastUpdate.Format(time.RFC3339)
		}
		table.Append([]string{vc.View, strconv.FormatInt(vc.Rows, 10), high, medium, low, last})
	}
	table.Render()
}
