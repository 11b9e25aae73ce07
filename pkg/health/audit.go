// Package health holds the data-quality checks run from the CLI: the
// week-alignment audit, the view coverage report and the schema check.
package health

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/lib/pq"
	"github.com/olekukonko/tablewriter"

	"github.com/malbeclabs/sofia/pkg/pg"
)

// CLI exit codes for data-quality commands.
const (
	ExitOK         = 0
	ExitError      = 1
	ExitMisaligned = 2
)

// AuditSchemas are the schemas scanned for week columns.
var AuditSchemas = []string{"sofia", "acled_aggregated", "acled_metadata"}

type WeekColumn struct {
	Schema string
	Table  string
	Column string
}

func (c WeekColumn) String() string {
	return c.Schema + "." + c.Table + "." + c.Column
}

type Misalignment struct {
	WeekColumn
	Rows int64
}

type AuditReport struct {
	Columns    []WeekColumn
	Misaligned []Misalignment
}

// ExitCode is ExitMisaligned when any week value is not a Monday.
func (r *AuditReport) ExitCode() int {
	if len(r.Misaligned) > 0 {
		return ExitMisaligned
	}
	return ExitOK
}

const listWeekColumns = `
SELECT table_schema, table_name, column_name
FROM information_schema.columns
WHERE table_schema = ANY($1)
  AND column_name IN ('week', 'week_date')
  AND data_type IN ('date', 'timestamp without time zone', 'timestamp with time zone')
ORDER BY table_schema, table_name, column_name`

// AuditWeeks checks that every week column value equals date_trunc('week', value).
func AuditWeeks(ctx context.Context, db pg.Querier, schemas []string) (*AuditReport, error) {
	if len(schemas) == 0 {
		schemas = AuditSchemas
	}
	rows, err := db.QueryContext(ctx, listWeekColumns, pq.Array(schemas))
	if err != nil {
		return nil, fmt.Errorf("failed to list week columns: %w", err)
	}
	report := &AuditReport{}
	for rows.Next() {
		var c WeekColumn
		if err := rows.Scan(&c.Schema, &c.Table, &c.Column); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan week column: %w", err)
		}
		report.Columns = append(report.Columns, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating week columns: %w", err)
	}

	for _, c := range report.Columns {
		col := pq.QuoteIdentifier(c.Column)
		q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s IS NOT NULL AND %s::timestamp <> date_trunc('week', %s::timestamp)`,
			pg.Ident(c.Schema+"."+c.Table), col, col, col)
		var n int64
		if err := db.QueryRowContext(ctx, q).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to audit %s: %w", c, err)
		}
		if n > 0 {
			report.Misaligned = append(report.Misaligned, Misalignment{WeekColumn: c, Rows: n})
		}
	}
	return report, nil
}

// Render writes the per-column audit result as a table.
func (r *AuditReport) Render(w io.Writer) {
	bad := make(map[WeekColumn]int64, len(r.Misaligned))
	for _, m := range r.Misaligned {
		bad[m.WeekColumn] = m.Rows
	}
	table := newTable(w, []string{"Schema", "Table", "Column", "Misaligned\n(#)"})
	for _, c := range r.Columns {
		table.Append([]string{c.Schema, c.Table, c.Column, strconv.FormatInt(bad[c], 10)})
	}
	table.Render()
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader(header)
	return table
}
