package pg

import (
	"context"
	"fmt"
	"strings"

	"github.com/lib/pq"
)

// maxParams is the Postgres bind parameter limit per statement.
const maxParams = 65535

// Ident quotes a possibly schema-qualified identifier such as
// "acled_aggregated.weekly".
func Ident(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = pq.QuoteIdentifier(p)
	}
	return strings.Join(parts, ".")
}

// BulkInsert writes rows with multi-row INSERT statements. Suffix is
// appended verbatim, typically an ON CONFLICT clause.
type BulkInsert struct {
	Table string
	// Alias names the target table inside Suffix, e.g. in a DO UPDATE WHERE.
	Alias   string
	Columns []string
	Suffix  string
}

// Exec inserts rows in chunks that respect the bind parameter limit and
// returns the summed affected row count.
func (b BulkInsert) Exec(ctx context.Context, q Querier, rows [][]any) (int64, error) {
	if len(b.Columns) == 0 {
		return 0, fmt.Errorf("bulk insert into %s: no columns", b.Table)
	}
	perStmt := maxParams / len(b.Columns)

	var total int64
	for start := 0; start < len(rows); start += perStmt {
		end := min(start+perStmt, len(rows))
		query, args, err := b.build(rows[start:end])
		if err != nil {
			return total, err
		}
		res, err := q.ExecContext(ctx, query, args...)
		if err != nil {
			return total, fmt.Errorf("failed to insert into %s: %w", b.Table, err)
		}
		n, err := res.RowsAffected()
		if err == nil {
			total += n
		}
	}
	return total, nil
}

func (b BulkInsert) build(rows [][]any) (string, []any, error) {
	cols := make([]string, len(b.Columns))
	for i, c := range b.Columns {
		cols[i] = pq.QuoteIdentifier(c)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s ", Ident(b.Table))
	if b.Alias != "" {
		fmt.Fprintf(&sb, "AS %s ", pq.QuoteIdentifier(b.Alias))
	}
	fmt.Fprintf(&sb, "(%s) VALUES ", strings.Join(cols, ", "))

	args := make([]any, 0, len(rows)*len(b.Columns))
	for r, row := range rows {
		if len(row) != len(b.Columns) {
			return "", nil, fmt.Errorf("bulk insert into %s: row %d has %d values, want %d", b.Table, r, len(row), len(b.Columns))
		}
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for c := range row {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+c+1)
		}
		sb.WriteByte(')')
		args = append(args, row...)
	}
	if b.Suffix != "" {
		sb.WriteByte(' ')
		sb.WriteString(b.Suffix)
	}
	return sb.String(), args, nil
}
