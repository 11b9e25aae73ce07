package health

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"

	"github.com/malbeclabs/sofia/pkg/pg"
)

type Column struct {
	Name     string
	DataType string
}

type Table struct {
	Name    string
	Columns []Column
}

// CoreTables are the tables the pipeline writes to, as the code expects them.
var CoreTables = []Table{
	{Name: "security_observations", Columns: []Column{
		{"id", "bigint"},
		{"source", "text"},
		{"source_id", "text"},
		{"signal_type", "text"},
		{"coverage_scope", "text"},
		{"country_code", "character"},
		{"country_name", "text"},
		{"admin1", "text"},
		{"city", "text"},
		{"latitude", "double precision"},
		{"longitude", "double precision"},
		{"severity_raw", "double precision"},
		{"severity_norm", "double precision"},
		{"event_count", "integer"},
		{"fatalities", "integer"},
		{"confidence_score", "double precision"},
		{"coverage_score_global", "double precision"},
		{"coverage_score_local", "double precision"},
		{"event_time_start", "timestamp with time zone"},
		{"event_time_end", "timestamp with time zone"},
		{"raw", "jsonb"},
		{"collected_at", "timestamp with time zone"},
	}},
	{Name: "country_aliases", Columns: []Column{
		{"id", "bigint"},
		{"alias_norm", "text"},
		{"country_code", "character"},
	}},
	{Name: "signal_country_map", Columns: []Column{
		{"source_row_id", "bigint"},
		{"source_id", "smallint"},
		{"country_code", "character"},
		{"match_method", "text"},
		{"confidence_hint", "double precision"},
		{"matched_text", "text"},
	}},
	{Name: "cyber_event_country_map", Columns: []Column{
		{"source_row_id", "bigint"},
		{"source_id", "smallint"},
		{"country_code", "character"},
		{"match_method", "text"},
		{"confidence_hint", "double precision"},
		{"matched_text", "text"},
	}},
	{Name: "organizations", Columns: []Column{
		{"id", "bigint"},
		{"normalized_name", "text"},
		{"display_name", "text"},
		{"type", "text"},
		{"country_code", "character"},
	}},
	{Name: "collector_runs", Columns: []Column{
		{"id", "bigint"},
		{"collector_name", "text"},
		{"started_at", "timestamp with time zone"},
		{"finished_at", "timestamp with time zone"},
		{"status", "text"},
		{"rows_inserted", "bigint"},
		{"rows_failed", "bigint"},
		{"error_code", "text"},
		{"error", "text"},
	}},
	{Name: "notification_outbox", Columns: []Column{
		{"id", "uuid"},
		{"channel", "text"},
		{"recipient", "text"},
		{"subject", "text"},
		{"body", "text"},
		{"delivered_at", "timestamp with time zone"},
		{"attempts", "integer"},
	}},
}

const listTableColumns = `
SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = ANY($2)
ORDER BY table_name, ordinal_position`

// ValidateSchema compares the in-code tables with information_schema. Extra
// database columns are allowed; missing tables, missing columns and type
// mismatches are reported together.
func ValidateSchema(ctx context.Context, db pg.Querier, tables []Table) error {
	if len(tables) == 0 {
		return nil
	}
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.Name
	}

	rows, err := db.QueryContext(ctx, listTableColumns, pg.Schema, pq.Array(names))
	if err != nil {
		return fmt.Errorf("failed to query schema: %w", err)
	}
	defer rows.Close()

	actual := make(map[string]map[string]string)
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return fmt.Errorf("failed to scan schema row: %w", err)
		}
		if actual[table] == nil {
			actual[table] = make(map[string]string)
		}
		actual[table][column] = dataType
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating schema rows: %w", err)
	}

	var problems []string
	for _, t := range tables {
		cols, ok := actual[t.Name]
		if !ok {
			problems = append(problems, fmt.Sprintf("table %s: missing", t.Name))
			continue
		}
		for _, c := range t.Columns {
			got, ok := cols[c.Name]
			switch {
			case !ok:
				problems = append(problems, fmt.Sprintf("table %s: column %s missing", t.Name, c.Name))
			case got != c.DataType:
				problems = append(problems, fmt.Sprintf("table %s: column %s is %s, expected %s", t.Name, c.Name, got, c.DataType))
			}
		}
	}
	if len(problems) > 0 {
		sort.Strings(problems)
		return errors.New("schema mismatch:\n  " + strings.Join(problems, "\n  "))
	}
	return nil
}
