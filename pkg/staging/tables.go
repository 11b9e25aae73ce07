package staging

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	ACLEDWeekly   = "acled_aggregated.weekly"
	ACLEDEvents   = "acled_metadata.events"
	GDELTDaily    = "sofia.stg_gdelt_daily"
	WorldBank     = "sofia.stg_worldbank"
	CrimeRegistry = "sofia.stg_crime_registry"
)

type ColumnType string

const (
	Text    ColumnType = "TEXT"
	Integer ColumnType = "INTEGER"
	BigInt  ColumnType = "BIGINT"
	Double  ColumnType = "DOUBLE"
	Date    ColumnType = "DATE"
)

type Column struct {
	Name string
	Type ColumnType
}

// TableConfig describes a landing table. Columns are "name:type" pairs
// extracted from the payload key of the same name; natural_key, payload and
// collected_at are implicit.
type TableConfig struct {
	Name    string
	Columns []string
	// Schema is a JSON schema the payload must satisfy.
	Schema string
}

type Table struct {
	Name    string
	Columns []Column
	schema  *jsonschema.Schema
}

func compileTable(cfg TableConfig) (*Table, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("table name is required")
	}
	if len(cfg.Columns) == 0 {
		return nil, fmt.Errorf("columns cannot be empty")
	}
	t := &Table{Name: cfg.Name}
	for _, col := range cfg.Columns {
		parts := strings.SplitN(col, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid column definition %q: expected format 'name:type'", col)
		}
		typ := ColumnType(strings.ToUpper(strings.TrimSpace(parts[1])))
		switch typ {
		case Text, Integer, BigInt, Double, Date:
		default:
			return nil, fmt.Errorf("invalid column type %q for %s", parts[1], parts[0])
		}
		t.Columns = append(t.Columns, Column{Name: strings.TrimSpace(parts[0]), Type: typ})
	}
	if cfg.Schema != "" {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://sofia.schemas.local/staging/%s.schema.json", cfg.Name)
		if err := c.AddResource(url, strings.NewReader(cfg.Schema)); err != nil {
			return nil, fmt.Errorf("failed to load schema for %s: %w", cfg.Name, err)
		}
		s, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema for %s: %w", cfg.Name, err)
		}
		t.schema = s
	}
	return t, nil
}

// ColumnNames returns the insert column list in order.
func (t *Table) ColumnNames() []string {
	names := make([]string, 0, len(t.Columns)+2)
	names = append(names, "natural_key")
	for _, c := range t.Columns {
		names = append(names, c.Name)
	}
	return append(names, "payload")
}

const dateSchema = `{"type": "string", "pattern": "^[0-9]{4}-[0-9]{2}-[0-9]{2}$"}`

var tableConfigs = []TableConfig{
	{
		Name: ACLEDWeekly,
		Columns: []string{
			"week:DATE", "region:TEXT", "country:TEXT", "admin1:TEXT", "admin2:TEXT",
			"event_type:TEXT", "sub_event_type:TEXT", "events:INTEGER", "fatalities:INTEGER",
			"population_exposure:BIGINT", "centroid_latitude:DOUBLE", "centroid_longitude:DOUBLE",
		},
		Schema: `{
			"type": "object",
			"required": ["week", "country", "event_type", "events", "fatalities"],
			"properties": {
				"week": ` + dateSchema + `,
				"country": {"type": "string", "minLength": 1},
				"event_type": {"type": "string", "minLength": 1},
				"events": {"type": "integer", "minimum": 0},
				"fatalities": {"type": "integer", "minimum": 0},
				"population_exposure": {"type": ["integer", "null"]},
				"centroid_latitude": {"type": ["number", "null"], "minimum": -90, "maximum": 90},
				"centroid_longitude": {"type": ["number", "null"], "minimum": -180, "maximum": 180}
			}
		}`,
	},
	{
		Name: ACLEDEvents,
		Columns: []string{
			"event_id_cnty:TEXT", "event_date:DATE", "week:DATE", "event_type:TEXT", "sub_event_type:TEXT",
			"country:TEXT", "iso:INTEGER", "admin1:TEXT", "location:TEXT",
			"latitude:DOUBLE", "longitude:DOUBLE", "fatalities:INTEGER",
		},
		Schema: `{
			"type": "object",
			"required": ["event_id_cnty", "event_date", "week", "event_type", "country", "fatalities"],
			"properties": {
				"event_id_cnty": {"type": "string", "minLength": 1},
				"event_date": ` + dateSchema + `,
				"week": ` + dateSchema + `,
				"event_type": {"type": "string", "minLength": 1},
				"country": {"type": "string", "minLength": 1},
				"iso": {"type": ["integer", "null"]},
				"latitude": {"type": ["number", "null"], "minimum": -90, "maximum": 90},
				"longitude": {"type": ["number", "null"], "minimum": -180, "maximum": 180},
				"fatalities": {"type": "integer", "minimum": 0}
			}
		}`,
	},
	{
		Name:    GDELTDaily,
		Columns: []string{"day:DATE", "country_name:TEXT", "fips_code:TEXT", "event_count:INTEGER"},
		Schema: `{
			"type": "object",
			"required": ["day", "country_name", "event_count"],
			"properties": {
				"day": ` + dateSchema + `,
				"country_name": {"type": "string", "minLength": 1},
				"fips_code": {"type": ["string", "null"]},
				"event_count": {"type": "integer", "minimum": 0}
			}
		}`,
	},
	{
		Name:    WorldBank,
		Columns: []string{"country_iso3:TEXT", "country_name:TEXT", "indicator:TEXT", "year:INTEGER", "value:DOUBLE"},
		Schema: `{
			"type": "object",
			"required": ["country_iso3", "indicator", "year", "value"],
			"properties": {
				"country_iso3": {"type": "string", "pattern": "^[A-Z0-9]{3}$"},
				"indicator": {"type": "string", "minLength": 1},
				"year": {"type": "integer", "minimum": 1900, "maximum": 2200},
				"value": {"type": "number"}
			}
		}`,
	},
	{
		Name: CrimeRegistry,
		Columns: []string{
			"country:TEXT", "state_code:TEXT", "state_name:TEXT", "year:INTEGER", "month:INTEGER",
			"homicide_rate:DOUBLE", "robbery_rate:DOUBLE", "source_agency:TEXT",
		},
		Schema: `{
			"type": "object",
			"required": ["country", "state_code", "year", "month"],
			"properties": {
				"country": {"type": "string", "minLength": 1},
				"state_code": {"type": "string", "minLength": 1},
				"year": {"type": "integer", "minimum": 1900, "maximum": 2200},
				"month": {"type": "integer", "minimum": 1, "maximum": 12},
				"homicide_rate": {"type": ["number", "null"], "minimum": 0},
				"robbery_rate": {"type": ["number", "null"], "minimum": 0}
			}
		}`,
	},
}

var tables = func() map[string]*Table {
	out := make(map[string]*Table, len(tableConfigs))
	for _, cfg := range tableConfigs {
		t, err := compileTable(cfg)
		if err != nil {
			panic(err)
		}
		out[cfg.Name] = t
	}
	return out
}()

// Lookup returns the descriptor for a staging table.
func Lookup(name string) (*Table, bool) {
	t, ok := tables[name]
	return t, ok
}

// Names lists the staging tables in declaration order.
func Names() []string {
	out := make([]string, 0, len(tableConfigs))
	for _, cfg := range tableConfigs {
		out = append(out, cfg.Name)
	}
	return out
}
