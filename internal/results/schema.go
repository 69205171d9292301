// Package results turns decoded DAP aggregates into rows of an analytical
// table and writes them through a Store.
package results

import (
	"fmt"
	"strings"
)

// ColumnType is the logical type of a column. Backends map it onto their own
// SQL types.
type ColumnType string

const (
	TypeString    ColumnType = "STRING"
	TypeInt64     ColumnType = "INT64"
	TypeDate      ColumnType = "DATE"
	TypeTimestamp ColumnType = "TIMESTAMP"
	TypeJSON      ColumnType = "JSON"
)

// Column describes one table column. Key columns identify the partition a
// row belongs to; re-running a window replaces rows with equal keys.
type Column struct {
	Name     string
	Type     ColumnType
	Required bool
	Key      bool
}

func (c Column) String() string {
	return fmt.Sprintf("%s %s", c.Name, c.Type)
}

// Schema is the fixed layout of one result table.
type Schema struct {
	Name    string // default table name
	Columns []Column
}

// Column names shared by both schemas.
const (
	ColCollectionStart = "collection_start"
	ColCollectionEnd   = "collection_end"
	ColMetric          = "metric"
)

// Attribution columns.
const (
	ColProvider         = "provider"
	ColAdID             = "ad_id"
	ColLookbackWindow   = "lookback_window"
	ColConversionType   = "conversion_type"
	ColValue            = "value"
	ColCreatedTimestamp = "created_timestamp"
)

// Incrementality columns.
const (
	ColCountryCodes     = "country_codes"
	ColExperimentSlug   = "experiment_slug"
	ColExperimentBranch = "experiment_branch"
	ColAdvertiser       = "advertiser"
	ColValueCount       = "value_count"
	ColValueHistogram   = "value_histogram"
	ColCreatedAt        = "created_at"
)

// AttributionSchema stores one conversion count per ad and window.
var AttributionSchema = Schema{
	Name: "attribution_conversions",
	Columns: []Column{
		{Name: ColCollectionStart, Type: TypeDate, Required: true, Key: true},
		{Name: ColCollectionEnd, Type: TypeDate, Required: true, Key: true},
		{Name: ColProvider, Type: TypeString, Required: true, Key: true},
		{Name: ColAdID, Type: TypeInt64, Required: true, Key: true},
		{Name: ColLookbackWindow, Type: TypeInt64, Required: true, Key: true},
		{Name: ColConversionType, Type: TypeString, Required: true, Key: true},
		{Name: ColMetric, Type: TypeString, Required: true, Key: true},
		{Name: ColValue, Type: TypeInt64, Required: true},
		{Name: ColCreatedTimestamp, Type: TypeTimestamp, Required: true},
	},
}

// IncrementalitySchema stores one value per experiment branch and window.
// The value is either a count or a histogram.
var IncrementalitySchema = Schema{
	Name: "incrementality",
	Columns: []Column{
		{Name: ColCollectionStart, Type: TypeDate, Required: true, Key: true},
		{Name: ColCollectionEnd, Type: TypeDate, Required: true, Key: true},
		{Name: ColCountryCodes, Type: TypeJSON},
		{Name: ColExperimentSlug, Type: TypeString, Required: true, Key: true},
		{Name: ColExperimentBranch, Type: TypeString, Required: true, Key: true},
		{Name: ColAdvertiser, Type: TypeString, Required: true, Key: true},
		{Name: ColMetric, Type: TypeString, Required: true, Key: true},
		{Name: ColValueCount, Type: TypeInt64},
		{Name: ColValueHistogram, Type: TypeJSON},
		{Name: ColCreatedAt, Type: TypeTimestamp, Required: true},
	},
}

// Names returns the column names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		out[i] = c.Name
	}
	return out
}

// KeyColumns returns the names of the key columns in order.
func (s Schema) KeyColumns() []string {
	var out []string
	for _, c := range s.Columns {
		if c.Key {
			out = append(out, c.Name)
		}
	}
	return out
}

// Index returns the position of the named column, or -1.
func (s Schema) Index(name string) int {
	for i, c := range s.Columns {
		if c.Name == name {
			return i
		}
	}
	return -1
}

// Table is a schema placed in a dataset.
type Table struct {
	Dataset string
	Name    string
	Schema  Schema
}

// NewTable places schema in dataset. An empty name uses the schema default.
func NewTable(dataset, name string, schema Schema) Table {
	if name == "" {
		name = schema.Name
	}
	return Table{Dataset: dataset, Name: name, Schema: schema}
}

func (t Table) String() string {
	if t.Dataset == "" {
		return t.Name
	}
	return t.Dataset + "." + t.Name
}

// CheckSchema compares the columns found in the store with the expected
// schema. Names and logical types must match exactly; order is ignored.
func CheckSchema(t Table, got []Column) error {
	want := make(map[string]ColumnType, len(t.Schema.Columns))
	for _, c := range t.Schema.Columns {
		want[c.Name] = c.Type
	}
	have := make(map[string]ColumnType, len(got))
	for _, c := range got {
		have[strings.ToLower(c.Name)] = c.Type
	}

	mm := &SchemaMismatchError{Table: t.String()}
	for _, c := range t.Schema.Columns {
		typ, ok := have[c.Name]
		switch {
		case !ok:
			mm.Missing = append(mm.Missing, c.Name)
		case typ != c.Type:
			mm.Changed = append(mm.Changed, fmt.Sprintf("%s: want %s, have %s", c.Name, c.Type, typ))
		}
	}
	for _, c := range got {
		if _, ok := want[strings.ToLower(c.Name)]; !ok {
			mm.Unexpected = append(mm.Unexpected, c.Name)
		}
	}
	if len(mm.Missing)+len(mm.Changed)+len(mm.Unexpected) > 0 {
		return mm
	}
	return nil
}
