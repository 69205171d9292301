// Package warehouse implements results.Store on DuckDB and PostgreSQL.
//
// Both backends keep the same layout: one SQL schema per dataset holding the
// result tables plus a _dap_collections lineage table recording, per table
// and window, how many rows the table holds and when they were last written.
package warehouse

import (
	"fmt"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/results"
)

// LineageTable is the per-dataset table recording persisted windows.
const LineageTable = "_dap_collections"

// dialect captures what differs between the backends.
type dialect struct {
	name  string
	types map[results.ColumnType]string

	// lockSQL takes a transaction scoped lock on $1. Empty when the backend
	// serializes writers itself.
	lockSQL string
}

var duckDialect = dialect{
	name: "duckdb",
	types: map[results.ColumnType]string{
		results.TypeString:    "VARCHAR",
		results.TypeInt64:     "BIGINT",
		results.TypeDate:      "DATE",
		results.TypeTimestamp: "TIMESTAMP",
		results.TypeJSON:      "JSON",
	},
}

var postgresDialect = dialect{
	name: "postgres",
	types: map[results.ColumnType]string{
		results.TypeString:    "TEXT",
		results.TypeInt64:     "BIGINT",
		results.TypeDate:      "DATE",
		results.TypeTimestamp: "TIMESTAMPTZ",
		results.TypeJSON:      "JSONB",
	},
	lockSQL: "SELECT pg_advisory_xact_lock($1)",
}

// logicalType maps an information_schema data_type back to a column type.
func (d dialect) logicalType(dataType string) results.ColumnType {
	switch strings.ToUpper(dataType) {
	case "VARCHAR", "TEXT", "CHARACTER VARYING":
		return results.TypeString
	case "BIGINT", "INT8":
		return results.TypeInt64
	case "DATE":
		return results.TypeDate
	case "TIMESTAMP", "TIMESTAMP WITHOUT TIME ZONE", "TIMESTAMPTZ", "TIMESTAMP WITH TIME ZONE":
		return results.TypeTimestamp
	case "JSON", "JSONB":
		return results.TypeJSON
	}
	return results.ColumnType(strings.ToUpper(dataType))
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func qualified(dataset, name string) string {
	if dataset == "" {
		return quoteIdent(name)
	}
	return quoteIdent(dataset) + "." + quoteIdent(name)
}

// param renders placeholder n for a column, casting where the driver binds a
// wider type than the column holds.
func (d dialect) param(n int, typ results.ColumnType) string {
	switch typ {
	case results.TypeDate:
		return fmt.Sprintf("CAST($%d AS DATE)", n)
	case results.TypeJSON:
		return fmt.Sprintf("CAST($%d AS %s)", n, d.types[results.TypeJSON])
	}
	return fmt.Sprintf("$%d", n)
}

func (d dialect) createSchemaSQL(dataset string) string {
	return "CREATE SCHEMA IF NOT EXISTS " + quoteIdent(dataset)
}

func (d dialect) createTableSQL(t results.Table) string {
	var cols []string
	for _, c := range t.Schema.Columns {
		def := quoteIdent(c.Name) + " " + d.types[c.Type]
		if c.Required {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)",
		qualified(t.Dataset, t.Name), strings.Join(cols, ",\n\t"))
}

func (d dialect) createLineageSQL(dataset string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	table_name VARCHAR NOT NULL,
	collection_start DATE NOT NULL,
	collection_end DATE NOT NULL,
	row_count BIGINT NOT NULL,
	written_at %s NOT NULL,
	PRIMARY KEY (table_name, collection_start, collection_end)
)`, qualified(dataset, LineageTable), d.types[results.TypeTimestamp])
}

// upsertLineageSQL records the window of t with the number of rows the table
// holds for it, counted after the write, so jobs sharing a window add up.
func (d dialect) upsertLineageSQL(t results.Table) string {
	return fmt.Sprintf(`INSERT INTO %s (table_name, collection_start, collection_end, row_count, written_at)
SELECT CAST($1 AS VARCHAR), CAST($2 AS DATE), CAST($3 AS DATE), count(*), CAST($4 AS %s)
FROM %s
WHERE %s = CAST($2 AS DATE) AND %s = CAST($3 AS DATE)
ON CONFLICT (table_name, collection_start, collection_end)
DO UPDATE SET row_count = EXCLUDED.row_count, written_at = EXCLUDED.written_at`,
		qualified(t.Dataset, LineageTable), d.types[results.TypeTimestamp],
		qualified(t.Dataset, t.Name),
		quoteIdent(results.ColCollectionStart), quoteIdent(results.ColCollectionEnd))
}

func (d dialect) selectLineageSQL(dataset string) string {
	return fmt.Sprintf(`SELECT row_count, written_at FROM %s
WHERE table_name = $1 AND collection_start = CAST($2 AS DATE) AND collection_end = CAST($3 AS DATE)`,
		qualified(dataset, LineageTable))
}

const columnsSQL = `SELECT column_name, data_type
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

// deleteSQL removes rows whose key columns equal the key of one row.
func (d dialect) deleteSQL(t results.Table) string {
	var conds []string
	n := 1
	for _, c := range t.Schema.Columns {
		if !c.Key {
			continue
		}
		conds = append(conds, fmt.Sprintf("%s = %s", quoteIdent(c.Name), d.param(n, c.Type)))
		n++
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", qualified(t.Dataset, t.Name), strings.Join(conds, " AND "))
}

func (d dialect) insertSQL(t results.Table) string {
	names := make([]string, len(t.Schema.Columns))
	params := make([]string, len(t.Schema.Columns))
	for i, c := range t.Schema.Columns {
		names[i] = quoteIdent(c.Name)
		params[i] = d.param(i+1, c.Type)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		qualified(t.Dataset, t.Name), strings.Join(names, ", "), strings.Join(params, ", "))
}

// keyArgs picks the key column values of row in schema order.
func keyArgs(s results.Schema, row results.Row) []any {
	var out []any
	for i, c := range s.Columns {
		if c.Key {
			out = append(out, row[i])
		}
	}
	return out
}

// windowKey identifies the collection window of a row.
type windowKey struct {
	start, end time.Time
}

// groupByWindow splits rows by collection window, keeping first-seen order.
func groupByWindow(s results.Schema, rows []results.Row) ([]windowKey, map[windowKey][]int, error) {
	si, ei := s.Index(results.ColCollectionStart), s.Index(results.ColCollectionEnd)
	if si < 0 || ei < 0 {
		return nil, nil, fmt.Errorf("schema %s has no collection window columns", s.Name)
	}
	var order []windowKey
	groups := make(map[windowKey][]int)
	for i, row := range rows {
		if len(row) != len(s.Columns) {
			return nil, nil, fmt.Errorf("row %d has %d values, want %d", i, len(row), len(s.Columns))
		}
		start, ok1 := row[si].(time.Time)
		end, ok2 := row[ei].(time.Time)
		if !ok1 || !ok2 {
			return nil, nil, fmt.Errorf("row %d has no collection window", i)
		}
		k := windowKey{start: start, end: end}
		if _, seen := groups[k]; !seen {
			order = append(order, k)
		}
		groups[k] = append(groups[k], i)
	}
	return order, groups, nil
}
