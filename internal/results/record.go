package results

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/batch"
)

// Record is one decoded aggregate bound to its dimensions.
type Record struct {
	Window     batch.Window
	Dimensions map[string]any
	Metric     string
	Count      *int64
	Histogram  []int64
	CreatedAt  time.Time
}

// MetricConversions is the metric name of attribution rows.
const MetricConversions = "conversions"

// NewAttributionRecord builds the record of one ad's conversion count.
func NewAttributionRecord(w batch.Window, provider string, adID int64, lookback int, conversionType string, count int64, at time.Time) Record {
	return Record{
		Window: w,
		Dimensions: map[string]any{
			ColProvider:       provider,
			ColAdID:           adID,
			ColLookbackWindow: lookback,
			ColConversionType: conversionType,
		},
		Metric:    MetricConversions,
		Count:     &count,
		CreatedAt: at,
	}
}

// NewIncrementalityRecord builds the record of one experiment branch.
func NewIncrementalityRecord(w batch.Window, countryCodes []string, experiment, branch, advertiser, metric string, count int64, at time.Time) Record {
	dims := map[string]any{
		ColExperimentSlug:   experiment,
		ColExperimentBranch: branch,
		ColAdvertiser:       advertiser,
	}
	if len(countryCodes) > 0 {
		dims[ColCountryCodes] = countryCodes
	}
	return Record{
		Window:     w,
		Dimensions: dims,
		Metric:     metric,
		Count:      &count,
		CreatedAt:  at,
	}
}

// Row holds column values in schema order, converted to driver values:
// dates and timestamps as UTC time.Time, JSON as a string, integers as int64.
type Row []any

// BuildRows converts records into rows of schema. Row i corresponds to
// records[i].
func BuildRows(schema Schema, records []Record) ([]Row, error) {
	rows := make([]Row, 0, len(records))
	for i, rec := range records {
		row, err := buildRow(schema, rec)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func buildRow(schema Schema, rec Record) (Row, error) {
	row := make(Row, len(schema.Columns))
	for i, col := range schema.Columns {
		raw, err := columnValue(col, rec)
		if err != nil {
			return nil, err
		}
		v, err := convert(col, raw)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", col.Name, err)
		}
		if v == nil && col.Required {
			return nil, fmt.Errorf("column %s: value is required", col.Name)
		}
		row[i] = v
	}
	return row, nil
}

func columnValue(col Column, rec Record) (any, error) {
	switch col.Name {
	case ColCollectionStart:
		return rec.Window.Start.In(time.UTC), nil
	case ColCollectionEnd:
		return rec.Window.End.In(time.UTC), nil
	case ColMetric:
		return rec.Metric, nil
	case ColValue, ColValueCount:
		if rec.Count == nil {
			return nil, nil
		}
		return *rec.Count, nil
	case ColValueHistogram:
		if rec.Histogram == nil {
			return nil, nil
		}
		return rec.Histogram, nil
	case ColCreatedTimestamp, ColCreatedAt:
		return rec.CreatedAt.UTC(), nil
	}
	v, ok := rec.Dimensions[col.Name]
	if !ok && col.Required {
		return nil, fmt.Errorf("missing dimension %s", col.Name)
	}
	return v, nil
}

func convert(col Column, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch col.Type {
	case TypeString:
		switch s := v.(type) {
		case string:
			return s, nil
		case fmt.Stringer:
			return s.String(), nil
		}
	case TypeInt64:
		switch n := v.(type) {
		case int:
			return int64(n), nil
		case int32:
			return int64(n), nil
		case int64:
			return n, nil
		}
	case TypeDate, TypeTimestamp:
		if t, ok := v.(time.Time); ok {
			return t.UTC(), nil
		}
	case TypeJSON:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
	return nil, fmt.Errorf("cannot store %T as %s", v, col.Type)
}

// Values returns the row as a column name map, used by backups and logs.
func (r Row) Values(schema Schema) map[string]any {
	out := make(map[string]any, len(schema.Columns))
	for i, c := range schema.Columns {
		if i < len(r) {
			out[c.Name] = r[i]
		}
	}
	return out
}
