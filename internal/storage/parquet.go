package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/results"
)

// BackupRow is the flattened parquet layout shared by every result table.
// Dimension columns that differ between tables are kept as a JSON object.
type BackupRow struct {
	Table           string    `parquet:"table"`
	CollectionStart string    `parquet:"collection_start"`
	CollectionEnd   string    `parquet:"collection_end"`
	Dimensions      string    `parquet:"dimensions"`
	Metric          string    `parquet:"metric"`
	Value           *int64    `parquet:"value,optional"`
	Histogram       *string   `parquet:"histogram,optional"`
	CreatedAt       time.Time `parquet:"created_at,timestamp(millisecond)"`
}

// BackupRows converts rows of t into backup rows.
func BackupRows(t results.Table, rows []results.Row) ([]BackupRow, error) {
	out := make([]BackupRow, 0, len(rows))
	for i, row := range rows {
		vals := row.Values(t.Schema)
		b := BackupRow{Table: t.Name}
		dims := make(map[string]any)

		for _, c := range t.Schema.Columns {
			v := vals[c.Name]
			switch c.Name {
			case results.ColCollectionStart:
				b.CollectionStart = dateString(v)
			case results.ColCollectionEnd:
				b.CollectionEnd = dateString(v)
			case results.ColMetric:
				b.Metric, _ = v.(string)
			case results.ColValue, results.ColValueCount:
				if n, ok := v.(int64); ok {
					b.Value = &n
				}
			case results.ColValueHistogram:
				if s, ok := v.(string); ok {
					b.Histogram = &s
				}
			case results.ColCreatedTimestamp, results.ColCreatedAt:
				b.CreatedAt, _ = v.(time.Time)
			case results.ColCountryCodes:
				// Stored as JSON text; keep it structured inside the object.
				if s, ok := v.(string); ok {
					dims[c.Name] = json.RawMessage(s)
				}
			default:
				if v != nil {
					dims[c.Name] = v
				}
			}
		}

		d, err := json.Marshal(dims)
		if err != nil {
			return nil, fmt.Errorf("row %d: encode dimensions: %w", i, err)
		}
		b.Dimensions = string(d)
		out = append(out, b)
	}
	return out, nil
}

func dateString(v any) string {
	if t, ok := v.(time.Time); ok {
		return t.Format(time.DateOnly)
	}
	return ""
}

// EncodeParquet writes rows as a snappy-compressed parquet file.
func EncodeParquet(rows []BackupRow) ([]byte, error) {
	var buf bytes.Buffer
	w := parquet.NewGenericWriter[BackupRow](&buf, parquet.Compression(&parquet.Snappy))
	if _, err := w.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeParquet reads a file written by EncodeParquet.
func DecodeParquet(data []byte) ([]BackupRow, error) {
	rows, err := parquet.Read[BackupRow](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet: %w", err)
	}
	return rows, nil
}

// ComputeChecksum returns the sha256 checksum of data as "sha256:<hex>".
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}
