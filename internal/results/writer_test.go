package results

import (
	"context"
	"errors"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/batch"
)

type fakeStore struct {
	created  int
	columns  []Column
	failures []RowError
	err      error
	written  [][]Row
}

func (s *fakeStore) CreateTable(ctx context.Context, t Table) error {
	s.created++
	if s.columns == nil {
		s.columns = t.Schema.Columns
	}
	return nil
}

func (s *fakeStore) Columns(ctx context.Context, t Table) ([]Column, error) {
	return s.columns, nil
}

func (s *fakeStore) ReplaceRows(ctx context.Context, t Table, rows []Row) ([]RowError, error) {
	if len(s.failures) > 0 || s.err != nil {
		return s.failures, s.err
	}
	s.written = append(s.written, rows)
	return nil, nil
}

func (s *fakeStore) Close() error { return nil }

var testWindow = batch.Window{
	Start:    civil.Date{Year: 2026, Month: 1, Day: 1},
	End:      civil.Date{Year: 2026, Month: 1, Day: 7},
	Duration: 7 * batch.Day,
}

var createdAt = time.Date(2026, 1, 7, 3, 0, 0, 0, time.UTC)

func TestWriterInsertAttribution(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, NewTable("ads_dap_derived", "", AttributionSchema))

	rows, err := w.Insert(context.Background(), []Record{
		NewAttributionRecord(testWindow, "provider-a", 1234, 7, "view", 11, createdAt),
		NewAttributionRecord(testWindow, "provider-b", 5678, 7, "view", 33, createdAt),
	})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Len(t, store.written, 1)

	got := rows[0].Values(AttributionSchema)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), got[ColCollectionStart])
	assert.Equal(t, time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC), got[ColCollectionEnd])
	assert.Equal(t, "provider-a", got[ColProvider])
	assert.Equal(t, int64(1234), got[ColAdID])
	assert.Equal(t, int64(7), got[ColLookbackWindow])
	assert.Equal(t, MetricConversions, got[ColMetric])
	assert.Equal(t, int64(11), got[ColValue])
	assert.Equal(t, createdAt, got[ColCreatedTimestamp])

	_, err = w.Insert(context.Background(), []Record{
		NewAttributionRecord(testWindow, "provider-a", 1234, 7, "view", 12, createdAt),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.created, "table is ensured once per writer")
}

func TestWriterInsertIncrementality(t *testing.T) {
	store := &fakeStore{}
	w := NewWriter(store, NewTable("ads_dap_derived", "", IncrementalitySchema))

	rows, err := w.Insert(context.Background(), []Record{
		NewIncrementalityRecord(testWindow, []string{"US", "CA"}, "traffic-impact-study-1", "control", "acme", "visits", 50, createdAt),
		NewIncrementalityRecord(testWindow, nil, "traffic-impact-study-1", "treatment-a", "acme", "visits", 11, createdAt),
	})
	require.NoError(t, err)

	first := rows[0].Values(IncrementalitySchema)
	assert.Equal(t, `["US","CA"]`, first[ColCountryCodes])
	assert.Equal(t, int64(50), first[ColValueCount])
	assert.Nil(t, first[ColValueHistogram])

	second := rows[1].Values(IncrementalitySchema)
	assert.Nil(t, second[ColCountryCodes])
}

func TestWriterPartialFailure(t *testing.T) {
	store := &fakeStore{failures: []RowError{{Key: 0, Errors: "Problem writing bucket 1 results"}}}
	w := NewWriter(store, NewTable("ads_dap_derived", "", AttributionSchema))

	_, err := w.Insert(context.Background(), []Record{
		NewAttributionRecord(testWindow, "provider-a", 1234, 7, "view", 11, createdAt),
	})
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "ads_dap_derived.attribution_conversions", perr.Table)
	assert.Equal(t, []RowError{{Key: 0, Errors: "Problem writing bucket 1 results"}}, perr.Failures)
	assert.EqualError(t, err,
		`persist rows to ads_dap_derived.attribution_conversions: [{"key":0,"errors":"Problem writing bucket 1 results"}]`)
	assert.Empty(t, store.written)
}

func TestWriterStoreError(t *testing.T) {
	cause := errors.New("connection reset")
	w := NewWriter(&fakeStore{err: cause}, NewTable("ds", "t", AttributionSchema))

	_, err := w.Insert(context.Background(), []Record{
		NewAttributionRecord(testWindow, "provider-a", 1234, 7, "view", 11, createdAt),
	})
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "ds.t", perr.Table)
}

func TestWriterSchemaMismatch(t *testing.T) {
	cols := append([]Column{}, AttributionSchema.Columns[:len(AttributionSchema.Columns)-1]...)
	cols = append(cols, Column{Name: "inserted_at", Type: TypeTimestamp})
	cols[7] = Column{Name: ColValue, Type: TypeString}

	w := NewWriter(&fakeStore{columns: cols}, NewTable("ds", "", AttributionSchema))
	_, err := w.EnsureTable(context.Background())

	var mm *SchemaMismatchError
	require.ErrorAs(t, err, &mm)
	assert.Equal(t, []string{ColCreatedTimestamp}, mm.Missing)
	assert.Equal(t, []string{"inserted_at"}, mm.Unexpected)
	assert.Equal(t, []string{"value: want INT64, have STRING"}, mm.Changed)
}

func TestBuildRowsRejects(t *testing.T) {
	rec := NewAttributionRecord(testWindow, "provider-a", 1234, 7, "view", 11, createdAt)
	delete(rec.Dimensions, ColProvider)
	_, err := BuildRows(AttributionSchema, []Record{rec})
	assert.ErrorContains(t, err, "missing dimension provider")

	rec = NewAttributionRecord(testWindow, "provider-a", 1234, 7, "view", 11, createdAt)
	rec.Count = nil
	_, err = BuildRows(AttributionSchema, []Record{rec})
	assert.ErrorContains(t, err, "column value: value is required")

	rec = NewAttributionRecord(testWindow, "provider-a", 1234, 7, "view", 11, createdAt)
	rec.Dimensions[ColAdID] = "1234"
	_, err = BuildRows(AttributionSchema, []Record{rec})
	assert.ErrorContains(t, err, "cannot store string as INT64")
}

func TestSchemaKeys(t *testing.T) {
	assert.Equal(t, []string{
		ColCollectionStart, ColCollectionEnd, ColProvider, ColAdID,
		ColLookbackWindow, ColConversionType, ColMetric,
	}, AttributionSchema.KeyColumns())
	assert.Equal(t, 8, IncrementalitySchema.Index(ColValueHistogram))
	assert.Equal(t, -1, IncrementalitySchema.Index("nope"))
}
