package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-dap-collector/internal/batch"
	"github.com/withObsrvr/obsrvr-dap-collector/internal/results"
)

var week = batch.Window{
	Start:    civil.Date{Year: 2026, Month: 1, Day: 1},
	End:      civil.Date{Year: 2026, Month: 1, Day: 7},
	Duration: 7 * batch.Day,
}

func TestWindowRefPaths(t *testing.T) {
	ref := WindowRef{Dataset: "ads_dap_derived", Table: "incrementality", Start: week.Start, End: week.End}
	assert.Equal(t,
		"dap/ads_dap_derived/incrementality/collection_start=2026-01-01/collection_end=2026-01-07/part-2026-01-01-2026-01-07.parquet",
		ref.Path("dap/"))
	assert.Equal(t,
		"dap/ads_dap_derived/incrementality/collection_start=2026-01-01/collection_end=2026-01-07/_manifest.json",
		ref.ManifestPath("dap/"))
}

func TestLocalStorePublish(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "backups")
	store, err := OpenStore(ctx, "file://"+dir, "dap/")
	require.NoError(t, err)
	defer store.Close()

	ref := WindowRef{Dataset: "ds", Table: "attribution_conversions", Start: week.Start, End: week.End}
	exists, err := store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.False(t, exists)

	data := []byte("fake parquet data for testing")
	manifest := &Manifest{
		Window:    WindowInfo{Dataset: "ds", Table: "attribution_conversions", Start: "2026-01-01", End: "2026-01-07"},
		File:      FileInfo{Name: ref.FileName(), Checksum: ComputeChecksum(data), RowCount: 2, ByteSize: int64(len(data))},
		Producer:  ProducerInfo{Name: "dap-collector", Version: "test"},
		CreatedAt: time.Now(),
	}
	require.NoError(t, store.Publish(ctx, ref, data, manifest))

	exists, err = store.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, exists)

	got, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(ref.Path("dap/"))))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	raw, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(ref.ManifestPath("dap/"))))
	require.NoError(t, err)
	var m Manifest
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, ComputeChecksum(data), m.File.Checksum)

	keys, err := store.List(ctx, "dap/")
	require.NoError(t, err)
	assert.Len(t, keys, 2)
	for _, k := range keys {
		assert.NotContains(t, k, ".tmp.", "temp objects are removed after finalize")
	}

	assert.Equal(t, "file://"+dir+"/dap/x.json", store.URI("dap/x.json"))
}

func TestFinalizeKeyMismatch(t *testing.T) {
	store, err := OpenStore(context.Background(), "mem://", "")
	require.NoError(t, err)
	defer store.Close()

	err = store.Finalize(context.Background(), []string{"a", "b"}, []string{"a.tmp"})
	assert.ErrorContains(t, err, "expected 2 temp keys, got 1")
}

func TestSplitObjectURL(t *testing.T) {
	tests := []struct {
		in         string
		bucket     string
		key        string
		shouldFail bool
	}{
		{in: "gs://cfg-bucket/jobs/attribution.json", bucket: "gs://cfg-bucket", key: "jobs/attribution.json"},
		{in: "s3://cfg/job.yaml?region=us-east-1", bucket: "s3://cfg?region=us-east-1", key: "job.yaml"},
		{in: "file:///etc/dap/job.json", bucket: "file:///etc/dap", key: "job.json"},
		{in: "gs://cfg-bucket", shouldFail: true},
		{in: "file:///etc/dap/", shouldFail: true},
		{in: "job.json", shouldFail: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			bucket, key, err := SplitObjectURL(tt.in)
			if tt.shouldFail {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.bucket, bucket)
			assert.Equal(t, tt.key, key)
		})
	}
}

func TestReadObjectURL(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "job.json"), []byte(`{"ok":true}`), 0o644))

	data, err := ReadObjectURL(context.Background(), "file://"+dir+"/job.json")
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true}`, string(data))

	_, err = ReadObjectURL(context.Background(), "file://"+dir+"/missing.json")
	assert.Error(t, err)
}

func TestBackupWriteWindow(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(ctx, "mem://", "dap/")
	require.NoError(t, err)
	defer store.Close()

	table := results.NewTable("ads_dap_derived", "", results.IncrementalitySchema)
	at := time.Date(2026, 1, 7, 3, 0, 0, 0, time.UTC)
	rows, err := results.BuildRows(table.Schema, []results.Record{
		results.NewIncrementalityRecord(week, []string{"US"}, "exp-1", "control", "acme", "visits", 50, at),
		results.NewIncrementalityRecord(week, nil, "exp-1", "treatment-a", "acme", "visits", 11, at),
	})
	require.NoError(t, err)

	key, err := NewBackup(store, ProducerInfo{Name: "dap-collector", Version: "test"}).WriteWindow(ctx, table, week, rows)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(key, ".parquet"))

	data, err := store.ReadObject(ctx, key)
	require.NoError(t, err)
	decoded, err := DecodeParquet(data)
	require.NoError(t, err)
	require.Len(t, decoded, 2)

	assert.Equal(t, "incrementality", decoded[0].Table)
	assert.Equal(t, "2026-01-01", decoded[0].CollectionStart)
	assert.Equal(t, "2026-01-07", decoded[0].CollectionEnd)
	assert.JSONEq(t, `{"country_codes":["US"],"experiment_slug":"exp-1","experiment_branch":"control","advertiser":"acme"}`, decoded[0].Dimensions)
	require.NotNil(t, decoded[0].Value)
	assert.Equal(t, int64(50), *decoded[0].Value)
	assert.Nil(t, decoded[0].Histogram)
	assert.True(t, at.Equal(decoded[0].CreatedAt))

	assert.JSONEq(t, `{"experiment_slug":"exp-1","experiment_branch":"treatment-a","advertiser":"acme"}`, decoded[1].Dimensions)
}
