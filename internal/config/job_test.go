package config

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readTestdata(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile("testdata/" + name)
	require.NoError(t, err)
	return data
}

func TestParseJobAttribution(t *testing.T) {
	job, err := ParseJob(readTestdata(t, "attribution.json"))
	require.NoError(t, err)

	assert.Equal(t, "[redacted]", job.HPKEConfig.String())
	assert.Empty(t, job.Leader)
	require.Len(t, job.Advertisers, 2)
	assert.Empty(t, job.Experiments)

	acme := job.Advertisers[0]
	assert.Equal(t, "acme", acme.Name)
	assert.Equal(t, "2026-01-01", acme.StartDate.String())
	assert.Equal(t, 7*24*time.Hour, acme.Duration)
	assert.Equal(t, ConversionView, acme.ConversionType)
	assert.Equal(t, 7, acme.LookbackWindow)
	assert.Equal(t, VDAFHistogram, acme.Partner.Task.VDAF)
	assert.Equal(t, 4, acme.Partner.Task.Length)
	assert.Equal(t, []Ad{
		{Source: "provider-a", ID: 1234, Index: 1},
		{Source: "provider-b", ID: 5678, Index: 3},
	}, acme.Ads)

	globex := job.Advertisers[1]
	assert.Equal(t, acme.Partner, globex.Partner, "advertisers share the partner task")
	assert.Equal(t, ConversionClick, globex.ConversionType)
}

func TestParseJobIncrementality(t *testing.T) {
	job, err := ParseJob(readTestdata(t, "incrementality.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "https://leader.example.org", job.Leader)
	require.Len(t, job.Experiments, 1)

	exp := job.Experiments[0]
	assert.Equal(t, "traffic-impact-study-1", exp.Slug)
	assert.Equal(t, 14*24*time.Hour, exp.Duration)
	assert.Equal(t, []string{"US", "CA"}, exp.CountryCodes)
	require.Len(t, exp.Branches, 2)
	assert.Equal(t, 0, exp.Branches[0].Bucket, "bucket 1 in the document is index 0")
	assert.Equal(t, 1, exp.Branches[1].Bucket)
	assert.Equal(t, VDAFHistogram, exp.Branches[0].Task.VDAF)
}

func TestParseJobDefaultBatchDuration(t *testing.T) {
	doc := strings.Replace(string(readTestdata(t, "incrementality.yaml")), "    batch_duration: 1209600\n", "", 1)
	require.NotContains(t, doc, "batch_duration")

	job, err := ParseJob([]byte(doc))
	require.NoError(t, err)
	require.Len(t, job.Experiments, 1)
	assert.Equal(t, 7*24*time.Hour, job.Experiments[0].Duration)
}

func TestParseJobRejects(t *testing.T) {
	base := string(readTestdata(t, "attribution.json"))

	tests := []struct {
		name  string
		edit  func(string) string
		field string
	}{
		{
			name:  "unknown conversion type",
			edit:  func(s string) string { return strings.Replace(s, `"conversion_type": "view"`, `"conversion_type": "hover"`, 1) },
			field: "advertisers[0].conversion_type",
		},
		{
			name:  "duration below one day",
			edit:  func(s string) string { return strings.Replace(s, `"collector_duration": 604800`, `"collector_duration": 86399`, 1) },
			field: "advertisers[0].collector_duration",
		},
		{
			name:  "duration not a whole number of days",
			edit:  func(s string) string { return strings.Replace(s, `"collector_duration": 604800`, `"collector_duration": 90000`, 1) },
			field: "advertisers[0].collector_duration",
		},
		{
			name:  "unknown vdaf",
			edit:  func(s string) string { return strings.Replace(s, `"vdaf": "histogram"`, `"vdaf": "count"`, 1) },
			field: "partners[295beef7-1e3b-4128-b8f8-858e12aa660b].vdaf",
		},
		{
			name:  "duplicate advertiser",
			edit:  func(s string) string { return strings.Replace(s, `"name": "globex"`, `"name": "acme"`, 1) },
			field: "advertisers[1].name",
		},
		{
			name:  "ad index outside task length",
			edit:  func(s string) string { return strings.Replace(s, `"index": 3`, `"index": 4`, 1) },
			field: "ads[provider-b:5678].index",
		},
		{
			name:  "two ads on one bucket",
			edit:  func(s string) string { return strings.Replace(s, `"index": 3`, `"index": 1`, 1) },
			field: "ads[provider-b:5678].index",
		},
		{
			name:  "ad key without id",
			edit:  func(s string) string { return strings.Replace(s, `"provider-b:5678"`, `"provider-b"`, 1) },
			field: "ads[provider-b]",
		},
		{
			name:  "unknown field",
			edit:  func(s string) string { return strings.Replace(s, `"lookback_window": 7`, `"lookback_window": 7, "color": "red"`, 1) },
			field: "document",
		},
		{
			name:  "short task id",
			edit:  func(s string) string { return strings.Replace(s, "mubArkO3So8Co1X98CBo4KXLi8D6tJl_UDyc8lB2hUc", "short", 1) },
			field: "partners[295beef7-1e3b-4128-b8f8-858e12aa660b].task_id",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseJob([]byte(tt.edit(base)))
			require.Error(t, err)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %T: %v", err, err)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestParseJobEmpty(t *testing.T) {
	_, err := ParseJob(nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestParseAdKey(t *testing.T) {
	source, id, err := ParseAdKey("provider:42")
	require.NoError(t, err)
	assert.Equal(t, "provider", source)
	assert.Equal(t, int64(42), id)

	_, _, err = ParseAdKey("provider")
	assert.Error(t, err)
	_, _, err = ParseAdKey("provider:abc")
	assert.Error(t, err)
	_, _, err = ParseAdKey(":42")
	assert.Error(t, err)
}

func TestCountryCodesFromTargeting(t *testing.T) {
	assert.Equal(t, []string{"US", "DE", "FR"},
		CountryCodesFromTargeting(`'app.shield.optoutstudies.enabled'|preferenceValue && region in ["US", 'DE',FR]`))
	assert.Nil(t, CountryCodesFromTargeting(`channel == "release"`))
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("token-value")
	assert.Equal(t, "[redacted]", s.String())
	assert.Equal(t, "[redacted]", s.GoString())
	assert.Equal(t, "token-value", s.Reveal())
	assert.Equal(t, "", Secret("").String())
}
