package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DAP_BEARER_TOKEN", "")
	t.Setenv("DAP_PRIVATE_KEY", "")

	cfg, err := Load(NewViper())
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings(), *cfg)
}

func TestLoadEnvironment(t *testing.T) {
	t.Setenv("DAP_COLLECTOR_STORE_DSN", "postgres://localhost/dap")
	t.Setenv("DAP_COLLECTOR_STORE_DRIVER", "postgres")
	t.Setenv("DAP_COLLECTOR_COLLECTOR_TIMEOUT", "90s")
	t.Setenv("DAP_COLLECTOR_COLLECTOR_RETRY_ATTEMPTS", "3")
	t.Setenv("DAP_BEARER_TOKEN", "bearer-secret")
	t.Setenv("DAP_PRIVATE_KEY", "hpke-secret")

	cfg, err := Load(NewViper())
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/dap", cfg.Store.DSN)
	assert.Equal(t, 90*time.Second, cfg.Collector.Timeout)
	assert.Equal(t, 3, cfg.Collector.RetryAttempts)
	assert.Equal(t, "bearer-secret", cfg.BearerToken.Reveal())
	assert.Equal(t, "hpke-secret", cfg.HPKEPrivateKey.Reveal())
}

func TestLoadSettingsFile(t *testing.T) {
	t.Setenv("DAP_BEARER_TOKEN", "")
	t.Setenv("DAP_PRIVATE_KEY", "")

	path := filepath.Join(t.TempDir(), "dap-collector.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
project: ads
job_config_url: gs://configs/job.json
store:
  dataset: ads_dap_staging
  attribution_table: conversions
backup:
  url: gs://backups
`), 0o644))

	v := NewViper()
	v.SetConfigFile(path)
	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "ads", cfg.Project)
	assert.Equal(t, "gs://configs/job.json", cfg.JobConfigURL)
	assert.Equal(t, "ads_dap_staging", cfg.Store.Dataset)
	assert.Equal(t, "conversions", cfg.Store.AttributionTable)
	assert.Empty(t, cfg.Store.IncrementalityTable)
	assert.Equal(t, "duckdb", cfg.Store.Driver)
	assert.Equal(t, "gs://backups", cfg.Backup.URL)
	assert.Equal(t, "dap/", cfg.Backup.Prefix)
}

func TestLoadMissingSettingsFile(t *testing.T) {
	v := NewViper()
	v.SetConfigFile(filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load(v)
	require.Error(t, err)
}

func TestSettingsValidate(t *testing.T) {
	valid := func() Settings {
		s := DefaultSettings()
		s.JobConfigURL = "file:///etc/dap/job.json"
		s.BearerToken = "bearer-secret"
		s.HPKEPrivateKey = "hpke-secret"
		return s
	}

	tests := []struct {
		name   string
		mutate func(*Settings)
		field  string
	}{
		{"valid", func(*Settings) {}, ""},
		{"no job config", func(s *Settings) { s.JobConfigURL = "" }, "job_config_url"},
		{"no collector path", func(s *Settings) { s.Collector.Path = "" }, "collector.path"},
		{"zero timeout", func(s *Settings) { s.Collector.Timeout = 0 }, "collector.timeout"},
		{"zero attempts", func(s *Settings) { s.Collector.RetryAttempts = 0 }, "collector.retry_attempts"},
		{"unknown driver", func(s *Settings) { s.Store.Driver = "bigquery" }, "store.driver"},
		{"no dataset", func(s *Settings) { s.Store.Dataset = "" }, "store.dataset"},
		{"no bearer token", func(s *Settings) { s.BearerToken = "" }, "bearer_token"},
		{"no private key", func(s *Settings) { s.HPKEPrivateKey = "" }, "hpke_private_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := valid()
			tt.mutate(&s)
			err := s.Validate()
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestSecretFormatting(t *testing.T) {
	s := Secret("hpke-secret")
	assert.Equal(t, "[redacted]", fmt.Sprint(s))
	assert.Equal(t, "[redacted]", fmt.Sprintf("%#v", s))
	assert.Equal(t, "[redacted]", s.LogValue().String())

	cfg := DefaultSettings()
	cfg.HPKEPrivateKey = s
	assert.NotContains(t, fmt.Sprintf("%+v", cfg), "hpke-secret")
}
