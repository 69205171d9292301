package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every settings environment variable.
	EnvPrefix = "DAP_COLLECTOR"

	// DefaultLeader is the DAP leader used when neither settings nor the job
	// document name one.
	DefaultLeader = "https://dap-09-3.api.divviup.org"

	// DefaultCollectTimeout bounds one collector invocation.
	DefaultCollectTimeout = 600 * time.Second
)

// Settings are the process-level options of one collector run. Secrets are
// loaded once here and passed down read-only.
type Settings struct {
	Project      string        `mapstructure:"project"`
	JobConfigURL string        `mapstructure:"job_config_url"`
	ProcessDate  string        `mapstructure:"process_date"`
	RunTimeout   time.Duration `mapstructure:"run_timeout"`

	Collector CollectorSettings `mapstructure:"collector"`
	Store     StoreSettings     `mapstructure:"store"`
	Backup    BackupSettings    `mapstructure:"backup"`
	Log       LogSettings       `mapstructure:"log"`
	Metrics   MetricsSettings   `mapstructure:"metrics"`

	BearerToken    Secret `mapstructure:"bearer_token"`
	HPKEPrivateKey Secret `mapstructure:"hpke_private_key"`
}

// CollectorSettings configure the external collect executable.
type CollectorSettings struct {
	Path          string        `mapstructure:"path"`
	Leader        string        `mapstructure:"leader"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
}

// StoreSettings select the analytical store results are written to.
type StoreSettings struct {
	Driver  string `mapstructure:"driver"` // "duckdb" | "postgres"
	DSN     string `mapstructure:"dsn"`
	Dataset string `mapstructure:"dataset"`

	// Table names default to the schema names when empty.
	AttributionTable    string `mapstructure:"attribution_table"`
	IncrementalityTable string `mapstructure:"incrementality_table"`
}

// BackupSettings configure the object store copy of persisted windows and
// run logs. An empty URL disables the backup.
type BackupSettings struct {
	URL    string `mapstructure:"url"` // gs://bucket, s3://bucket, file:///dir
	Prefix string `mapstructure:"prefix"`
}

// LogSettings configure slog output.
type LogSettings struct {
	Format string `mapstructure:"format"` // "json" | "text"
	Level  string `mapstructure:"level"`
}

// MetricsSettings configure the optional Pushgateway export.
type MetricsSettings struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// DefaultSettings returns the settings used when nothing overrides them.
func DefaultSettings() Settings {
	return Settings{
		RunTimeout: 2 * time.Hour,
		Collector: CollectorSettings{
			Path:          "./collect",
			Leader:        DefaultLeader,
			Timeout:       DefaultCollectTimeout,
			RetryAttempts: 1,
			RetryBackoff:  30 * time.Second,
		},
		Store: StoreSettings{
			Driver:  "duckdb",
			DSN:     "dap_results.duckdb",
			Dataset: "ads_dap_derived",
		},
		Backup: BackupSettings{
			Prefix: "dap/",
		},
		Log: LogSettings{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsSettings{
			Job: "dap_collector",
		},
	}
}

// NewViper returns a viper instance seeded with defaults and environment
// bindings. Environment variables use the DAP_COLLECTOR prefix with dots
// replaced by underscores, so "store.dsn" reads DAP_COLLECTOR_STORE_DSN.
// The collector credentials also accept the names used by the scheduler:
// DAP_BEARER_TOKEN and DAP_PRIVATE_KEY.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("dap-collector")
	v.AddConfigPath(".")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindEnvs(v, DefaultSettings())
	_ = v.BindEnv("bearer_token", EnvPrefix+"_BEARER_TOKEN", "DAP_BEARER_TOKEN")
	_ = v.BindEnv("hpke_private_key", EnvPrefix+"_HPKE_PRIVATE_KEY", "DAP_PRIVATE_KEY")
	return v
}

// Load reads the optional config file and unmarshals every source bound to v.
func Load(v *viper.Viper) (*Settings, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read settings file: %w", err)
		}
	}
	cfg := DefaultSettings()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings a collection run depends on.
func (s *Settings) Validate() error {
	switch {
	case s.JobConfigURL == "":
		return &ValidationError{Field: "job_config_url", Reason: "is required"}
	case s.Collector.Path == "":
		return &ValidationError{Field: "collector.path", Reason: "is required"}
	case s.Collector.Timeout <= 0:
		return &ValidationError{Field: "collector.timeout", Reason: "must be positive"}
	case s.Collector.RetryAttempts < 1:
		return &ValidationError{Field: "collector.retry_attempts", Reason: "must be at least 1"}
	case s.Store.Driver != "duckdb" && s.Store.Driver != "postgres":
		return &ValidationError{Field: "store.driver", Reason: fmt.Sprintf("unknown driver %q", s.Store.Driver)}
	case s.Store.Dataset == "":
		return &ValidationError{Field: "store.dataset", Reason: "is required"}
	case s.BearerToken.Empty():
		return &ValidationError{Field: "bearer_token", Reason: "is required (DAP_BEARER_TOKEN)"}
	case s.HPKEPrivateKey.Empty():
		return &ValidationError{Field: "hpke_private_key", Reason: "is required (DAP_PRIVATE_KEY)"}
	}
	return nil
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	typ := reflect.TypeOf(cfg)
	val := reflect.ValueOf(cfg)
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(append([]string{}, parts...), tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
