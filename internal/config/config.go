// Package config loads form-api configuration from the environment (and an
// optional config file) through viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete form-api configuration.
type Config struct {
	Port        string   `mapstructure:"PORT"`
	Env         string   `mapstructure:"ENV"`
	LogLevel    string   `mapstructure:"LOG_LEVEL"`
	APIKeys     []string `mapstructure:"API_KEYS"`
	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`

	// Persistence and messaging are optional: without them CQL libraries cannot be
	// saved, submission is disabled and transitions are not journaled.
	DatabaseURL string   `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32    `mapstructure:"DB_MAX_CONNS"`
	Brokers     []string `mapstructure:"REDPANDA_BROKERS"`

	LookupURL      string        `mapstructure:"LOOKUP_URL"`
	TerminologyURL string        `mapstructure:"TERMINOLOGY_URL"`
	CDSURL         string        `mapstructure:"CDS_URL"`
	CDSServiceID   string        `mapstructure:"CDS_SERVICE_ID"`
	CQLEngineURL   string        `mapstructure:"CQL_ENGINE_URL"`
	FHIRServerURL  string        `mapstructure:"FHIR_SERVER_URL"`
	BearerToken    string        `mapstructure:"FHIR_BEARER_TOKEN"`
	ClientTimeout  time.Duration `mapstructure:"CLIENT_TIMEOUT"`

	Workers        int           `mapstructure:"LOOKUP_WORKERS"`
	QueueSize      int           `mapstructure:"LOOKUP_QUEUE_SIZE"`
	LookupRetries  int           `mapstructure:"LOOKUP_RETRIES"`
	LookupBackoff  time.Duration `mapstructure:"LOOKUP_BACKOFF"`
	MaxSessions    int           `mapstructure:"MAX_SESSIONS"`
	SessionIdle    time.Duration `mapstructure:"SESSION_IDLE_TIMEOUT"`
	LongPollMax    time.Duration `mapstructure:"LONG_POLL_MAX"`
	OTLPEndpoint   string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TraceSampling  float64       `mapstructure:"TRACE_SAMPLE_RATE"`
	ServiceVersion string        `mapstructure:"SERVICE_VERSION"`
}

var defaults = map[string]any{
	"PORT":                        "8080",
	"ENV":                         "development",
	"LOG_LEVEL":                   "info",
	"CORS_ORIGINS":                "http://localhost:4200",
	"DB_MAX_CONNS":                10,
	"CDS_SERVICE_ID":              "medication-prescribe",
	"CLIENT_TIMEOUT":              "10s",
	"LOOKUP_WORKERS":              8,
	"LOOKUP_QUEUE_SIZE":           256,
	"LOOKUP_RETRIES":              3,
	"LOOKUP_BACKOFF":              "500ms",
	"MAX_SESSIONS":                1000,
	"SESSION_IDLE_TIMEOUT":        "30m",
	"LONG_POLL_MAX":               "30s",
	"TRACE_SAMPLE_RATE":           1.0,
	"SERVICE_VERSION":             "dev",
	"API_KEYS":                    "",
	"DATABASE_URL":                "",
	"REDPANDA_BROKERS":            "",
	"LOOKUP_URL":                  "",
	"TERMINOLOGY_URL":             "",
	"CDS_URL":                     "",
	"CQL_ENGINE_URL":              "",
	"FHIR_SERVER_URL":             "",
	"FHIR_BEARER_TOKEN":           "",
	"OTEL_EXPORTER_OTLP_ENDPOINT": "",
}

// Load reads the configuration without validating it. file may be empty; a
// missing file is not an error.
func Load(file string) (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	for key, value := range defaults {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config %s: %w", file, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.APIKeys = splitList(cfg.APIKeys)
	cfg.CORSOrigins = splitList(cfg.CORSOrigins)
	cfg.Brokers = splitList(cfg.Brokers)
	return cfg, nil
}

// splitList flattens comma separated values and drops blanks.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate checks the settings the API server cannot default. Other commands
// only need the parts they use.
func (c *Config) Validate() error {
	var errs []error
	if c.LookupURL == "" {
		errs = append(errs, errors.New("LOOKUP_URL is required"))
	}
	if c.CDSURL != "" && c.CDSServiceID == "" {
		errs = append(errs, errors.New("CDS_SERVICE_ID is required when CDS_URL is set"))
	}
	if c.CQLEngineURL != "" && c.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required when CQL_ENGINE_URL is set"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("LOOKUP_WORKERS must be positive, got %d", c.Workers))
	}
	if c.TraceSampling < 0 || c.TraceSampling > 1 {
		errs = append(errs, fmt.Errorf("TRACE_SAMPLE_RATE must be within [0,1], got %g", c.TraceSampling))
	}
	if c.IsProduction() && len(c.APIKeys) == 0 {
		errs = append(errs, errors.New("API_KEYS is required in production"))
	}
	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// APIKeyClients maps each key to the client id reported in logs: "key-<n>".
func (c *Config) APIKeyClients() map[string]string {
	out := make(map[string]string, len(c.APIKeys))
	for i, key := range c.APIKeys {
		out[key] = fmt.Sprintf("key-%d", i+1)
	}
	return out
}
