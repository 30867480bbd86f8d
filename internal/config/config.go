// Package config loads and validates engine config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"time"

	"github.com/spf13/viper"
)

// Config holds engine configuration loaded from the environment. The engine
// treats it as read-only; it is supplied by the embedding application.
type Config struct {
	// DatabaseURL is the Postgres DSN for the data and auth channels.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// AdminDatabaseURL is the privileged DSN for the admin channel; defaults to DATABASE_URL.
	AdminDatabaseURL string `mapstructure:"ADMIN_DATABASE_URL"`
	// SessionSigningKey is the HMAC key used to sign session tokens. Required for authentication.
	SessionSigningKey string `mapstructure:"SESSION_SIGNING_KEY"`
	// SessionIssuer is the iss claim on session tokens (e.g. "kitchensync-auth").
	SessionIssuer string `mapstructure:"SESSION_ISSUER"`
	// SessionAudience is the aud claim on session tokens (e.g. "kitchensync-engine").
	SessionAudience string `mapstructure:"SESSION_AUDIENCE"`
	// SessionTimeoutStr is the max session lifetime (e.g. "1h").
	SessionTimeoutStr string `mapstructure:"SESSION_TIMEOUT"`
	// SessionCheckIntervalStr is how often session validity is re-checked (e.g. "60s").
	SessionCheckIntervalStr string `mapstructure:"SESSION_CHECK_INTERVAL"`
	// MaxDailyReads caps remote read operations per UTC calendar day.
	MaxDailyReads int `mapstructure:"MAX_DAILY_READS"`
	// MaxDailyWrites caps remote write operations per UTC calendar day.
	MaxDailyWrites int `mapstructure:"MAX_DAILY_WRITES"`
	// BatchSize is the number of records committed per remote write call.
	BatchSize int `mapstructure:"BATCH_SIZE"`
	// BackendCallTimeoutStr bounds each individual remote read/write (e.g. "10s").
	BackendCallTimeoutStr string `mapstructure:"BACKEND_CALL_TIMEOUT"`
	// OpRetentionStr is how long finished sync operations stay queryable (e.g. "24h").
	OpRetentionStr string `mapstructure:"OP_RETENTION"`
	// SyncWorkers is the size of the background worker pool.
	SyncWorkers int `mapstructure:"SYNC_WORKERS"`
	// OTLPEndpoint is the OTLP gRPC endpoint for engine telemetry; empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP even for https endpoints (standard OTEL_EXPORTER_OTLP_INSECURE behavior).
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("ADMIN_DATABASE_URL", "")
	v.SetDefault("SESSION_SIGNING_KEY", "")
	v.SetDefault("SESSION_ISSUER", "kitchensync-auth")
	v.SetDefault("SESSION_AUDIENCE", "kitchensync-engine")
	v.SetDefault("SESSION_TIMEOUT", "1h")
	v.SetDefault("SESSION_CHECK_INTERVAL", "60s")
	v.SetDefault("MAX_DAILY_READS", 50000)
	v.SetDefault("MAX_DAILY_WRITES", 20000)
	v.SetDefault("BATCH_SIZE", 100)
	v.SetDefault("BACKEND_CALL_TIMEOUT", "10s")
	v.SetDefault("OP_RETENTION", "24h")
	v.SetDefault("SYNC_WORKERS", 2)
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("APP_ENV", "")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.AdminDatabaseURL == "" {
		cfg.AdminDatabaseURL = cfg.DatabaseURL
	}
	if cfg.MaxDailyReads < 0 || cfg.MaxDailyWrites < 0 {
		return nil, errors.New("config: MAX_DAILY_READS and MAX_DAILY_WRITES must not be negative")
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.New("config: BATCH_SIZE must be positive")
	}
	if cfg.SyncWorkers <= 0 {
		return nil, errors.New("config: SYNC_WORKERS must be positive")
	}

	return &cfg, nil
}

// SessionTimeout parses SessionTimeoutStr. Returns 1h if unset or invalid.
func (c *Config) SessionTimeout() time.Duration {
	d, err := time.ParseDuration(c.SessionTimeoutStr)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

// SessionCheckInterval parses SessionCheckIntervalStr. Returns 60s if unset or invalid.
func (c *Config) SessionCheckInterval() time.Duration {
	d, err := time.ParseDuration(c.SessionCheckIntervalStr)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// BackendCallTimeout parses BackendCallTimeoutStr. Returns 10s if unset or invalid.
func (c *Config) BackendCallTimeout() time.Duration {
	d, err := time.ParseDuration(c.BackendCallTimeoutStr)
	if err != nil || d <= 0 {
		return 10 * time.Second
	}
	return d
}

// OpRetention parses OpRetentionStr. Returns 24h if unset or invalid.
func (c *Config) OpRetention() time.Duration {
	d, err := time.ParseDuration(c.OpRetentionStr)
	if err != nil || d <= 0 {
		return 24 * time.Hour
	}
	return d
}
