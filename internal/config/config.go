// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.agentlink/config.yaml)
//  3. Default values
//
// Main configuration categories:
//   - Storage: PostgreSQL connection (see storage.go)
//   - Webhook: dispatcher worker pool, timeouts and retry schedule (see webhook.go)
//   - Sessions: inactivity expiry
//   - Observability: OTLP trace export (see observability.go)
//
// Security: secrets (database password, secret key) are never logged; the
// config directory uses 0750 permissions. Validation lives in validation.go
// with sentinel errors for errors.Is checks.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrMissingSecretKey indicates the secret key is not set.
	ErrMissingSecretKey = errors.New("missing secret key")

	// ErrInvalidSecretKey indicates the secret key is too short.
	ErrInvalidSecretKey = errors.New("invalid secret key")

	// ErrInvalidWebhookTimeout indicates the per-attempt webhook timeout is out of range.
	ErrInvalidWebhookTimeout = errors.New("invalid webhook timeout")

	// ErrInvalidWebhookAttempts indicates the webhook attempt cap is out of range.
	ErrInvalidWebhookAttempts = errors.New("invalid webhook max attempts")

	// ErrInvalidWebhookWorkers indicates the dispatcher worker count is out of range.
	ErrInvalidWebhookWorkers = errors.New("invalid webhook worker count")

	// ErrInvalidSessionIdleTimeout indicates the session inactivity timeout is out of range.
	ErrInvalidSessionIdleTimeout = errors.New("invalid session idle timeout")
)

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (passwords, keys), update MarshalJSON.
type Config struct {
	// Storage configuration (see storage.go for documentation)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// SecretKey encrypts webhook secrets at rest (AES-256, key derived via
	// SHA-256). Required for serve and mcp modes.
	SecretKey string `mapstructure:"secret_key" json:"secret_key"` // SENSITIVE: masked in MarshalJSON

	// Webhook dispatcher configuration (see webhook.go)
	Webhook WebhookConfig `mapstructure:"webhook" json:"webhook"`

	// SessionIdleTimeout is the inactivity window after which active agent
	// sessions are expired by the background sweep.
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout" json:"session_idle_timeout"`

	// Observability configuration (see observability.go)
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`

	// HTTP serve configuration
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // Trust X-Real-IP/X-Forwarded-For (set true behind reverse proxy)
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".agentlink")

	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is not an error; defaults apply.
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL overrides the individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "agentlink")
	viper.SetDefault("postgres_password", "agentlink_dev_password")
	viper.SetDefault("postgres_db_name", "agentlink")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Webhook dispatcher defaults (1s/2s/4s/8s backoff, 5 attempts, 15s per attempt)
	viper.SetDefault("webhook.workers", DefaultWebhookWorkers)
	viper.SetDefault("webhook.attempt_timeout", DefaultAttemptTimeout)
	viper.SetDefault("webhook.max_attempts", DefaultMaxAttempts)
	viper.SetDefault("webhook.initial_backoff", DefaultInitialBackoff)
	viper.SetDefault("webhook.max_backoff", DefaultMaxBackoff)
	viper.SetDefault("webhook.poll_interval", DefaultPollInterval)

	// Session inactivity expiry
	viper.SetDefault("session_idle_timeout", DefaultSessionIdleTimeout)

	// CORS defaults (local dev frontend)
	viper.SetDefault("cors_origins", []string{"http://localhost:4200"})

	// Proxy trust (default: false — safe for direct exposure)
	viper.SetDefault("trust_proxy", false)

	// Tracing defaults
	viper.SetDefault("tracing.agent_host", "localhost:4318")
	viper.SetDefault("tracing.environment", "dev")
	viper.SetDefault("tracing.service_name", "agentlink")
	viper.SetDefault("tracing.enabled", false)
}

// bindEnvVariables binds environment variables explicitly. Secrets come from
// the environment only; everything else may also live in the config file.
func bindEnvVariables() {
	// Hardcoded keys cannot fail to bind; a panic here is a bug, not a
	// runtime condition.
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("secret_key", "AGENTLINK_SECRET_KEY")
	mustBind("cors_origins", "AGENTLINK_CORS_ORIGINS")
	mustBind("trust_proxy", "AGENTLINK_TRUST_PROXY")
	mustBind("tracing.enabled", "AGENTLINK_TRACING")
	mustBind("webhook.workers", "AGENTLINK_WEBHOOK_WORKERS")
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid substring matches against the original secret.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging. Secrets of 8 bytes or
// fewer are fully masked; longer ones keep the first and last 2 characters
// for debug utility.
//
// THREAT MODEL: this defends against accidental logging of real secrets.
// If logs are compromised, rotate secrets.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked: PostgresPassword, SecretKey.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.SecretKey = maskSecret(a.SecretKey)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
