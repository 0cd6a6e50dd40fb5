package config

import (
	"errors"
	"testing"
	"time"
)

// validBaseConfig returns a Config with all required fields in range.
func validBaseConfig() *Config {
	return &Config{
		PostgresHost:     "localhost",
		PostgresPort:     5432,
		PostgresUser:     "agentlink",
		PostgresPassword: "test_password",
		PostgresDBName:   "agentlink",
		PostgresSSLMode:  "disable",
		Webhook: WebhookConfig{
			Workers:        DefaultWebhookWorkers,
			AttemptTimeout: DefaultAttemptTimeout,
			MaxAttempts:    DefaultMaxAttempts,
			InitialBackoff: DefaultInitialBackoff,
			MaxBackoff:     DefaultMaxBackoff,
			PollInterval:   DefaultPollInterval,
		},
		SessionIdleTimeout: DefaultSessionIdleTimeout,
	}
}

func TestValidateSuccess(t *testing.T) {
	if err := validBaseConfig().Validate(); err != nil {
		t.Fatalf("Validate() on valid config: %v", err)
	}
}

func TestValidateNil(t *testing.T) {
	var cfg *Config
	if err := cfg.Validate(); !errors.Is(err, ErrConfigNil) {
		t.Fatalf("Validate() on nil = %v, want ErrConfigNil", err)
	}
}

func TestValidateFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:    "empty host",
			mutate:  func(c *Config) { c.PostgresHost = "" },
			wantErr: ErrInvalidPostgresHost,
		},
		{
			name:    "port zero",
			mutate:  func(c *Config) { c.PostgresPort = 0 },
			wantErr: ErrInvalidPostgresPort,
		},
		{
			name:    "port too high",
			mutate:  func(c *Config) { c.PostgresPort = 70000 },
			wantErr: ErrInvalidPostgresPort,
		},
		{
			name:    "empty db name",
			mutate:  func(c *Config) { c.PostgresDBName = "" },
			wantErr: ErrInvalidPostgresDBName,
		},
		{
			name:    "bad ssl mode",
			mutate:  func(c *Config) { c.PostgresSSLMode = "yes-please" },
			wantErr: ErrInvalidPostgresSSLMode,
		},
		{
			name:    "attempt timeout too short",
			mutate:  func(c *Config) { c.Webhook.AttemptTimeout = 100 * time.Millisecond },
			wantErr: ErrInvalidWebhookTimeout,
		},
		{
			name:    "attempt timeout too long",
			mutate:  func(c *Config) { c.Webhook.AttemptTimeout = time.Hour },
			wantErr: ErrInvalidWebhookTimeout,
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.Webhook.MaxAttempts = 0 },
			wantErr: ErrInvalidWebhookAttempts,
		},
		{
			name:    "too many workers",
			mutate:  func(c *Config) { c.Webhook.Workers = 1000 },
			wantErr: ErrInvalidWebhookWorkers,
		},
		{
			name:    "idle timeout below minimum",
			mutate:  func(c *Config) { c.SessionIdleTimeout = time.Second },
			wantErr: ErrInvalidSessionIdleTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBaseConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateServe(t *testing.T) {
	cfg := validBaseConfig()

	if err := cfg.ValidateServe(); !errors.Is(err, ErrMissingSecretKey) {
		t.Fatalf("ValidateServe() without key = %v, want ErrMissingSecretKey", err)
	}

	cfg.SecretKey = "too-short"
	if err := cfg.ValidateServe(); !errors.Is(err, ErrInvalidSecretKey) {
		t.Fatalf("ValidateServe() with short key = %v, want ErrInvalidSecretKey", err)
	}

	cfg.SecretKey = "0123456789abcdef0123456789abcdef"
	if err := cfg.ValidateServe(); err != nil {
		t.Fatalf("ValidateServe() with valid key: %v", err)
	}
}
