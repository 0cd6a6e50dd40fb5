package config

import (
	"fmt"
	"time"
)

// validSSLModes are the PostgreSQL sslmode values accepted by pgx.
var validSSLModes = map[string]struct{}{
	"disable":     {},
	"allow":       {},
	"prefer":      {},
	"require":     {},
	"verify-ca":   {},
	"verify-full": {},
}

// Validate checks the configuration for out-of-range or missing values.
// Fail-fast: called from Load before any component is constructed.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host must not be empty", ErrInvalidPostgresHost)
	}
	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: port %d out of range 1-65535", ErrInvalidPostgresPort, c.PostgresPort)
	}
	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name must not be empty", ErrInvalidPostgresDBName)
	}
	if _, ok := validSSLModes[c.PostgresSSLMode]; !ok {
		return fmt.Errorf("%w: %q", ErrInvalidPostgresSSLMode, c.PostgresSSLMode)
	}

	if c.Webhook.AttemptTimeout < time.Second || c.Webhook.AttemptTimeout > 5*time.Minute {
		return fmt.Errorf("%w: %v out of range 1s-5m", ErrInvalidWebhookTimeout, c.Webhook.AttemptTimeout)
	}
	if c.Webhook.MaxAttempts < 1 || c.Webhook.MaxAttempts > 20 {
		return fmt.Errorf("%w: %d out of range 1-20", ErrInvalidWebhookAttempts, c.Webhook.MaxAttempts)
	}
	if c.Webhook.Workers < 1 || c.Webhook.Workers > 64 {
		return fmt.Errorf("%w: %d out of range 1-64", ErrInvalidWebhookWorkers, c.Webhook.Workers)
	}

	if c.SessionIdleTimeout < time.Minute {
		return fmt.Errorf("%w: %v below minimum 1m", ErrInvalidSessionIdleTimeout, c.SessionIdleTimeout)
	}

	return nil
}

// ValidateServe checks requirements specific to serve and mcp modes.
// The secret key protects webhook secrets at rest, so both modes need it.
func (c *Config) ValidateServe() error {
	if c.SecretKey == "" {
		return fmt.Errorf("%w: set AGENTLINK_SECRET_KEY", ErrMissingSecretKey)
	}
	if len(c.SecretKey) < 32 {
		return fmt.Errorf("%w: must be at least 32 bytes, got %d", ErrInvalidSecretKey, len(c.SecretKey))
	}
	return nil
}
