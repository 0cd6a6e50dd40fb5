package config

import "time"

// Webhook dispatcher defaults. The backoff schedule 1s, 2s, 4s, 8s with a
// cap of 5 total attempts bounds the worst case at roughly 15s of waiting
// plus 5 attempt timeouts.
const (
	// DefaultWebhookWorkers is the dispatcher worker pool size.
	DefaultWebhookWorkers = 4

	// DefaultAttemptTimeout bounds a single webhook POST.
	DefaultAttemptTimeout = 15 * time.Second

	// DefaultMaxAttempts caps total delivery attempts per message.
	DefaultMaxAttempts = 5

	// DefaultInitialBackoff is the delay before the second attempt.
	DefaultInitialBackoff = 1 * time.Second

	// DefaultMaxBackoff caps the exponential backoff delay.
	DefaultMaxBackoff = 8 * time.Second

	// DefaultPollInterval is how often idle workers poll for claimable work.
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultSessionIdleTimeout expires agent sessions after inactivity.
	DefaultSessionIdleTimeout = 30 * 24 * time.Hour
)

// WebhookConfig configures the delivery dispatcher.
type WebhookConfig struct {
	// Workers is the number of concurrent delivery workers. Concurrency is
	// across sessions only; deliveries within one session stay serialized.
	Workers int `mapstructure:"workers" json:"workers"`

	// AttemptTimeout bounds a single HTTP delivery attempt.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" json:"attempt_timeout"`

	// MaxAttempts is the total attempt cap, first try included.
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts"`

	// InitialBackoff is the delay after the first transient failure.
	InitialBackoff time.Duration `mapstructure:"initial_backoff" json:"initial_backoff"`

	// MaxBackoff caps the exponential backoff delay.
	MaxBackoff time.Duration `mapstructure:"max_backoff" json:"max_backoff"`

	// PollInterval is the idle poll period of dispatcher workers.
	PollInterval time.Duration `mapstructure:"poll_interval" json:"poll_interval"`
}
