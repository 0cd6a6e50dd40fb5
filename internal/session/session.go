// Package session implements the agent session registry.
//
// A session is the durable binding between one user and one agent identity,
// keyed by (owner, agent key). The database enforces the one-slot-per-key
// invariant with a unique constraint; the store never does check-then-act.
package session

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for session operations, checked with errors.Is.
var (
	// ErrNotFound indicates the requested session does not exist.
	ErrNotFound = errors.New("session not found")

	// ErrTerminal indicates the session is expired or disconnected and the
	// requested operation only applies to active sessions.
	ErrTerminal = errors.New("session is terminal")

	// ErrInvalidWebhookURL indicates the webhook URL failed validation.
	ErrInvalidWebhookURL = errors.New("invalid webhook URL")
)

// Status is the lifecycle state of an agent session.
type Status string

// Session lifecycle states. Expired and disconnected are terminal for the
// session instance; reconnecting goes through Create, which reactivates the
// (owner, agent key) slot with fresh credentials.
const (
	StatusActive       Status = "active"
	StatusExpired      Status = "expired"
	StatusDisconnected Status = "disconnected"
)

// Terminal reports whether the status forbids further activity.
func (s Status) Terminal() bool {
	return s == StatusExpired || s == StatusDisconnected
}

// AgentConfig describes the connecting agent.
type AgentConfig struct {
	// Name is the human-readable agent name shown to the user.
	Name string

	// AgentKey is the stable identifier of the agent type; together with
	// the owner it addresses the session slot.
	AgentKey string

	// WebhookURL is optional at connect time; agents usually register the
	// webhook in a separate call once they know their endpoint.
	WebhookURL string

	// Metadata carries free-form agent-supplied key/value pairs.
	Metadata map[string]string
}

// Session represents an agent session (application-level type).
// WebhookSecret is held decrypted in memory; at rest it is sealed by the
// security.SecretBox.
type Session struct {
	ID             uuid.UUID
	OwnerID        string
	AgentName      string
	AgentKey       string
	WebhookURL     string
	WebhookSecret  string
	NotebookID     uuid.UUID // uuid.Nil until a notebook is bound
	Status         Status
	Metadata       map[string]string
	LastActivityAt time.Time
	CreatedAt      time.Time
}
