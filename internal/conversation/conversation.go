// Package conversation implements the append-only per-source message log.
//
// Every piece of user content ("source") has at most one conversation, and
// every conversation belongs to exactly one agent session. Messages carry a
// dense per-conversation sequence number assigned under a row lock, so
// readers always observe a gap-free, insertion-ordered history.
package conversation

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for conversation operations, checked with errors.Is.
var (
	// ErrNotFound indicates the source has no conversation bound.
	ErrNotFound = errors.New("conversation not found")

	// ErrMessageNotFound indicates the requested message does not exist.
	ErrMessageNotFound = errors.New("message not found")

	// ErrAlreadyResolved indicates another writer already answered this
	// follow-up; the losing answer must be discarded, not appended.
	ErrAlreadyResolved = errors.New("message already resolved")

	// ErrSourceBound indicates the source is already bound to a different
	// session and cannot be rebound.
	ErrSourceBound = errors.New("source bound to another session")
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// DeliveryState tracks webhook delivery of a user message. Agent messages
// carry StateNone: they are never pushed anywhere.
type DeliveryState string

const (
	StateNone      DeliveryState = ""
	StatePending   DeliveryState = "pending"
	StateDelivered DeliveryState = "delivered"
	StateFailed    DeliveryState = "failed"
)

// Resolution sources for a user follow-up, recorded in Message.ResolvedBy.
const (
	ResolvedSync  = "sync"
	ResolvedAsync = "async"
)

// Conversation is the message log bound to one source within one session.
// The source snapshot (title, code, language) is captured at bind time and
// refreshed on re-save; the dispatcher embeds it in every webhook payload.
type Conversation struct {
	ID             uuid.UUID
	SourceID       string
	SessionID      uuid.UUID
	SourceTitle    string
	SourceCode     string
	SourceLanguage string
	CreatedAt      time.Time
}

// Message is one entry in a conversation. Sequence is dense and starts at 1.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           Role
	Content        string
	Metadata       map[string]any
	Sequence       int
	DeliveryState  DeliveryState
	ResolvedBy     string // "" until resolved, then "sync" or "async"
	CreatedAt      time.Time
}

// CodeUpdate is the optional revised-code attachment on an agent reply,
// stored under the "codeUpdate" metadata key.
type CodeUpdate struct {
	Code        string `json:"code"`
	Description string `json:"description,omitempty"`
}
