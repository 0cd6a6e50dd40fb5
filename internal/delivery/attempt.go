// Package delivery implements the durable webhook delivery queue and the
// dispatcher worker pool that drains it.
//
// A delivery is represented as a DeliveryAttempt row, not an in-memory
// callback: an in-flight delivery survives a process restart and any number
// of dispatcher replicas can share one queue. Per-session ordering is
// enforced by the claim query, which never hands out work for a session
// that already has an attempt in flight.
package delivery

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for queue operations, checked with errors.Is.
var (
	// ErrSessionInactive indicates the target session is missing or terminal;
	// nothing was enqueued.
	ErrSessionInactive = errors.New("session inactive")

	// ErrNoWork indicates no attempt is currently claimable.
	ErrNoWork = errors.New("no deliverable work")

	// ErrNotFound indicates the requested attempt does not exist.
	ErrNotFound = errors.New("delivery attempt not found")
)

// Outcome is the lifecycle state of a delivery attempt record.
type Outcome string

const (
	// OutcomePending: enqueued, never tried.
	OutcomePending Outcome = "pending"

	// OutcomeInFlight: claimed by a worker, POST in progress.
	OutcomeInFlight Outcome = "in_flight"

	// OutcomeDelivered: terminal success.
	OutcomeDelivered Outcome = "delivered"

	// OutcomeRetrying: transient failure, waiting for next_retry_at.
	OutcomeRetrying Outcome = "retrying"

	// OutcomeFailed: terminal failure (permanent error or retries exhausted).
	OutcomeFailed Outcome = "failed"
)

// Terminal reports whether the outcome ends the delivery.
func (o Outcome) Terminal() bool {
	return o == OutcomeDelivered || o == OutcomeFailed
}

// Attempt is one durable delivery task for a user message. AttemptNumber
// counts claims: 0 while pending, 1 during the first try, and so on.
type Attempt struct {
	ID            uuid.UUID
	MessageID     uuid.UUID
	SessionID     uuid.UUID
	AttemptNumber int
	Outcome       Outcome
	NextRetryAt   time.Time
	LastStatus    int    // last HTTP status, 0 if none received
	LastError     string // last failure description, "" on success
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
