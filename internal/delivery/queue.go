package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Queue is the durable delivery queue backed by the delivery_attempts table.
// Safe for concurrent use across goroutines and across processes: claim
// contention is resolved with row locks and SKIP LOCKED, never in memory.
type Queue struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewQueue creates a new Queue. A nil logger falls back to slog.Default().
func NewQueue(pool *pgxpool.Pool, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{pool: pool, logger: logger}
}

const attemptColumns = `id, message_id, session_id, attempt_number, outcome,
	next_retry_at, last_status, last_error, created_at, updated_at`

// Enqueue creates a pending delivery attempt for messageID, guarded by the
// session being active. The guard lives inside the INSERT's source query, so
// an enqueue racing a session expiry either wins cleanly or inserts zero
// rows and reports ErrSessionInactive; there is no window where a terminal
// session gains new work.
func (q *Queue) Enqueue(ctx context.Context, sessionID, messageID uuid.UUID) (*Attempt, error) {
	row := q.pool.QueryRow(ctx, `
		INSERT INTO delivery_attempts (message_id, session_id)
		SELECT $2, id FROM agent_sessions WHERE id = $1 AND status = 'active'
		RETURNING `+attemptColumns,
		sessionID, messageID)

	att, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionInactive
	}
	if err != nil {
		return nil, fmt.Errorf("enqueueing delivery for message %s: %w", messageID, err)
	}

	q.logger.Debug("delivery enqueued", "attempt_id", att.ID, "message_id", messageID, "session_id", sessionID)
	return att, nil
}

// Claim atomically moves the oldest due attempt to in_flight and returns it,
// or ErrNoWork when nothing is claimable.
//
// Eligibility: outcome pending or retrying, next_retry_at due, session still
// active, no other attempt of the same session in flight, and no older
// non-terminal sibling. The last condition keeps deliveries in order: a
// younger pending attempt must wait while an older sibling sits in retrying
// with a future next_retry_at, instead of overtaking it. The candidate's
// session row is locked FOR UPDATE with SKIP LOCKED, so two workers (or two
// processes) claiming concurrently can never take work for the same session:
// the second claimer skips the locked session entirely, and once the
// statement commits the in_flight row keeps it excluded.
func (q *Queue) Claim(ctx context.Context) (*Attempt, error) {
	row := q.pool.QueryRow(ctx, `
		WITH next AS (
			SELECT da.id
			FROM delivery_attempts da
			JOIN agent_sessions s ON s.id = da.session_id
			WHERE da.outcome IN ('pending', 'retrying')
			  AND da.next_retry_at <= now()
			  AND s.status = 'active'
			  AND NOT EXISTS (
				SELECT 1 FROM delivery_attempts f
				WHERE f.session_id = da.session_id AND f.outcome = 'in_flight')
			  AND NOT EXISTS (
				SELECT 1 FROM delivery_attempts o
				WHERE o.session_id = da.session_id
				  AND o.outcome IN ('pending', 'retrying')
				  AND (o.created_at, o.id) < (da.created_at, da.id))
			ORDER BY da.created_at, da.id
			LIMIT 1
			FOR UPDATE OF s SKIP LOCKED
		)
		UPDATE delivery_attempts SET
			outcome        = 'in_flight',
			attempt_number = attempt_number + 1,
			updated_at     = now()
		FROM next
		WHERE delivery_attempts.id = next.id
		RETURNING `+attemptColumns)

	att, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoWork
	}
	if err != nil {
		return nil, fmt.Errorf("claiming delivery attempt: %w", err)
	}

	q.logger.Debug("delivery claimed", "attempt_id", att.ID, "attempt_number", att.AttemptNumber)
	return att, nil
}

// MarkDelivered records terminal success with the HTTP status received.
func (q *Queue) MarkDelivered(ctx context.Context, id uuid.UUID, status int) error {
	return q.finish(ctx, id, OutcomeDelivered, status, "")
}

// MarkFailed records terminal failure: a permanent error or exhausted retries.
func (q *Queue) MarkFailed(ctx context.Context, id uuid.UUID, status int, lastError string) error {
	return q.finish(ctx, id, OutcomeFailed, status, lastError)
}

func (q *Queue) finish(ctx context.Context, id uuid.UUID, outcome Outcome, status int, lastError string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE delivery_attempts
		SET outcome = $2, last_status = $3, last_error = $4, updated_at = now()
		WHERE id = $1 AND outcome = 'in_flight'`,
		id, string(outcome), status, lastError)
	if err != nil {
		return fmt.Errorf("marking attempt %s %s: %w", id, outcome, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkRetrying schedules the attempt's next try after a transient failure.
func (q *Queue) MarkRetrying(ctx context.Context, id uuid.UUID, status int, lastError string, retryAt time.Time) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE delivery_attempts
		SET outcome = 'retrying', last_status = $2, last_error = $3,
		    next_retry_at = $4, updated_at = now()
		WHERE id = $1 AND outcome = 'in_flight'`,
		id, status, lastError, retryAt)
	if err != nil {
		return fmt.Errorf("marking attempt %s retrying: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get retrieves a delivery attempt by ID.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*Attempt, error) {
	row := q.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM delivery_attempts WHERE id = $1`, id)

	att, err := scanAttempt(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting attempt %s: %w", id, err)
	}
	return att, nil
}

// ListByMessage returns all attempts recorded for a message, oldest first.
func (q *Queue) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*Attempt, error) {
	rows, err := q.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM delivery_attempts WHERE message_id = $1 ORDER BY created_at, id`,
		messageID)
	if err != nil {
		return nil, fmt.Errorf("listing attempts for message %s: %w", messageID, err)
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		att, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning attempt: %w", err)
		}
		attempts = append(attempts, att)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing attempts for message %s: %w", messageID, err)
	}
	return attempts, nil
}

func scanAttempt(row pgx.Row) (*Attempt, error) {
	var (
		att     Attempt
		outcome string
	)
	if err := row.Scan(&att.ID, &att.MessageID, &att.SessionID, &att.AttemptNumber,
		&outcome, &att.NextRetryAt, &att.LastStatus, &att.LastError,
		&att.CreatedAt, &att.UpdatedAt); err != nil {
		return nil, err
	}
	att.Outcome = Outcome(outcome)
	return &att, nil
}
