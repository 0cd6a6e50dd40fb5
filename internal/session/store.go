package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/koopa0/agentlink/internal/security"
)

// webhookSecretBytes is the entropy of a generated webhook secret; the
// stored form is its hex encoding (64 chars).
const webhookSecretBytes = 32

// Validator checks webhook URLs before they are persisted.
// Satisfied by *security.URL.
type Validator interface {
	Validate(rawURL string) error
}

// Store manages agent session persistence with a PostgreSQL backend.
//
// Store is safe for concurrent use by multiple goroutines. All contention
// on the (owner, agent key) slot is resolved by the database's unique
// constraint and upsert semantics, never by application-level locking.
type Store struct {
	pool   *pgxpool.Pool
	box    *security.SecretBox
	urls   Validator
	logger *slog.Logger
}

// New creates a new Store. A nil logger falls back to slog.Default().
func New(pool *pgxpool.Pool, box *security.SecretBox, urls Validator, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, box: box, urls: urls, logger: logger}
}

const sessionColumns = `id, owner_id, agent_name, agent_key, webhook_url,
	webhook_secret, notebook_id, status, metadata, last_activity_at, created_at`

// Create creates-or-returns the session for (ownerID, cfg.AgentKey).
//
// Idempotent: if an active session already occupies the slot it is returned
// unchanged. A terminal (expired/disconnected) slot is reactivated in place
// with a fresh webhook secret — that reactivated row is the "logically new"
// session the agent reconnects into. Two concurrent Create calls can never
// produce two active rows for the same key; the unique constraint plus the
// conditional upsert guarantee one winner and one reader.
func (s *Store) Create(ctx context.Context, ownerID string, cfg AgentConfig) (*Session, error) {
	if cfg.WebhookURL != "" {
		if err := s.urls.Validate(cfg.WebhookURL); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookURL, err)
		}
	}

	secret, err := newWebhookSecret()
	if err != nil {
		return nil, err
	}
	sealed, err := s.box.Seal(secret)
	if err != nil {
		return nil, fmt.Errorf("sealing webhook secret: %w", err)
	}

	metadataJSON, err := json.Marshal(orEmpty(cfg.Metadata))
	if err != nil {
		return nil, fmt.Errorf("marshaling metadata: %w", err)
	}

	// Insert, or reactivate a terminal slot. The WHERE clause makes the
	// upsert a no-op against an active row, in which case no row is
	// returned and we fall back to reading the existing session.
	row := s.pool.QueryRow(ctx, `
		INSERT INTO agent_sessions (owner_id, agent_name, agent_key, webhook_url, webhook_secret, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (owner_id, agent_key) DO UPDATE SET
			agent_name       = EXCLUDED.agent_name,
			webhook_url      = EXCLUDED.webhook_url,
			webhook_secret   = EXCLUDED.webhook_secret,
			metadata         = EXCLUDED.metadata,
			status           = 'active',
			last_activity_at = now()
		WHERE agent_sessions.status <> 'active'
		RETURNING `+sessionColumns,
		ownerID, cfg.Name, cfg.AgentKey, cfg.WebhookURL, sealed, metadataJSON)

	sess, err := s.scanSession(row)
	if err == nil {
		s.logger.Debug("created session", "id", sess.ID, "owner", ownerID, "agent_key", cfg.AgentKey)
		return sess, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	// Slot exists and is active: return it unchanged.
	return s.GetByAgent(ctx, ownerID, cfg.AgentKey)
}

// Get retrieves a session by ID. Returns ErrNotFound for a missing row.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE id = $1`, id)

	sess, err := s.scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %s: %w", id, err)
	}
	return sess, nil
}

// GetByAgent retrieves the session occupying the (ownerID, agentKey) slot.
func (s *Store) GetByAgent(ctx context.Context, ownerID, agentKey string) (*Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE owner_id = $1 AND agent_key = $2`,
		ownerID, agentKey)

	sess, err := s.scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session for %s/%s: %w", ownerID, agentKey, err)
	}
	return sess, nil
}

// List returns all sessions owned by ownerID, newest first.
func (s *Store) List(ctx context.Context, ownerID string) ([]*Session, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM agent_sessions WHERE owner_id = $1 ORDER BY created_at DESC`,
		ownerID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := s.scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}

// Touch bumps last_activity_at, resetting inactivity-based expiry.
// No-op on terminal sessions: a terminal row must never look active again
// except through Create.
func (s *Store) Touch(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_sessions SET last_activity_at = now() WHERE id = $1 AND status = 'active'`, id)
	if err != nil {
		return fmt.Errorf("touching session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Debug("touch skipped, session missing or terminal", "id", id)
	}
	return nil
}

// Expire moves an active session to a terminal status. reason must be
// StatusExpired (inactivity/admin) or StatusDisconnected (user revoke).
// Returns ErrTerminal if the session is already terminal, ErrNotFound if it
// does not exist.
func (s *Store) Expire(ctx context.Context, id uuid.UUID, reason Status) error {
	if !reason.Terminal() {
		return fmt.Errorf("invalid terminal status %q", reason)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_sessions SET status = $2 WHERE id = $1 AND status = 'active'`,
		id, string(reason))
	if err != nil {
		return fmt.Errorf("expiring session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return ErrTerminal
	}

	s.logger.Info("session terminated", "id", id, "reason", reason)
	return nil
}

// ExpireIdle bulk-expires active sessions whose last activity predates the
// cutoff. Returns the number of sessions expired. Run periodically from the
// serve loop.
func (s *Store) ExpireIdle(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_sessions SET status = 'expired'
		 WHERE status = 'active' AND last_activity_at < now() - $1::interval`,
		olderThan)
	if err != nil {
		return 0, fmt.Errorf("expiring idle sessions: %w", err)
	}
	if n := tag.RowsAffected(); n > 0 {
		s.logger.Info("expired idle sessions", "count", n, "older_than", olderThan)
		return n, nil
	}
	return 0, nil
}

// RegisterWebhook validates and stores the agent's webhook endpoint and
// rotates the webhook secret. Returns the updated session (with the new
// plaintext secret — the only moment it leaves the store). Rejected on
// terminal sessions with ErrTerminal.
func (s *Store) RegisterWebhook(ctx context.Context, id uuid.UUID, rawURL string) (*Session, error) {
	if err := s.urls.Validate(rawURL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidWebhookURL, err)
	}

	secret, err := newWebhookSecret()
	if err != nil {
		return nil, err
	}
	sealed, err := s.box.Seal(secret)
	if err != nil {
		return nil, fmt.Errorf("sealing webhook secret: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE agent_sessions
		SET webhook_url = $2, webhook_secret = $3, last_activity_at = now()
		WHERE id = $1 AND status = 'active'
		RETURNING `+sessionColumns,
		id, rawURL, sealed)

	sess, err := s.scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrTerminal
	}
	if err != nil {
		return nil, fmt.Errorf("registering webhook for %s: %w", id, err)
	}

	s.logger.Info("webhook registered", "session_id", id)
	return sess, nil
}

// BindNotebook records the notebook bound to this session. Called by the
// notebook binder after its insert-or-read; idempotent.
func (s *Store) BindNotebook(ctx context.Context, id, notebookID uuid.UUID) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE agent_sessions SET notebook_id = $2 WHERE id = $1`, id, notebookID); err != nil {
		return fmt.Errorf("binding notebook %s to session %s: %w", notebookID, id, err)
	}
	return nil
}

// scanSession scans one agent_sessions row into a Session, decrypting the
// webhook secret.
func (s *Store) scanSession(row pgx.Row) (*Session, error) {
	var (
		sess         Session
		notebookID   pgtype.UUID
		status       string
		sealedSecret string
		metadataJSON []byte
	)

	if err := row.Scan(&sess.ID, &sess.OwnerID, &sess.AgentName, &sess.AgentKey,
		&sess.WebhookURL, &sealedSecret, &notebookID, &status, &metadataJSON,
		&sess.LastActivityAt, &sess.CreatedAt); err != nil {
		return nil, err
	}

	sess.Status = Status(status)
	if notebookID.Valid {
		sess.NotebookID = notebookID.Bytes
	}

	secret, err := s.box.Open(sealedSecret)
	if err != nil {
		return nil, fmt.Errorf("unsealing webhook secret for session %s: %w", sess.ID, err)
	}
	sess.WebhookSecret = secret

	if err := json.Unmarshal(metadataJSON, &sess.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling session metadata: %w", err)
	}

	return &sess, nil
}

// newWebhookSecret generates a fresh hex-encoded webhook secret.
func newWebhookSecret() (string, error) {
	buf := make([]byte, webhookSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating webhook secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// orEmpty normalizes a nil metadata map to an empty one so the JSONB column
// never stores SQL NULL.
func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
