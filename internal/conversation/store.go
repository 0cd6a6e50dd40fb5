package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store manages conversation and message persistence. Safe for concurrent
// use; sequence assignment is serialized per conversation by a row lock
// inside AddMessage, never by in-process locking.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// New creates a new Store. A nil logger falls back to slog.Default().
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

const conversationColumns = `id, source_id, session_id, source_title, source_code, source_language, created_at`

const messageColumns = `id, conversation_id, role, content, metadata, sequence_number, delivery_state, resolved_by, created_at`

// BindSource creates-or-refreshes the conversation for sourceID under
// sessionID. Idempotent for the owning session: a re-save updates the stored
// source snapshot in place. A source already bound to a different session
// returns ErrSourceBound; a source never migrates between sessions.
func (s *Store) BindSource(ctx context.Context, sourceID string, sessionID uuid.UUID, title, code, language string) (*Conversation, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (source_id, session_id, source_title, source_code, source_language)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (source_id) DO UPDATE SET
			source_title    = EXCLUDED.source_title,
			source_code     = EXCLUDED.source_code,
			source_language = EXCLUDED.source_language
		WHERE conversations.session_id = EXCLUDED.session_id
		RETURNING `+conversationColumns,
		sourceID, sessionID, title, code, language)

	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSourceBound
	}
	if err != nil {
		return nil, fmt.Errorf("binding source %s: %w", sourceID, err)
	}

	s.logger.Debug("source bound", "source_id", sourceID, "conversation_id", conv.ID, "session_id", sessionID)
	return conv, nil
}

// Get returns the conversation for sourceID together with its full message
// history in sequence order. Returns ErrNotFound for an unbound source.
func (s *Store) Get(ctx context.Context, sourceID string) (*Conversation, []*Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE source_id = $1`, sourceID)

	conv, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("getting conversation for source %s: %w", sourceID, err)
	}

	msgs, err := s.History(ctx, conv.ID)
	if err != nil {
		return nil, nil, err
	}
	return conv, msgs, nil
}

// History returns the messages of a conversation in sequence order.
func (s *Store) History(ctx context.Context, conversationID uuid.UUID) ([]*Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE conversation_id = $1 ORDER BY sequence_number`,
		conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading history for conversation %s: %w", conversationID, err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading history for conversation %s: %w", conversationID, err)
	}
	return msgs, nil
}

// AddMessage appends a message to the conversation bound to sourceID and
// returns the stored message with its assigned sequence number.
//
// The conversation row is locked FOR UPDATE for the duration of the
// transaction, so two concurrent appends serialize and the dense-sequence
// invariant holds: next sequence is always max+1 within the lock.
// User messages start in delivery state pending; agent messages carry none.
func (s *Store) AddMessage(ctx context.Context, sourceID string, role Role, content string, metadata map[string]any) (*Message, error) {
	metadataJSON, err := json.Marshal(orEmpty(metadata))
	if err != nil {
		return nil, fmt.Errorf("marshaling message metadata: %w", err)
	}

	state := StateNone
	if role == RoleUser {
		state = StatePending
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			s.logger.Debug("rollback failed", "error", err)
		}
	}()

	var conversationID uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM conversations WHERE source_id = $1 FOR UPDATE`,
		sourceID).Scan(&conversationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking conversation for source %s: %w", sourceID, err)
	}

	var sequence int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE conversation_id = $1`,
		conversationID).Scan(&sequence); err != nil {
		return nil, fmt.Errorf("assigning sequence number: %w", err)
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO messages (conversation_id, role, content, metadata, sequence_number, delivery_state)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+messageColumns,
		conversationID, string(role), content, metadataJSON, sequence, string(state))

	msg, err := scanMessage(row)
	if err != nil {
		return nil, fmt.Errorf("inserting message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing message: %w", err)
	}

	s.logger.Debug("message appended",
		"source_id", sourceID, "message_id", msg.ID, "role", role, "sequence", msg.Sequence)
	return msg, nil
}

// GetMessage retrieves a single message by ID.
func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)

	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting message %s: %w", id, err)
	}
	return msg, nil
}

// MessageContext returns a message together with its conversation; the
// dispatcher uses it to build the webhook payload for a claimed attempt.
func (s *Store) MessageContext(ctx context.Context, messageID uuid.UUID) (*Conversation, *Message, error) {
	msg, err := s.GetMessage(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}

	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = $1`, msg.ConversationID)
	conv, err := scanConversation(row)
	if err != nil {
		return nil, nil, fmt.Errorf("getting conversation %s: %w", msg.ConversationID, err)
	}
	return conv, msg, nil
}

// Pending is a user message awaiting an agent reply, annotated with the
// source it belongs to. Served to agents polling instead of (or in addition
// to) receiving webhooks.
type Pending struct {
	Message
	SourceID    string
	SourceTitle string
}

// PendingUserMessages returns the session's unresolved user messages across
// all of its sources, oldest first.
func (s *Store) PendingUserMessages(ctx context.Context, sessionID uuid.UUID) ([]*Pending, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT m.id, m.conversation_id, m.role, m.content, m.metadata,
		       m.sequence_number, m.delivery_state, m.resolved_by, m.created_at,
		       c.source_id, c.source_title
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE c.session_id = $1 AND m.role = 'user' AND m.resolved_by IS NULL
		ORDER BY m.created_at, m.sequence_number`,
		sessionID)
	if err != nil {
		return nil, fmt.Errorf("listing pending messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var pending []*Pending
	for rows.Next() {
		var (
			p            Pending
			role, state  string
			resolvedBy   *string
			metadataJSON []byte
		)
		if err := rows.Scan(&p.ID, &p.ConversationID, &role, &p.Content, &metadataJSON,
			&p.Sequence, &state, &resolvedBy, &p.CreatedAt,
			&p.SourceID, &p.SourceTitle); err != nil {
			return nil, fmt.Errorf("scanning pending message: %w", err)
		}
		p.Role = Role(role)
		p.DeliveryState = DeliveryState(state)
		if resolvedBy != nil {
			p.ResolvedBy = *resolvedBy
		}
		if err := json.Unmarshal(metadataJSON, &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshaling message metadata: %w", err)
		}
		pending = append(pending, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing pending messages for session %s: %w", sessionID, err)
	}
	return pending, nil
}

// MarkDelivered records successful webhook delivery of a user message.
func (s *Store) MarkDelivered(ctx context.Context, messageID uuid.UUID) error {
	return s.setDeliveryState(ctx, messageID, StateDelivered)
}

// MarkFailed records permanent delivery failure of a user message.
func (s *Store) MarkFailed(ctx context.Context, messageID uuid.UUID) error {
	return s.setDeliveryState(ctx, messageID, StateFailed)
}

func (s *Store) setDeliveryState(ctx context.Context, messageID uuid.UUID, state DeliveryState) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE messages SET delivery_state = $2 WHERE id = $1 AND role = 'user'`,
		messageID, string(state))
	if err != nil {
		return fmt.Errorf("marking message %s %s: %w", messageID, state, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// Resolve marks a user message answered by resolvedBy ("sync" when the
// answer arrived in the webhook response body, "async" via the follow-up
// endpoint). First writer wins: a message already resolved returns
// ErrAlreadyResolved and the caller must discard its answer rather than
// append a duplicate.
func (s *Store) Resolve(ctx context.Context, messageID uuid.UUID, resolvedBy string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE messages SET resolved_by = $2
		WHERE id = $1 AND role = 'user' AND resolved_by IS NULL`,
		messageID, resolvedBy)
	if err != nil {
		return fmt.Errorf("resolving message %s: %w", messageID, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetMessage(ctx, messageID); err != nil {
			return err
		}
		return ErrAlreadyResolved
	}

	s.logger.Debug("message resolved", "message_id", messageID, "resolved_by", resolvedBy)
	return nil
}

func scanConversation(row pgx.Row) (*Conversation, error) {
	var conv Conversation
	if err := row.Scan(&conv.ID, &conv.SourceID, &conv.SessionID, &conv.SourceTitle,
		&conv.SourceCode, &conv.SourceLanguage, &conv.CreatedAt); err != nil {
		return nil, err
	}
	return &conv, nil
}

func scanMessage(row pgx.Row) (*Message, error) {
	var (
		msg          Message
		role, state  string
		resolvedBy   *string
		metadataJSON []byte
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &role, &msg.Content, &metadataJSON,
		&msg.Sequence, &state, &resolvedBy, &msg.CreatedAt); err != nil {
		return nil, err
	}
	msg.Role = Role(role)
	msg.DeliveryState = DeliveryState(state)
	if resolvedBy != nil {
		msg.ResolvedBy = *resolvedBy
	}
	if err := json.Unmarshal(metadataJSON, &msg.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshaling message metadata: %w", err)
	}
	return &msg, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
