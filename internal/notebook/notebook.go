// Package notebook binds agent sessions to their dedicated notebook.
//
// Exactly one notebook exists per session. The invariant is enforced by a
// unique constraint on notebooks.session_id combined with an
// insert-then-fallback-to-read: a read-then-write check would race when the
// agent retries a lost tool response and calls the binder twice.
package notebook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates the requested notebook does not exist.
var ErrNotFound = errors.New("notebook not found")

// uniqueViolation is the PostgreSQL error code for unique constraint violations.
const uniqueViolation = "23505"

// Notebook is the dedicated content container owned by one agent session.
type Notebook struct {
	ID          uuid.UUID
	OwnerID     string
	SessionID   uuid.UUID
	Title       string
	Description string
	CreatedAt   time.Time
}

// Store manages notebook persistence. Safe for concurrent use.
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

const notebookColumns = `id, owner_id, session_id, title, description, created_at`

// CreateOrGet creates the notebook for sessionID, or returns the existing
// one. N concurrent callers all observe the same notebook id: the insert
// either wins or hits the unique constraint, in which case the existing row
// is read back. The title/description of a losing insert are discarded.
func (s *Store) CreateOrGet(ctx context.Context, ownerID string, sessionID uuid.UUID, title, description string) (*Notebook, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO notebooks (owner_id, session_id, title, description)
		VALUES ($1, $2, $3, $4)
		RETURNING `+notebookColumns,
		ownerID, sessionID, title, description)

	nb, err := scanNotebook(row)
	if err == nil {
		s.logger.Debug("created notebook", "id", nb.ID, "session_id", sessionID)
		return nb, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return nil, fmt.Errorf("creating notebook for session %s: %w", sessionID, err)
	}

	// Lost the race (or the agent retried): the notebook already exists.
	return s.GetBySession(ctx, sessionID)
}

// Get retrieves a notebook by ID.
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Notebook, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+notebookColumns+` FROM notebooks WHERE id = $1`, id)

	nb, err := scanNotebook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting notebook %s: %w", id, err)
	}
	return nb, nil
}

// GetBySession retrieves the notebook bound to sessionID.
func (s *Store) GetBySession(ctx context.Context, sessionID uuid.UUID) (*Notebook, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+notebookColumns+` FROM notebooks WHERE session_id = $1`, sessionID)

	nb, err := scanNotebook(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting notebook for session %s: %w", sessionID, err)
	}
	return nb, nil
}

func scanNotebook(row pgx.Row) (*Notebook, error) {
	var nb Notebook
	if err := row.Scan(&nb.ID, &nb.OwnerID, &nb.SessionID, &nb.Title,
		&nb.Description, &nb.CreatedAt); err != nil {
		return nil, err
	}
	return &nb, nil
}
