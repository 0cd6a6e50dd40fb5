package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/agentlink/internal/session"
)

// sessionHandler serves the user-facing session management endpoints.
type sessionHandler struct {
	sessions *session.Store
	logger   *slog.Logger
}

type sessionView struct {
	ID             string `json:"id"`
	AgentName      string `json:"agentName"`
	AgentKey       string `json:"agentKey"`
	Status         string `json:"status"`
	NotebookID     string `json:"notebookId,omitempty"`
	WebhookSet     bool   `json:"webhookSet"`
	LastActivityAt string `json:"lastActivityAt"`
	CreatedAt      string `json:"createdAt"`
}

// The webhook URL and secret never appear in user-facing views; the user
// needs to know a webhook exists, not where it points.
func toSessionView(s *session.Session) sessionView {
	v := sessionView{
		ID:             s.ID.String(),
		AgentName:      s.AgentName,
		AgentKey:       s.AgentKey,
		Status:         string(s.Status),
		WebhookSet:     s.WebhookURL != "",
		LastActivityAt: s.LastActivityAt.UTC().Format(time.RFC3339),
		CreatedAt:      s.CreatedAt.UTC().Format(time.RFC3339),
	}
	if s.NotebookID != uuid.Nil {
		v.NotebookID = s.NotebookID.String()
	}
	return v
}

// listSessions handles GET /api/v1/sessions.
func (h *sessionHandler) listSessions(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	sessions, err := h.sessions.List(r.Context(), userID)
	if err != nil {
		h.logger.Error("listing sessions", "user", userID, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "failed to list sessions", h.logger)
		return
	}

	views := make([]sessionView, 0, len(sessions))
	for _, s := range sessions {
		views = append(views, toSessionView(s))
	}
	WriteJSON(w, http.StatusOK, map[string]any{"sessions": views})
}

// getSession handles GET /api/v1/sessions/{id}.
func (h *sessionHandler) getSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	sess, ok := h.ownedSession(w, r, userID)
	if !ok {
		return
	}
	WriteJSON(w, http.StatusOK, toSessionView(sess))
}

// deleteSession handles DELETE /api/v1/sessions/{id}: the user revokes the
// agent's access. The session becomes disconnected; pending deliveries for
// it will settle as failed and the agent must reconnect to come back.
func (h *sessionHandler) deleteSession(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	sess, ok := h.ownedSession(w, r, userID)
	if !ok {
		return
	}

	err := h.sessions.Expire(r.Context(), sess.ID, session.StatusDisconnected)
	if errors.Is(err, session.ErrTerminal) {
		// Revoking twice is fine; the slot is already dead.
		WriteJSON(w, http.StatusOK, map[string]string{"status": string(sess.Status)})
		return
	}
	if err != nil {
		h.logger.Error("disconnecting session", "session_id", sess.ID, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "failed to disconnect session", h.logger)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]string{"status": string(session.StatusDisconnected)})
}

// ownedSession resolves {id} to a session owned by userID, writing the error
// response on failure.
func (h *sessionHandler) ownedSession(w http.ResponseWriter, r *http.Request, userID string) (*session.Session, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_id", "session id must be a UUID", h.logger)
		return nil, false
	}

	sess, err := h.sessions.Get(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "session_not_found", "session does not exist", h.logger)
		return nil, false
	}
	if err != nil {
		h.logger.Error("loading session", "session_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "failed to load session", h.logger)
		return nil, false
	}
	if sess.OwnerID != userID {
		WriteError(w, http.StatusNotFound, "session_not_found", "session does not exist", h.logger)
		return nil, false
	}
	return sess, true
}
