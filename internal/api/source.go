package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/koopa0/agentlink/internal/conversation"
	"github.com/koopa0/agentlink/internal/delivery"
	"github.com/koopa0/agentlink/internal/session"
)

// maxFollowupBytes bounds a follow-up request body.
const maxFollowupBytes = 64 << 10

// sourceHandler serves the per-source conversation endpoints: posting
// follow-ups and reading the thread.
type sourceHandler struct {
	conversations *conversation.Store
	sessions      *session.Store
	dispatcher    *delivery.Dispatcher
	logger        *slog.Logger
}

type followupRequest struct {
	Message string `json:"message"`
}

// postFollowup handles POST /api/v1/sources/{id}/followups: append the
// user's message to the source's conversation and enqueue webhook delivery.
//
// The message is accepted (202) even when the agent session can no longer
// receive deliveries; the response then reports deliveryState "failed" so
// the client can tell the user the agent is gone.
func (h *sourceHandler) postFollowup(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())
	sourceID := r.PathValue("id")

	var req followupRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFollowupBytes)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_body", "request body must be JSON with a message field", h.logger)
		return
	}
	if req.Message == "" {
		WriteError(w, http.StatusBadRequest, "message_required", "message must not be empty", h.logger)
		return
	}

	if !h.ownsSource(w, r, userID, sourceID) {
		return
	}

	msg, att, err := h.dispatcher.EnqueueFollowup(r.Context(), sourceID, req.Message)
	switch {
	case errors.Is(err, conversation.ErrNotFound):
		WriteError(w, http.StatusNotFound, "source_not_found", "no conversation exists for this source", h.logger)
		return
	case errors.Is(err, delivery.ErrSessionInactive):
		WriteJSON(w, http.StatusAccepted, map[string]any{
			"messageId":     msg.ID,
			"deliveryState": conversation.StateFailed,
			"detail":        "agent session is no longer active; the message was recorded but will not be delivered",
		})
		return
	case err != nil:
		h.logger.Error("enqueueing followup", "source_id", sourceID, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "failed to record follow-up", h.logger)
		return
	}

	WriteJSON(w, http.StatusAccepted, map[string]any{
		"messageId":     msg.ID,
		"deliveryId":    att.ID,
		"deliveryState": msg.DeliveryState,
	})
}

type messageView struct {
	ID            string         `json:"id"`
	Role          string         `json:"role"`
	Content       string         `json:"content"`
	Sequence      int            `json:"sequence"`
	DeliveryState string         `json:"deliveryState,omitempty"`
	ResolvedBy    string         `json:"resolvedBy,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     string         `json:"timestamp"`
}

// getConversation handles GET /api/v1/sources/{id}/conversation.
func (h *sourceHandler) getConversation(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())
	sourceID := r.PathValue("id")

	if !h.ownsSource(w, r, userID, sourceID) {
		return
	}

	conv, msgs, err := h.conversations.Get(r.Context(), sourceID)
	if errors.Is(err, conversation.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "source_not_found", "no conversation exists for this source", h.logger)
		return
	}
	if err != nil {
		h.logger.Error("loading conversation", "source_id", sourceID, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "failed to load conversation", h.logger)
		return
	}

	views := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		mv := messageView{
			ID:            m.ID.String(),
			Role:          string(m.Role),
			Content:       m.Content,
			Sequence:      m.Sequence,
			DeliveryState: string(m.DeliveryState),
			ResolvedBy:    m.ResolvedBy,
			Timestamp:     m.CreatedAt.UTC().Format(time.RFC3339),
		}
		if len(m.Metadata) > 0 {
			mv.Metadata = m.Metadata
		}
		views = append(views, mv)
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"sourceId":    conv.SourceID,
		"sourceTitle": conv.SourceTitle,
		"sessionId":   conv.SessionID,
		"messages":    views,
	})
}

// ownsSource verifies the source's conversation belongs to one of the
// caller's sessions. Writes the error response and returns false otherwise;
// unknown sources pass through so the handler can report not-found itself.
func (h *sourceHandler) ownsSource(w http.ResponseWriter, r *http.Request, userID, sourceID string) bool {
	conv, _, err := h.conversations.Get(r.Context(), sourceID)
	if errors.Is(err, conversation.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "source_not_found", "no conversation exists for this source", h.logger)
		return false
	}
	if err != nil {
		h.logger.Error("loading conversation", "source_id", sourceID, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "failed to load conversation", h.logger)
		return false
	}

	sess, err := h.sessions.Get(r.Context(), conv.SessionID)
	if err != nil {
		h.logger.Error("loading session", "session_id", conv.SessionID, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "failed to load session", h.logger)
		return false
	}
	if sess.OwnerID != userID {
		// Same shape as an unknown source: do not leak existence.
		WriteError(w, http.StatusNotFound, "source_not_found", "no conversation exists for this source", h.logger)
		return false
	}
	return true
}
