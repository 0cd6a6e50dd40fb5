package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/koopa0/agentlink/internal/delivery"
	"github.com/koopa0/agentlink/internal/session"
)

// deliveryHandler serves delivery status lookups.
type deliveryHandler struct {
	queue    *delivery.Queue
	sessions *session.Store
	logger   *slog.Logger
}

// getDelivery handles GET /api/v1/deliveries/{id}: the status of one
// delivery attempt, for clients polling whether a follow-up reached the
// agent.
func (h *deliveryHandler) getDelivery(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		WriteError(w, http.StatusBadRequest, "invalid_id", "delivery id must be a UUID", h.logger)
		return
	}

	att, err := h.queue.Get(r.Context(), id)
	if errors.Is(err, delivery.ErrNotFound) {
		WriteError(w, http.StatusNotFound, "delivery_not_found", "delivery does not exist", h.logger)
		return
	}
	if err != nil {
		h.logger.Error("loading delivery", "delivery_id", id, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "failed to load delivery", h.logger)
		return
	}

	sess, err := h.sessions.Get(r.Context(), att.SessionID)
	if err != nil {
		h.logger.Error("loading session", "session_id", att.SessionID, "error", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "failed to load delivery", h.logger)
		return
	}
	if sess.OwnerID != userID {
		WriteError(w, http.StatusNotFound, "delivery_not_found", "delivery does not exist", h.logger)
		return
	}

	body := map[string]any{
		"id":            att.ID,
		"messageId":     att.MessageID,
		"sessionId":     att.SessionID,
		"outcome":       att.Outcome,
		"attemptNumber": att.AttemptNumber,
		"createdAt":     att.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":     att.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if att.LastStatus != 0 {
		body["lastStatus"] = att.LastStatus
	}
	if att.LastError != "" {
		body["lastError"] = att.LastError
	}
	if att.Outcome == delivery.OutcomeRetrying {
		body["nextRetryAt"] = att.NextRetryAt.UTC().Format(time.RFC3339)
	}
	WriteJSON(w, http.StatusOK, body)
}
