package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"usage_meter/internal/metering"
	"usage_meter/internal/models"
	"usage_meter/internal/queue"
	"usage_meter/internal/storage"
)

const (
	defaultDeadLetterLimit = 100
	retryAfterSeconds      = "1"
)

type handler struct {
	deps *Dependencies
}

// AttachmentLinkedRequest is the body of the attachment linkage hook
type AttachmentLinkedRequest struct {
	AttachmentID string                  `json:"attachment_id"`
	MessageID    string                  `json:"message_id"`
	Source       models.AttachmentSource `json:"source"`
}

// AttachmentLinkedResponse lists the recomputes triggered by one linkage
type AttachmentLinkedResponse struct {
	Results []*metering.Result `json:"results"`
}

func (h *handler) async() bool {
	return h.deps.Publisher != nil
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	if h.deps.Health != nil {
		if err := h.deps.Health.Ping(r.Context()); err != nil {
			h.deps.Logger.Warn("Health check failed", "error", err)
			respondWithError(w, http.StatusServiceUnavailable, "storage unavailable")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// POST /v1/hooks/assistant-messages/{messageID}
func (h *handler) assistantMessageCreated(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	if h.async() {
		ev, err := h.deps.Publisher.PublishAssistantMessageCreated(r.Context(), messageID)
		if err != nil {
			h.respondPublishError(w, err)
			return
		}
		respondWithJSON(w, http.StatusAccepted, ev)
		return
	}

	res, err := h.deps.Orchestrator.OnAssistantMessageCreated(r.Context(), messageID)
	if err != nil {
		h.respondMeteringError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

// POST /v1/hooks/attachments/linked
func (h *handler) attachmentLinked(w http.ResponseWriter, r *http.Request) {
	var req AttachmentLinkedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AttachmentID == "" || req.MessageID == "" {
		respondWithError(w, http.StatusBadRequest, "attachment_id and message_id are required")
		return
	}

	if h.async() {
		ev, err := h.deps.Publisher.PublishAttachmentLinked(r.Context(), req.AttachmentID, req.MessageID, req.Source)
		if err != nil {
			h.respondPublishError(w, err)
			return
		}
		respondWithJSON(w, http.StatusAccepted, ev)
		return
	}

	results, err := h.deps.Orchestrator.OnAttachmentLinked(r.Context(), req.AttachmentID, req.MessageID, req.Source)
	if err != nil {
		h.respondMeteringError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, AttachmentLinkedResponse{Results: results})
}

// POST /v1/admin/messages/{messageID}/recompute
func (h *handler) recompute(w http.ResponseWriter, r *http.Request) {
	messageID := chi.URLParam(r, "messageID")

	if h.async() {
		ev, err := h.deps.Publisher.PublishManualRecompute(r.Context(), messageID)
		if err != nil {
			h.respondPublishError(w, err)
			return
		}
		respondWithJSON(w, http.StatusAccepted, ev)
		return
	}

	res, err := h.deps.Orchestrator.Recompute(r.Context(), messageID, metering.TriggerManual)
	if err != nil {
		h.respondMeteringError(w, err)
		return
	}
	respondWithJSON(w, http.StatusOK, res)
}

// POST /v1/admin/pricing/{modelID}/invalidate
func (h *handler) invalidatePricing(w http.ResponseWriter, r *http.Request) {
	if h.deps.Pricing != nil {
		h.deps.Pricing.Invalidate(chi.URLParam(r, "modelID"))
	}
	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/users/{userID}/usage/{day}
func (h *handler) getDailyUsage(w http.ResponseWriter, r *http.Request) {
	day, err := models.ParseUsageDay(chi.URLParam(r, "day"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	daily, err := h.deps.Orchestrator.GetDailyUsage(r.Context(), chi.URLParam(r, "userID"), day)
	if err != nil {
		h.deps.Logger.Error("Failed to read daily usage", "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to read daily usage")
		return
	}
	respondWithJSON(w, http.StatusOK, daily)
}

// GET /v1/messages/{messageID}/cost
func (h *handler) getCostRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.deps.Orchestrator.GetCostRecord(r.Context(), chi.URLParam(r, "messageID"))
	if errors.Is(err, storage.ErrCostRecordNotFound) {
		respondWithError(w, http.StatusNotFound, "cost record not found")
		return
	}
	if err != nil {
		h.deps.Logger.Error("Failed to read cost record", "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to read cost record")
		return
	}
	respondWithJSON(w, http.StatusOK, rec)
}

// GET /v1/admin/dead-letters?limit=N
func (h *handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	items, err := h.deps.Worker.DeadLetterItems(r.Context(), limit)
	if err != nil {
		h.deps.Logger.Error("Failed to list dead letters", "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if items == nil {
		items = []queue.DeadLetterItem{}
	}
	respondWithJSON(w, http.StatusOK, items)
}

// POST /v1/admin/dead-letters/{itemID}/retry
func (h *handler) retryDeadLetter(w http.ResponseWriter, r *http.Request) {
	err := h.deps.Worker.RetryDeadLetterItem(r.Context(), chi.URLParam(r, "itemID"))
	if errors.Is(err, queue.ErrItemNotFound) {
		respondWithError(w, http.StatusNotFound, "dead letter item not found")
		return
	}
	if err != nil {
		h.deps.Logger.Error("Failed to retry dead letter", "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to retry dead letter")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondMeteringError maps orchestrator failures onto status codes
func (h *handler) respondMeteringError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrMessageNotFound), errors.Is(err, storage.ErrAttachmentNotFound):
		respondWithError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, metering.ErrInvalidSource):
		respondWithError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, metering.ErrNotAssistantMessage):
		respondWithError(w, http.StatusUnprocessableEntity, err.Error())
	case metering.IsRetryable(err):
		w.Header().Set("Retry-After", retryAfterSeconds)
		respondWithError(w, http.StatusServiceUnavailable, "recompute failed, retry later")
	default:
		h.deps.Logger.Error("Recompute failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "recompute failed")
	}
}

func (h *handler) respondPublishError(w http.ResponseWriter, err error) {
	if errors.Is(err, metering.ErrInvalidSource) {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.deps.Logger.Error("Failed to enqueue recompute event", "error", err)
	w.Header().Set("Retry-After", retryAfterSeconds)
	respondWithError(w, http.StatusServiceUnavailable, "failed to enqueue event")
}
