package api

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// BatchRequest represents the incoming batch creation body
type BatchRequest struct {
	Name string `json:"name"`
}

// BatchMembersRequest represents the add-members body
type BatchMembersRequest struct {
	NotificationIDs []string `json:"notification_ids"`
}

// CreateBatch handles POST /v1/batches
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	b, err := h.batches.Create(r.Context(), req.Name)
	if err != nil {
		h.writeServiceError(w, err, "failed to create batch")
		return
	}

	h.logger.Info("batch created",
		zap.String("id", b.ID.String()),
		zap.String("name", b.Name),
	)

	h.writeJSON(w, http.StatusCreated, b)
}

// GetBatch handles GET /v1/batches/{id}
func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	b, err := h.batches.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to get batch")
		return
	}

	h.writeJSON(w, http.StatusOK, b)
}

// AddBatchMembers handles POST /v1/batches/{id}/notifications
func (h *Handler) AddBatchMembers(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req BatchMembersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	ids := make([]uuid.UUID, 0, len(req.NotificationIDs))
	for _, raw := range req.NotificationIDs {
		nid, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID",
				raw+" is not a valid UUID")
			return
		}
		ids = append(ids, nid)
	}

	if err := h.batches.AddMembers(r.Context(), id, ids); err != nil {
		h.writeServiceError(w, err, "failed to add batch members")
		return
	}

	h.logger.Info("batch members added",
		zap.String("batch_id", id.String()),
		zap.Int("count", len(ids)),
	)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id": id.String(),
		"added":    len(ids),
	})
}

// ProcessBatch handles POST /v1/batches/{id}/process
func (h *Handler) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	b, err := h.batches.Process(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to process batch")
		return
	}

	h.writeJSON(w, http.StatusOK, b)
}

// RetryBatch handles POST /v1/batches/{id}/retry
func (h *Handler) RetryBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	b, err := h.batches.Retry(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to retry batch")
		return
	}

	h.logger.Info("batch retried",
		zap.String("batch_id", id.String()),
		zap.String("retry_batch_id", b.ID.String()),
	)

	h.writeJSON(w, http.StatusCreated, b)
}

// CancelBatch handles POST /v1/batches/{id}/cancel. Cancelling an
// already-active batch reports cancelled=false rather than an error.
func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	cancelled, err := h.batches.Cancel(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to cancel batch")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"batch_id":  id.String(),
		"cancelled": cancelled,
	})
}

// GetBatchHealth handles GET /v1/batches/health
func (h *Handler) GetBatchHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.batches.Health(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "failed to get batch health")
		return
	}

	h.writeJSON(w, http.StatusOK, health)
}
