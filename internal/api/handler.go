package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/core"
	"github.com/courierhq/courier/internal/engine"
	"github.com/courierhq/courier/internal/idempotency"
	"github.com/courierhq/courier/internal/lifecycle"
	"github.com/courierhq/courier/internal/queue"
)

// Engine is the notification service surface consumed by the HTTP layer.
type Engine interface {
	CreateNotification(ctx context.Context, req engine.CreateRequest) (*core.Notification, error)
	GetNotification(ctx context.Context, id uuid.UUID) (*core.Notification, error)
	ListNotifications(ctx context.Context, f core.Filter) ([]*core.Notification, error)
	GetErrors(ctx context.Context, id uuid.UUID) ([]*core.NotificationError, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status core.Status) (*core.Notification, error)
	Cancel(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
	QueueMetrics(ctx context.Context) (queue.Metrics, error)
	PauseDispatch()
	ResumeDispatch()
	DeliveryMetrics(ctx context.Context, from, to time.Time) (*core.DeliveryMetrics, error)
	ChannelStatistics(ctx context.Context, from, to time.Time) ([]*core.ChannelStatistics, error)
	ExportErrors(ctx context.Context, w io.Writer, format engine.ExportFormat, from, to time.Time) error
}

// Batches is the batch coordinator surface consumed by the HTTP layer.
type Batches interface {
	Create(ctx context.Context, name string) (*core.Batch, error)
	Get(ctx context.Context, id uuid.UUID) (*core.Batch, error)
	AddMembers(ctx context.Context, batchID uuid.UUID, notificationIDs []uuid.UUID) error
	Process(ctx context.Context, batchID uuid.UUID) (*core.Batch, error)
	Retry(ctx context.Context, batchID uuid.UUID) (*core.Batch, error)
	Cancel(ctx context.Context, batchID uuid.UUID) (bool, error)
	Health(ctx context.Context) (*core.BatchHealth, error)
}

// NotificationRequest represents the incoming request body
type NotificationRequest struct {
	Type        string         `json:"type"`
	Channel     string         `json:"channel"`
	Priority    string         `json:"priority,omitempty"`
	Recipient   core.Recipient `json:"recipient"`
	Content     core.Content   `json:"content"`
	Subject     string         `json:"subject,omitempty"`
	MaxAttempts int            `json:"max_attempts,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Metadata    core.Metadata  `json:"metadata,omitempty"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	engine      Engine
	batches     Batches
	idempotency *idempotency.Service // nil disables dedup
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, eng Engine, batches Batches) *Handler {
	return &Handler{
		logger:  logger,
		engine:  eng,
		batches: batches,
	}
}

// NewHandlerWithIdempotency creates a handler that honors the
// Idempotency-Key header on notification creation.
func NewHandlerWithIdempotency(logger *zap.Logger, eng Engine, batches Batches, idem *idempotency.Service) *Handler {
	h := NewHandler(logger, eng, batches)
	h.idempotency = idem
	return h
}

// CreateNotification handles POST /v1/notifications
// Supports idempotency via the Idempotency-Key header.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")
	source := r.Header.Get("X-Source")
	if source == "" {
		source = "default"
	}

	var req NotificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached, err := h.idempotency.CheckOrReserve(ctx, source, idempotencyKey)
		if err != nil {
			if errors.Is(err, idempotency.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cached != nil {
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, map[string]string{"id": cached.NotificationID})
			return
		}
	}

	notif, err := h.engine.CreateNotification(ctx, engine.CreateRequest{
		Type:        core.NotificationType(req.Type),
		Channel:     core.Channel(req.Channel),
		Priority:    core.Priority(req.Priority),
		Recipient:   req.Recipient,
		Content:     req.Content,
		Subject:     req.Subject,
		MaxAttempts: req.MaxAttempts,
		Tags:        req.Tags,
		Metadata:    req.Metadata,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		h.writeServiceError(w, err, "failed to create notification")
		return
	}

	h.logger.Info("notification created",
		zap.String("id", notif.ID.String()),
		zap.String("channel", notif.Channel.String()),
		zap.String("priority", notif.Priority.String()),
	)

	if idempotencyKey != "" && h.idempotency != nil {
		if err := h.idempotency.Store(ctx, source, idempotencyKey, &idempotency.Result{
			NotificationID: notif.ID.String(),
			StatusCode:     http.StatusCreated,
		}); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, notif)
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	notif, err := h.engine.GetNotification(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to get notification")
		return
	}

	h.writeJSON(w, http.StatusOK, notif)
}

// ListNotifications handles GET /v1/notifications with filter and
// pagination query parameters.
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := core.Filter{
		Status:         core.Status(q.Get("status")),
		Priority:       core.Priority(q.Get("priority")),
		Channel:        core.Channel(q.Get("channel")),
		Type:           core.NotificationType(q.Get("type")),
		RecipientID:    q.Get("recipient_id"),
		RecipientEmail: q.Get("recipient_email"),
		Limit:          20,
	}
	if tags, ok := q["tag"]; ok {
		f.Tags = tags
	}
	if from, err := parseTimeParam(q.Get("from")); err == nil && from != nil {
		f.From = from
	}
	if to, err := parseTimeParam(q.Get("to")); err == nil && to != nil {
		f.To = to
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= core.MaxPageSize {
			f.Limit = l
		}
	}
	if offsetStr := q.Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			f.Offset = o
		}
	}

	notifications, err := h.engine.ListNotifications(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, err, "failed to list notifications")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":   notifications,
		"limit":  f.Limit,
		"offset": f.Offset,
		"count":  len(notifications),
	})
}

// UpdateNotificationStatus handles PATCH /v1/notifications/{id}/status
func (h *Handler) UpdateNotificationStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	var req struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	notif, err := h.engine.UpdateStatus(r.Context(), id, core.Status(req.Status))
	if err != nil {
		h.writeServiceError(w, err, "failed to update notification status")
		return
	}

	h.logger.Info("notification status updated",
		zap.String("id", id.String()),
		zap.String("status", req.Status),
	)

	h.writeJSON(w, http.StatusOK, notif)
}

// CancelNotification handles POST /v1/notifications/{id}/cancel
func (h *Handler) CancelNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.engine.Cancel(r.Context(), id); err != nil {
		h.writeServiceError(w, err, "failed to cancel notification")
		return
	}

	h.logger.Info("notification cancelled", zap.String("id", id.String()))

	h.writeJSON(w, http.StatusOK, map[string]string{
		"id":     id.String(),
		"status": core.StatusCancelled.String(),
	})
}

// DeleteNotification handles DELETE /v1/notifications/{id}
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	if err := h.engine.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, err, "failed to delete notification")
		return
	}

	h.logger.Info("notification deleted", zap.String("id", id.String()))

	w.WriteHeader(http.StatusNoContent)
}

// GetNotificationErrors handles GET /v1/notifications/{id}/errors
func (h *Handler) GetNotificationErrors(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	entries, err := h.engine.GetErrors(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, "failed to get notification errors")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  entries,
		"count": len(entries),
	})
}

// GetQueueMetrics handles GET /v1/queue
func (h *Handler) GetQueueMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := h.engine.QueueMetrics(r.Context())
	if err != nil {
		h.writeServiceError(w, err, "failed to get queue metrics")
		return
	}

	h.writeJSON(w, http.StatusOK, m)
}

// PauseQueue handles POST /v1/queue/pause
func (h *Handler) PauseQueue(w http.ResponseWriter, r *http.Request) {
	h.engine.PauseDispatch()
	h.writeJSON(w, http.StatusOK, map[string]string{"dispatch": "paused"})
}

// ResumeQueue handles POST /v1/queue/resume
func (h *Handler) ResumeQueue(w http.ResponseWriter, r *http.Request) {
	h.engine.ResumeDispatch()
	h.writeJSON(w, http.StatusOK, map[string]string{"dispatch": "running"})
}

// pathID extracts and parses the {id} URL parameter, writing a 400 on
// failure.
func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func parseTimeParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// writeServiceError maps service errors to HTTP status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, logMsg string) {
	switch {
	case errors.Is(err, core.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Resource not found", err.Error())
	case core.IsValidation(err):
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Validation failed", err.Error())
	case errors.Is(err, lifecycle.ErrCancelNotApplicable):
		h.writeError(w, http.StatusConflict, "not_cancellable", "Notification can no longer be cancelled", err.Error())
	case errors.Is(err, core.ErrInvalidTransition):
		h.writeError(w, http.StatusConflict, "invalid_transition", "Status transition not allowed", err.Error())
	default:
		h.logger.Error(logMsg, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Internal server error", "")
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
