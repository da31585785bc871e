package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/courierhq/courier/internal/engine"
)

// analyticsWindow parses from/to query parameters, defaulting to the
// last 24 hours.
func analyticsWindow(r *http.Request) (time.Time, time.Time) {
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)

	if t, err := parseTimeParam(r.URL.Query().Get("from")); err == nil && t != nil {
		from = *t
	}
	if t, err := parseTimeParam(r.URL.Query().Get("to")); err == nil && t != nil {
		to = *t
	}
	return from, to
}

// GetDeliveryMetrics handles GET /v1/analytics/deliveries
func (h *Handler) GetDeliveryMetrics(w http.ResponseWriter, r *http.Request) {
	from, to := analyticsWindow(r)

	m, err := h.engine.DeliveryMetrics(r.Context(), from, to)
	if err != nil {
		h.writeServiceError(w, err, "failed to compute delivery metrics")
		return
	}

	h.writeJSON(w, http.StatusOK, m)
}

// GetChannelStatistics handles GET /v1/analytics/channels
func (h *Handler) GetChannelStatistics(w http.ResponseWriter, r *http.Request) {
	from, to := analyticsWindow(r)

	stats, err := h.engine.ChannelStatistics(r.Context(), from, to)
	if err != nil {
		h.writeServiceError(w, err, "failed to compute channel statistics")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data":  stats,
		"count": len(stats),
	})
}

// ExportErrors handles GET /v1/analytics/errors/export?format=json|csv
func (h *Handler) ExportErrors(w http.ResponseWriter, r *http.Request) {
	from, to := analyticsWindow(r)

	format := engine.ExportFormat(r.URL.Query().Get("format"))
	if format == "" {
		format = engine.ExportJSON
	}

	switch format {
	case engine.ExportJSON:
		w.Header().Set("Content-Type", "application/json")
	case engine.ExportCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="notification_errors.csv"`)
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid format", "format must be json or csv")
		return
	}

	if err := h.engine.ExportErrors(r.Context(), w, format, from, to); err != nil {
		// Headers are already out; log and abort the body.
		h.logger.Error("error export failed", zap.Error(err))
	}
}
