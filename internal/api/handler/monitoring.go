package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/mkravets/descgen/internal/api/response"
	"github.com/mkravets/descgen/internal/store"
)

const (
	defaultMetricsWindowHours = 24
	defaultFailureListLimit   = 50
	maxFailureListLimit       = 500
)

// NewWebhookMetricsHandler returns an http.HandlerFunc for
// GET /api/v1/webhooks/metrics.
func NewWebhookMetricsHandler(st store.Store, maxAttempts int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hours := defaultMetricsWindowHours
		if v := r.URL.Query().Get("hours"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"hours must be a positive integer", nil)
				return
			}
			hours = n
		}

		since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
		metrics, err := st.DeliveryMetrics(r.Context(), since, maxAttempts)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, map[string]any{
			"window_hours": hours,
			"metrics":      metrics,
		})
	}
}

// NewFailedWebhooksHandler returns an http.HandlerFunc for
// GET /api/v1/webhooks/failed: deliveries that exhausted their retries.
func NewFailedWebhooksHandler(st store.Store, maxAttempts int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultFailureListLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					"limit must be a positive integer", nil)
				return
			}
			limit = min(n, maxFailureListLimit)
		}

		failures, err := st.ListPermanentFailures(r.Context(), maxAttempts, limit)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		type failedDelivery struct {
			DeliveryID    string     `json:"delivery_id"`
			JobID         string     `json:"job_id"`
			WebhookURL    string     `json:"webhook_url"`
			AttemptCount  int        `json:"attempt_count"`
			LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
			ErrorMessage  *string    `json:"error_message,omitempty"`
		}
		out := make([]failedDelivery, 0, len(failures))
		for _, f := range failures {
			out = append(out, failedDelivery{
				DeliveryID:    f.ID.String(),
				JobID:         f.JobID.String(),
				WebhookURL:    f.WebhookURL,
				AttemptCount:  f.AttemptCount,
				LastAttemptAt: f.LastAttemptAt,
				ErrorMessage:  f.ErrorMessage,
			})
		}

		response.JSON(w, map[string]any{
			"count":    len(out),
			"failures": out,
		})
	}
}
