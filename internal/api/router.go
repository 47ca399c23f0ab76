package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/mkravets/descgen/internal/api/middleware"
	"github.com/mkravets/descgen/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler    http.HandlerFunc
	CreateJobHandler http.HandlerFunc
	JobStatusHandler http.HandlerFunc
	CancelJobHandler http.HandlerFunc

	WebhookMetricsHandler http.HandlerFunc
	FailedWebhooksHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Job routes. Create requests authenticate themselves with an HMAC
	// signature checked in the handler.
	r.Group(func(r chi.Router) {
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs", orNotImplemented(deps.CreateJobHandler))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.JobStatusHandler))
		r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJobHandler))
	})

	// Operator routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.RequireAdminKey)

		r.Get("/api/v1/webhooks/metrics", orNotImplemented(deps.WebhookMetricsHandler))
		r.Get("/api/v1/webhooks/failed", orNotImplemented(deps.FailedWebhooksHandler))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
