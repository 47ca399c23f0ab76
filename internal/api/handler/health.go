package handler

import (
	"context"
	"net/http"

	"github.com/mkravets/descgen/internal/api/response"
	"github.com/mkravets/descgen/internal/cache"
	"github.com/mkravets/descgen/internal/store"
)

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health.
// Reports degraded rather than failing outright when a dependency is down.
func NewHealthHandler(st store.Store, c cache.Cache) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"database": pingResult(r.Context(), st.Ping),
			"redis":    pingResult(r.Context(), c.Ping),
		}

		status := "ok"
		for _, v := range checks {
			if v != "ok" {
				status = "degraded"
			}
		}

		response.JSON(w, map[string]any{
			"status": status,
			"checks": checks,
		})
	}
}

func pingResult(ctx context.Context, ping func(context.Context) error) string {
	if err := ping(ctx); err != nil {
		return err.Error()
	}
	return "ok"
}
