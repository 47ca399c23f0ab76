package middleware

import (
	"net/http"
	"strings"

	"github.com/mkravets/descgen/internal/api/response"
	"golang.org/x/crypto/bcrypt"
)

// Auth guards operator-only routes. The admin key is configured as a
// bcrypt hash; an empty hash disables the routes entirely.
type Auth struct {
	adminKeyHash string
}

// NewAuth creates a new Auth middleware.
func NewAuth(adminKeyHash string) *Auth {
	return &Auth{adminKeyHash: adminKeyHash}
}

// RequireAdminKey validates the Bearer token against the configured
// bcrypt hash.
func (a *Auth) RequireAdminKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminKeyHash == "" {
			response.Error(w, http.StatusNotFound,
				"NOT_FOUND", "Resource not found", nil)
			return
		}

		rawKey := extractBearerToken(r)
		if rawKey == "" {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Missing or invalid Authorization header", nil)
			return
		}

		if bcrypt.CompareHashAndPassword([]byte(a.adminKeyHash), []byte(rawKey)) != nil {
			response.Error(w, http.StatusUnauthorized,
				"INVALID_TOKEN", "Invalid admin key", nil)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
