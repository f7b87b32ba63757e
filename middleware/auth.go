package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"time"

	"github.com/malwarebo/portrait/utils"
)

const AdminKeyHeader = "X-Admin-Key"

type AdminAuth struct {
	apiKey string
}

func CreateAdminAuth(apiKey string) *AdminAuth {
	return &AdminAuth{apiKey: apiKey}
}

// RequireAdmin guards operator endpoints. With no key configured the admin
// surface is closed entirely.
func (a *AdminAuth) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.apiKey == "" {
			writeErrorResponse(w, http.StatusForbidden, "Admin API is disabled")
			return
		}

		key := r.Header.Get(AdminKeyHeader)
		if key == "" {
			writeErrorResponse(w, http.StatusUnauthorized, "Admin key required")
			return
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(a.apiKey)) != 1 {
			utils.Warn(r.Context(), "Rejected admin request", map[string]interface{}{
				"path":      r.URL.Path,
				"client_ip": utils.GetClientIP(r.Context()),
			})
			writeErrorResponse(w, http.StatusUnauthorized, "Invalid admin key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func HeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Resource-Policy", "same-origin")

		next.ServeHTTP(w, r)
	})
}

func writeErrorResponse(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := map[string]interface{}{
		"success":   false,
		"message":   message,
		"timestamp": time.Now().Format(time.RFC3339),
	}

	json.NewEncoder(w).Encode(response)
}
