package middleware

import (
	"net/http"

	"portal-realtime/pkg/logger"
)

// CORSWithLogging sets permissive CORS headers on the plain net/http routes
// (the websocket upgrade). The REST routes use echo's CORS middleware.
func CORSWithLogging(log logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			log.Debug("CORS request",
				"method", r.Method,
				"path", r.URL.Path,
				"origin", origin,
				"user_agent", r.Header.Get("User-Agent"))

			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Authorization, X-Requested-With")
			w.Header().Set("Access-Control-Max-Age", "86400")

			// Handle preflight OPTIONS request
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
