// API authentication middleware — static bearer token.
//
// When the API key is non-empty, all requests MUST carry:
//
//	Authorization: Bearer <api_key>
//
// or:
//
//	X-API-Key: <api_key>
//
// Exempt routes (no token required):
//   - GET /bots/health
//
// WebSocket upgrade requests check the token in the query param as fallback:
//   ws://host/bots/ws?token=<api_key>
//
// When the key is empty, all requests are allowed through and a warning is
// logged once at startup.
package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/wafleet/wafleet/pkg/logger"
)

// authMiddleware wraps a handler with bearer token checking. If apiKey is
// empty the middleware is a pass-through (NewServer auto-generates a key so
// this branch should not be reached under normal operation).
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	if apiKey == "" {
		logger.WarnC("auth", "API auth DISABLED — this should not happen; auto-keygen failed")
		return next
	}

	logger.InfoC("auth", "API bearer token auth ENABLED")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		// OPTIONS preflight — let CORS middleware handle it
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}

		if !tokenValid(extractToken(r), apiKey) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="wafleet"`)
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "unauthorized — bearer token required",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractToken pulls the bearer token from the Authorization header, the
// X-API-Key header, or the ?token= query param (for WebSocket upgrades).
func extractToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(after)
		}
	}

	if key := r.Header.Get("X-API-Key"); key != "" {
		return strings.TrimSpace(key)
	}

	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}

	return ""
}

// tokenValid does a constant-time comparison to prevent timing attacks.
func tokenValid(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// isPublicPath returns true for paths that never require authentication.
func isPublicPath(path string) bool {
	return path == "/bots/health"
}
