package api

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// AuthMiddleware enforces bearer-token auth on mutating endpoints (spec.md
// §6: "all mutating endpoints require bearer-token auth; constant-time
// compare"). Grounded on Heikkila-Pty-Ltd-cortex's internal/api/auth.go
// shape (extractToken, AuditEvent, RequireAuth), corrected to use
// crypto/subtle.ConstantTimeCompare instead of cortex's plain `==` token
// comparison — see DESIGN.md.
type AuthMiddleware struct {
	token  string
	logger *slog.Logger
}

// NewAuthMiddleware builds an AuthMiddleware checking against token.
func NewAuthMiddleware(token string, logger *slog.Logger) *AuthMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthMiddleware{token: token, logger: logger}
}

// AuditEvent is one structured log line per authenticated request
// (cortex's auth.go writes these to a dedicated file; this repo logs them
// through the shared slog logger instead).
type AuditEvent struct {
	Timestamp  time.Time `json:"timestamp"`
	RemoteAddr string    `json:"remote_addr"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Authorized bool      `json:"authorized"`
	Error      string    `json:"error,omitempty"`
}

func (am *AuthMiddleware) logAuditEvent(event AuditEvent) {
	am.logger.Info("api audit", "method", event.Method, "path", event.Path,
		"remote_addr", event.RemoteAddr, "authorized", event.Authorized, "error", event.Error)
}

// extractToken reads the bearer token from the Authorization header.
func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return parts[1]
}

// validToken performs a constant-time comparison against the configured
// token, so a valid prefix cannot be distinguished from a total mismatch
// by response timing (spec.md §6's explicit requirement).
func (am *AuthMiddleware) validToken(token string) bool {
	if token == "" || am.token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(am.token)) == 1
}

// RequireAuth wraps a handler so it only runs when the request carries a
// valid bearer token, responding 401 otherwise.
func (am *AuthMiddleware) RequireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		event := AuditEvent{
			Timestamp:  time.Now(),
			RemoteAddr: r.RemoteAddr,
			Method:     r.Method,
			Path:       r.URL.Path,
		}

		token := extractToken(r)
		if !am.validToken(token) {
			event.Authorized = false
			event.Error = "invalid or missing token"
			am.logAuditEvent(event)

			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized: valid bearer token required")
			return
		}

		event.Authorized = true
		am.logAuditEvent(event)
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
