package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// RequiredRole maps a request to the minimum role allowed to make it.
// Reads need viewer; status changes need admin; other writes need operator.
func RequiredRole(r *http.Request) Role {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return RoleViewer
	}
	if strings.HasSuffix(r.URL.Path, "/status") {
		return RoleAdmin
	}
	return RoleOperator
}

// Middleware validates bearer tokens and enforces roles.
type Middleware struct {
	secret []byte
	logger *slog.Logger
}

// NewMiddleware returns nil for an empty secret; a nil Middleware passes
// requests through.
func NewMiddleware(secret []byte, logger *slog.Logger) *Middleware {
	if len(secret) == 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Middleware{secret: secret, logger: logger}
}

// Wrap applies auth to next. It has the chi middleware signature.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := ParseJWT(extractBearer(r), m.secret)
		if err != nil {
			m.logger.Debug("auth rejected", "path", r.URL.Path, "err", err)
			writeError(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		role, _ := NormalizeRole(claims.Role)
		if !RoleAtLeast(role, RequiredRole(r)) {
			writeError(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), role, claims.Subject)))
	})
}

// extractBearer reads the Authorization header, falling back to the token
// query parameter for WebSocket clients that cannot set headers.
func extractBearer(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.Fields(header)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return ""
		}
		return parts[1]
	}
	return r.URL.Query().Get("token")
}

func writeError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
