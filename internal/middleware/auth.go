package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/elevenyellow/pardon-simulator-sub002/internal/audit"
)

// SecretAuthMiddleware guards a route group with a shared bearer secret.
// The internal maintenance surface and the agent surface each get their
// own instance with their own secret.
type SecretAuthMiddleware struct {
	name   string
	secret string
}

func NewSecretAuthMiddleware(name, secret string) *SecretAuthMiddleware {
	return &SecretAuthMiddleware{name: name, secret: secret}
}

func (m *SecretAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.secret == "" {
			log.Error().Str("surface", m.name).Msg("auth middleware: secret not configured, rejecting")
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Authentication not configured",
			})
			return
		}

		token := extractBearer(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(m.secret)) != 1 {
			audit.Log(r.Context(), audit.Event{
				Type: audit.EventAuthFailure,
				Details: map[string]interface{}{
					"surface": m.name,
					"path":    r.URL.Path,
				},
			})
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid token",
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}

func extractBearer(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}
