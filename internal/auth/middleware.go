package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header. The scheme is matched case-insensitively (RFC 7235).
func BearerToken(r *http.Request) (string, bool) {
	fields := strings.Fields(r.Header.Get("Authorization"))
	if len(fields) < 2 || !strings.EqualFold(fields[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(strings.Join(fields[1:], " "))
	return token, token != ""
}

// ValidToken compares got against the configured token in constant time.
// An empty configured token rejects everything.
func ValidToken(expected, got string) bool {
	if expected == "" || got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(got)) == 1
}

// RequireAuth rejects requests without the configured bearer token with 401.
func RequireAuth(token string, log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := BearerToken(r)
			if !ok {
				log.Debug().Str("path", r.URL.Path).Msg("missing or malformed Authorization header")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !ValidToken(token, got) {
				log.Warn().Str("path", r.URL.Path).Msg("rejected request with invalid token")
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
