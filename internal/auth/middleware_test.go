package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
)

func TestRequireAuth(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	authHandler := RequireAuth("s3cret-token", zerolog.Nop())(handler)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"allows the configured token", "Bearer s3cret-token", http.StatusOK},
		{"scheme is case-insensitive", "bearer   s3cret-token", http.StatusOK},
		{"rejects a missing header", "", http.StatusUnauthorized},
		{"rejects an invalid format", "InvalidFormat", http.StatusUnauthorized},
		{"rejects the wrong scheme", "Basic s3cret-token", http.StatusUnauthorized},
		{"rejects an empty token", "Bearer ", http.StatusUnauthorized},
		{"rejects a wrong token", "Bearer s3cret-tokeN", http.StatusUnauthorized},
		{"rejects a token prefix", "Bearer s3cret", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}

			rr := httptest.NewRecorder()
			authHandler.ServeHTTP(rr, req)

			if rr.Code != tt.want {
				t.Errorf("Expected status %d, got %d", tt.want, rr.Code)
			}
		})
	}
}

func TestRequireAuthWithoutConfiguredToken(t *testing.T) {
	authHandler := RequireAuth("", zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("Handler should not be reached")
	}))

	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rr := httptest.NewRecorder()
	authHandler.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Errorf("Expected status 401, got %d", rr.Code)
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer abc def")

	token, ok := BearerToken(req)
	if !ok || token != "abc def" {
		t.Errorf("Expected token %q, got %q (ok=%v)", "abc def", token, ok)
	}
}
