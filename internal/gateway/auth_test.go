package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/go-loom/internal/config"
	"github.com/basket/go-loom/internal/gateway"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := gateway.KeyEntryFromContext(r.Context())
		if entry != nil {
			w.Header().Set("X-Key-Name", entry.Name)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func authedConfig() config.AuthConfig {
	return config.AuthConfig{
		Enabled: true,
		Keys: []config.APIKeyEntry{
			{Key: "secret-token", Name: "operator", Role: "admin"},
		},
	}
}

func TestAuthMiddleware_DisabledPassesThrough(t *testing.T) {
	am := gateway.NewAuthMiddleware(config.AuthConfig{Enabled: false})
	handler := am.Wrap(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestAuthMiddleware_MissingKey(t *testing.T) {
	am := gateway.NewAuthMiddleware(authedConfig())
	handler := am.Wrap(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestAuthMiddleware_InvalidKey(t *testing.T) {
	am := gateway.NewAuthMiddleware(authedConfig())
	handler := am.Wrap(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestAuthMiddleware_ValidKeyReachesHandler(t *testing.T) {
	am := gateway.NewAuthMiddleware(authedConfig())
	handler := am.Wrap(okHandler())

	cases := []struct {
		name  string
		apply func(r *http.Request)
	}{
		{"bearer header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer secret-token") }},
		{"x-api-key header", func(r *http.Request) { r.Header.Set("X-API-Key", "secret-token") }},
		{"query param", func(r *http.Request) {
			q := r.URL.Query()
			q.Set("api_key", "secret-token")
			r.URL.RawQuery = q.Encode()
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil)
			tc.apply(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", rec.Code)
			}
			if got := rec.Header().Get("X-Key-Name"); got != "operator" {
				t.Fatalf("key entry name = %q, want operator", got)
			}
		})
	}
}

func TestAuthMiddleware_HealthzStaysOpen(t *testing.T) {
	am := gateway.NewAuthMiddleware(authedConfig())
	handler := am.Wrap(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestExtractAPIKey_Precedence(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?api_key=from-query", nil)
	req.Header.Set("X-API-Key", "from-header")
	req.Header.Set("Authorization", "Bearer from-bearer")

	if got := gateway.ExtractAPIKey(req); got != "from-bearer" {
		t.Fatalf("key = %q, want bearer to win", got)
	}

	req.Header.Del("Authorization")
	if got := gateway.ExtractAPIKey(req); got != "from-header" {
		t.Fatalf("key = %q, want header after bearer", got)
	}

	req.Header.Del("X-API-Key")
	if got := gateway.ExtractAPIKey(req); got != "from-query" {
		t.Fatalf("key = %q, want query fallback", got)
	}
}
