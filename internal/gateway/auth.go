package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/basket/go-loom/internal/config"
)

type authContextKey struct{}

// openPaths skip authentication so health probes work without credentials.
var openPaths = map[string]bool{
	"/healthz": true,
}

// AuthMiddleware validates gateway API keys. The key set is fixed at
// construction; changing keys requires a daemon restart.
type AuthMiddleware struct {
	enabled bool
	keys    []config.APIKeyEntry
}

func NewAuthMiddleware(cfg config.AuthConfig) *AuthMiddleware {
	return &AuthMiddleware{enabled: cfg.Enabled, keys: cfg.Keys}
}

// Wrap enforces API key auth on every route except openPaths. The matched
// key entry rides the request context for downstream attribution.
func (am *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	if !am.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if openPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		candidate := ExtractAPIKey(r)
		if candidate == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		entry, ok := am.match(candidate)
		if !ok {
			writeError(w, http.StatusForbidden, "invalid API key")
			return
		}
		ctx := context.WithValue(r.Context(), authContextKey{}, entry)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// match scans the whole key set with constant-time compares; the scan never
// exits early, so response timing does not reveal which key matched.
func (am *AuthMiddleware) match(candidate string) (config.APIKeyEntry, bool) {
	var (
		found config.APIKeyEntry
		ok    bool
	)
	for _, entry := range am.keys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(entry.Key)) == 1 {
			found, ok = entry, true
		}
	}
	return found, ok
}

// ExtractAPIKey pulls an API key from Authorization: Bearer, the X-API-Key
// header, or the api_key query param, in that order. The query param covers
// SSE and websocket clients where setting headers is awkward.
func ExtractAPIKey(r *http.Request) string {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	return r.URL.Query().Get("api_key")
}

// KeyEntryFromContext returns the key entry the request authenticated with,
// or nil when auth is disabled.
func KeyEntryFromContext(ctx context.Context) *config.APIKeyEntry {
	if entry, ok := ctx.Value(authContextKey{}).(config.APIKeyEntry); ok {
		return &entry
	}
	return nil
}
