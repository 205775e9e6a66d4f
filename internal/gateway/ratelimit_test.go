package gateway_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/basket/go-loom/internal/config"
	"github.com/basket/go-loom/internal/gateway"
)

func limitedHandler(cfg config.RateLimitConfig) http.Handler {
	return gateway.NewRateLimitMiddleware(cfg).Wrap(okHandler())
}

func keyedRequest(path, key string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	return req
}

func TestRateLimit_DisabledPassesThrough(t *testing.T) {
	handler := limitedHandler(config.RateLimitConfig{Enabled: false, RequestsPerMinute: 1, BurstSize: 1})

	for i := 0; i < 10; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, keyedRequest("/api/v1/jobs", "k1"))
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, rec.Code)
		}
	}
}

func TestRateLimit_BurstThenRejects(t *testing.T) {
	handler := limitedHandler(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 3})

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, keyedRequest("/api/v1/jobs", "k1"))
		if rec.Code != http.StatusOK {
			t.Fatalf("burst request %d status = %d, want 200", i, rec.Code)
		}
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, keyedRequest("/api/v1/jobs", "k1"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
}

func TestRateLimit_KeysGetSeparateBuckets(t *testing.T) {
	handler := limitedHandler(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1})

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, keyedRequest("/api/v1/jobs", "k1"))
	if rec.Code != http.StatusOK {
		t.Fatalf("k1 first request status = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, keyedRequest("/api/v1/jobs", "k1"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("k1 second request status = %d, want 429", rec.Code)
	}

	// A different key still has its full burst.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, keyedRequest("/api/v1/jobs", "k2"))
	if rec.Code != http.StatusOK {
		t.Fatalf("k2 first request status = %d, want 200", rec.Code)
	}
}

func TestRateLimit_SkipsHealthEndpoints(t *testing.T) {
	handler := limitedHandler(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 1})

	for i := 0; i < 5; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, keyedRequest("/healthz", "k1"))
		if rec.Code != http.StatusOK {
			t.Fatalf("healthz request %d status = %d, want 200", i, rec.Code)
		}
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, keyedRequest("/metrics", "k1"))
		if rec.Code != http.StatusOK {
			t.Fatalf("metrics request %d status = %d, want 200", i, rec.Code)
		}
	}
}

func TestRateLimit_EvictStale(t *testing.T) {
	rl := gateway.NewRateLimitMiddleware(config.RateLimitConfig{Enabled: true, RequestsPerMinute: 60, BurstSize: 5})
	handler := rl.Wrap(okHandler())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, keyedRequest("/api/v1/jobs", "k1"))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, keyedRequest("/api/v1/jobs", "k2"))
	if got := rl.BucketCount(); got != 2 {
		t.Fatalf("bucket count = %d, want 2", got)
	}

	if got := rl.EvictStale(0); got != 2 {
		t.Fatalf("evicted = %d, want 2", got)
	}
	if got := rl.BucketCount(); got != 0 {
		t.Fatalf("bucket count after eviction = %d, want 0", got)
	}
}
