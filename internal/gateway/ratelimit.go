package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/basket/go-loom/internal/config"
)

// unmeteredPaths are exempt from rate limiting: health probes and metric
// scrapers poll on tight intervals and must not eat into a caller's budget.
var unmeteredPaths = map[string]bool{
	"/healthz":            true,
	"/metrics":            true,
	"/metrics/prometheus": true,
}

// bucket tracks one caller's remaining request allowance. Refill happens
// lazily on access, so idle buckets cost nothing until evicted.
type bucket struct {
	tokens float64
	last   time.Time
}

// RateLimitMiddleware enforces a per-caller token bucket, keyed by API key
// when present and client address otherwise. One lock guards all buckets;
// gateway traffic is operator-scale, not serving-scale.
type RateLimitMiddleware struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	enabled bool
	rate    float64 // tokens per second
	burst   float64
}

// NewRateLimitMiddleware builds the limiter. Zero or negative config
// values fall back to 60 requests per minute with a burst of 10.
func NewRateLimitMiddleware(cfg config.RateLimitConfig) *RateLimitMiddleware {
	rl := &RateLimitMiddleware{
		buckets: make(map[string]*bucket),
		enabled: cfg.Enabled,
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(cfg.BurstSize),
	}
	if cfg.RequestsPerMinute <= 0 {
		rl.rate = 1
	}
	if cfg.BurstSize <= 0 {
		rl.burst = 10
	}
	return rl
}

// allow consumes one token from key's bucket, reporting whether one was
// available. Unknown keys start with a full burst allowance.
func (rl *RateLimitMiddleware) allow(key string) bool {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.burst, last: now}
		rl.buckets[key] = b
	}

	b.tokens += now.Sub(b.last).Seconds() * rl.rate
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Wrap applies the limit to every metered route.
func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if !rl.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unmeteredPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		key := ExtractAPIKey(r)
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.allow(key) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// StartEviction drops buckets idle longer than maxAge on a fixed interval
// so the per-caller map cannot grow without bound.
func (rl *RateLimitMiddleware) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

// EvictStale removes buckets whose last request is older than maxAge and
// returns how many were dropped.
func (rl *RateLimitMiddleware) EvictStale(maxAge time.Duration) int {
	now := time.Now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	before := len(rl.buckets)
	for key, b := range rl.buckets {
		if now.Sub(b.last) > maxAge {
			delete(rl.buckets, key)
		}
	}
	return before - len(rl.buckets)
}

// BucketCount returns the number of tracked callers.
func (rl *RateLimitMiddleware) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}
