// Package ratelimit provides fixed-window rate limiting on the cache
// subsystem, keyed by client IP.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/tinkertools/proxygate/internal/platform/cache"
	"github.com/tinkertools/proxygate/internal/platform/http/realip"
)

// Config defines rate limiting parameters.
type Config struct {
	// RequestsPerWindow is the allowance per window.
	RequestsPerWindow int64

	// Window is the fixed window length.
	Window time.Duration

	// KeyPrefix is prepended to all limiter keys.
	KeyPrefix string
}

// DefaultConfig returns the stock limiter settings.
func DefaultConfig() *Config {
	return &Config{
		RequestsPerWindow: 300,
		Window:            time.Minute,
		KeyPrefix:         "ratelimit:",
	}
}

// Limiter counts requests per key in a cache backend.
type Limiter struct {
	counter cache.Counter
	cfg     *Config
}

// New creates a limiter on the given counter backend.
func New(counter cache.Counter, cfg *Config) *Limiter {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Limiter{counter: counter, cfg: cfg}
}

// Result is one admission decision.
type Result struct {
	Allowed   bool
	Remaining int64
	ResetAt   time.Time
}

// Allow records one request for key and reports whether it fits the window.
func (l *Limiter) Allow(ctx context.Context, key string) (*Result, error) {
	count, resetAt, err := l.counter.Increment(ctx, l.cfg.KeyPrefix+key, 1, l.cfg.Window)
	if err != nil {
		return nil, err
	}
	remaining := l.cfg.RequestsPerWindow - count
	if remaining < 0 {
		remaining = 0
	}
	return &Result{
		Allowed:   count <= l.cfg.RequestsPerWindow,
		Remaining: remaining,
		ResetAt:   resetAt,
	}, nil
}

// Middleware applies the limiter per client IP. Backend errors fail open:
// losing the cache must not take the gateway down with it.
func (l *Limiter) Middleware(trusted *realip.TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := trusted.ClientAddrString(r)
			result, err := l.Allow(r.Context(), key)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", l.cfg.RequestsPerWindow))
			w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", result.Remaining))
			w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", result.ResetAt.Unix()))

			if !result.Allowed {
				w.Header().Set("Retry-After", fmt.Sprintf("%d", int(time.Until(result.ResetAt).Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"too many requests","code":429}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
