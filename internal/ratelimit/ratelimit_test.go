package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tinkertools/proxygate/internal/platform/cache/memory"
	"github.com/tinkertools/proxygate/internal/platform/http/realip"
)

func TestAllowWithinWindow(t *testing.T) {
	c := memory.New(time.Minute, 0)
	defer c.Close()
	l := New(c, &Config{RequestsPerWindow: 3, Window: time.Minute, KeyPrefix: "t:"})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "1.2.3.4")
		if err != nil || !res.Allowed {
			t.Fatalf("request %d: allowed=%v err=%v", i, res.Allowed, err)
		}
	}
	res, _ := l.Allow(ctx, "1.2.3.4")
	if res.Allowed {
		t.Fatal("fourth request should be denied")
	}
	if res.Remaining != 0 {
		t.Errorf("Remaining = %d", res.Remaining)
	}

	// A different key has its own window.
	other, _ := l.Allow(ctx, "5.6.7.8")
	if !other.Allowed {
		t.Error("distinct key should not share the window")
	}
}

func TestMiddleware(t *testing.T) {
	c := memory.New(time.Minute, 0)
	defer c.Close()
	l := New(c, &Config{RequestsPerWindow: 1, Window: time.Minute, KeyPrefix: "t:"})
	tp := realip.NewTrustedProxies(nil)

	h := l.Middleware(tp)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "203.0.113.5:100"

	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, r)
	if w1.Code != http.StatusNoContent {
		t.Fatalf("first request: %d", w1.Code)
	}
	if w1.Header().Get("X-RateLimit-Limit") != "1" {
		t.Errorf("limit header = %q", w1.Header().Get("X-RateLimit-Limit"))
	}

	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, r)
	if w2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: %d, want 429", w2.Code)
	}
	if w2.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing on 429")
	}
}
