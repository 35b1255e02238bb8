package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tinkertools/proxygate/internal/platform/cache"
)

func TestSetGetDelete(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Close()
	ctx := context.Background()

	if _, err := c.Get(ctx, "missing"); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("Get(missing) = %v, want ErrNotFound", err)
	}

	if err := c.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := c.Get(ctx, "k")
	if err != nil || string(got) != "v" {
		t.Fatalf("Get = %q, %v", got, err)
	}

	if err := c.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := c.Get(ctx, "k"); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("Get after delete = %v, want ErrNotFound", err)
	}
}

func TestExpiry(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Close()
	ctx := context.Background()

	if err := c.Set(ctx, "short", []byte("x"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := c.Get(ctx, "short"); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("expired key still present: %v", err)
	}
}

func TestCounter(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Close()
	ctx := context.Background()

	n, _, err := c.Increment(ctx, "cnt", 1, time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("first Increment = %d, %v", n, err)
	}
	n, resetAt, err := c.Increment(ctx, "cnt", 2, time.Minute)
	if err != nil || n != 3 {
		t.Fatalf("second Increment = %d, %v", n, err)
	}
	if !resetAt.After(time.Now()) {
		t.Error("resetAt should be in the future")
	}

	got, err := c.GetCount(ctx, "cnt")
	if err != nil || got != 3 {
		t.Fatalf("GetCount = %d, %v", got, err)
	}

	if err := c.Reset(ctx, "cnt"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	got, _ = c.GetCount(ctx, "cnt")
	if got != 0 {
		t.Fatalf("GetCount after reset = %d", got)
	}
}

func TestCounterWindowExpiry(t *testing.T) {
	c := New(time.Minute, 0)
	defer c.Close()
	ctx := context.Background()

	c.Increment(ctx, "w", 5, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	n, _, err := c.Increment(ctx, "w", 1, time.Minute)
	if err != nil || n != 1 {
		t.Fatalf("Increment after window expiry = %d, %v; want fresh counter", n, err)
	}
}
