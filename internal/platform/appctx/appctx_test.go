package appctx

import (
	"context"
	"log/slog"
	"testing"
)

func TestLoggerRoundTrip(t *testing.T) {
	base := slog.Default().With("k", "v")
	ctx := WithLogger(context.Background(), base)

	got, ok := LoggerFromContext(ctx)
	if !ok || got != base {
		t.Fatal("logger did not round-trip through context")
	}
	if GetLogger(ctx) != base {
		t.Error("GetLogger should return the attached logger")
	}
}

func TestGetLoggerFallsBack(t *testing.T) {
	if GetLogger(context.Background()) != slog.Default() {
		t.Error("GetLogger without attachment should fall back to default")
	}
	if _, ok := LoggerFromContext(context.Background()); ok {
		t.Error("LoggerFromContext should report absence")
	}
}
