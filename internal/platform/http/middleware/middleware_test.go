package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/tinkertools/proxygate/internal/platform/appctx"
	"github.com/tinkertools/proxygate/internal/platform/http/realip"
)

func TestRequestLoggerAttachesFields(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	tp := realip.NewTrustedProxies(nil)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		appctx.GetLogger(r.Context()).Info("from handler")
	})
	h := chimw.RequestID(RequestLogger(base, tp)(inner))

	r := httptest.NewRequest("GET", "/demo?token=secret", nil)
	r.RemoteAddr = "203.0.113.4:1234"
	h.ServeHTTP(httptest.NewRecorder(), r)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line not JSON: %v", err)
	}
	if line["path"] != "/demo" {
		t.Errorf("path = %v, want /demo without query", line["path"])
	}
	if line["client_ip"] != "203.0.113.4" {
		t.Errorf("client_ip = %v", line["client_ip"])
	}
	if line["request_id"] == nil || line["request_id"] == "" {
		t.Error("request_id missing")
	}
}

func TestAccessLogRecordsResponse(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))
	tp := realip.NewTrustedProxies(nil)

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short"))
	})
	h := chimw.RequestID(RequestLogger(base, tp)(AccessLog(base)(inner)))

	r := httptest.NewRequest("GET", "/x", nil)
	r.RemoteAddr = "127.0.0.1:9"
	h.ServeHTTP(httptest.NewRecorder(), r)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line not JSON: %v", err)
	}
	if line["status"] != float64(http.StatusTeapot) {
		t.Errorf("status = %v", line["status"])
	}
	if line["bytes"] != float64(5) {
		t.Errorf("bytes = %v", line["bytes"])
	}
}
