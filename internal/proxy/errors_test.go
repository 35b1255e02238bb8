package proxy

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestKindStatusCodes(t *testing.T) {
	want := map[Kind]int{
		KindInstanceNotFound:    404,
		KindUnauthorized:        401,
		KindInboundDenied:       403,
		KindOutboundDenied:      403,
		KindBadTarget:           400,
		KindUpstreamTimeout:     504,
		KindUpstreamUnreachable: 502,
		KindUpstreamProtocol:    502,
		KindInternal:            500,
	}
	for k, status := range want {
		if k.StatusCode() != status {
			t.Errorf("%s.StatusCode() = %d, want %d", k, k.StatusCode(), status)
		}
	}
}

func TestWriteErrorDocument(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, E(KindOutboundDenied, "target not permitted"))

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var doc struct {
		Error     string `json:"error"`
		Code      int    `json:"code"`
		Timestamp string `json:"timestamp"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("body not JSON: %v", err)
	}
	if doc.Error != "target not permitted" || doc.Code != 403 {
		t.Errorf("doc = %+v", doc)
	}
	if _, err := time.Parse(time.RFC3339, doc.Timestamp); err != nil {
		t.Errorf("timestamp %q not RFC3339: %v", doc.Timestamp, err)
	}
}

func TestWriteErrorClientAborted(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, E(KindClientAborted, "gone"))
	if w.Body.Len() != 0 {
		t.Error("client aborted must not produce a response body")
	}
}

func TestErrorMessageHidesCause(t *testing.T) {
	cause := errors.New("dial tcp 10.0.0.1:443: connect: connection refused")
	e := Wrap(KindUpstreamUnreachable, "could not connect to upstream", cause)

	w := httptest.NewRecorder()
	WriteError(w, e)
	body := w.Body.String()
	if strings.Contains(body, "10.0.0.1") || strings.Contains(body, "dial tcp") {
		t.Errorf("cause leaked to client: %s", body)
	}
	if !errors.Is(e, cause) {
		t.Error("cause must stay reachable for logs")
	}
}

func TestAsError(t *testing.T) {
	e := E(KindBadTarget, "x")
	if AsError(e) != e {
		t.Error("AsError must pass through pipeline errors")
	}
	wrapped := AsError(errors.New("boom"))
	if wrapped.Kind != KindInternal {
		t.Errorf("unknown error kind = %v", wrapped.Kind)
	}
}
