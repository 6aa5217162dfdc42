package logging

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

func TestNewFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log := New("nonsense", "json", &buf)
	if log.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info level, got %s", log.GetLevel())
	}
	log.Debug().Msg("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug line should be filtered")
	}
}

func TestMiddlewareWritesAccessLineWithRequestID(t *testing.T) {
	var buf bytes.Buffer
	log := New("debug", "json", &buf)

	h := middleware.RequestID(Middleware(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		FromRequest(r).Debug().Msg("inside")
		w.WriteHeader(http.StatusCreated)
	})))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("PROPFIND", "/calendars/alice/", nil))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected handler line and access line, got %d: %s", len(lines), buf.String())
	}
	var access map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &access); err != nil {
		t.Fatalf("access line is not JSON: %v", err)
	}
	if access["method"] != "PROPFIND" || access["status"] != float64(201) {
		t.Fatalf("unexpected access line %v", access)
	}
	if id, _ := access["request_id"].(string); id == "" {
		t.Fatalf("expected request id on access line")
	}
	if !strings.Contains(lines[0], "request_id") {
		t.Fatalf("expected request id on handler line: %s", lines[0])
	}
}
