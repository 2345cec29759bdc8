package telemetry

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("otad", "warn", "json", &buf)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected 1 log line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if entry["service"] != "otad" || entry["message"] != "shown" || entry["level"] != "warn" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestNewLoggerRejectsBadInput(t *testing.T) {
	if _, err := NewLogger("otad", "loud", "json", nil); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := NewLogger("otad", "info", "xml", nil); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestMiddlewareLogsStatus(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	h := Middleware("otad", logger)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/ota/stats", nil))

	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d", rec.Code)
	}
	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if entry["path"] != "/api/ota/stats" || entry["method"] != "GET" || entry["status"] != float64(http.StatusTeapot) {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestInitWithoutEndpoint(t *testing.T) {
	shutdown, mw, err := Init(context.Background(), "otad", "", zerolog.Nop())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if mw == nil {
		t.Fatal("expected middleware")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	if _, _, err := Init(context.Background(), "", "", zerolog.Nop()); err == nil {
		t.Fatal("expected error without service name")
	}
}

func TestNewTraceExporterRejectsHostlessURL(t *testing.T) {
	if _, err := newTraceExporter(context.Background(), "http://"); err == nil {
		t.Fatal("expected error")
	}
}
