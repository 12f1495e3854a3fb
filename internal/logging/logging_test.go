package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newBufLogger() (*slog.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: globalLevel})
	return slog.New(&RedactingHandler{base: base}), &buf
}

func TestRedactingHandlerRedactsAuthHeaders(t *testing.T) {
	logger, buf := newBufLogger()

	logger.Info("test",
		slog.String("authorization", "Bearer sk-secret"),
		slog.String("x-api-key", "my-key"),
		slog.String("method", "POST"),
	)

	output := buf.String()
	if strings.Contains(output, "sk-secret") {
		t.Error("authorization header value should be redacted")
	}
	if strings.Contains(output, "my-key") {
		t.Error("x-api-key value should be redacted")
	}
	if !strings.Contains(output, "[REDACTED]") {
		t.Error("expected [REDACTED] placeholder")
	}
	if !strings.Contains(output, "POST") {
		t.Error("non-sensitive values should be preserved")
	}
}

func TestRedactingHandlerRedactsBody(t *testing.T) {
	logger, buf := newBufLogger()

	logger.Info("test", slog.String("body", `{"messages":[{"role":"user","content":"prompt text"}]}`))

	if strings.Contains(buf.String(), "prompt text") {
		t.Error("request body should be redacted")
	}
}

func TestRedactingHandlerRedactsCredentialKeys(t *testing.T) {
	logger, buf := newBufLogger()

	logger.Info("test",
		slog.String("provider_api_key", "sk-abc"),
		slog.String("client_secret", "shh"),
		slog.String("db_password", "hunter2"),
		slog.String("token", "tok-123"),
	)

	output := buf.String()
	for _, leak := range []string{"sk-abc", "shh", "hunter2", "tok-123"} {
		if strings.Contains(output, leak) {
			t.Errorf("credential value %q should be redacted", leak)
		}
	}
}

func TestRedactingHandlerKeepsTokenCounts(t *testing.T) {
	logger, buf := newBufLogger()

	logger.Info("request_complete",
		slog.Uint64("input_tokens", 120),
		slog.Uint64("output_tokens", 345),
	)

	output := buf.String()
	if !strings.Contains(output, "120") || !strings.Contains(output, "345") {
		t.Errorf("token counts are accounting data and must not be redacted: %s", output)
	}
	if strings.Contains(output, "[REDACTED]") {
		t.Error("no attribute in this record is sensitive")
	}
}

func TestRedactingHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	handler := (&RedactingHandler{base: base}).WithAttrs([]slog.Attr{
		slog.String("authorization", "Bearer persistent"),
	})
	slog.New(handler).Info("test")

	if strings.Contains(buf.String(), "persistent") {
		t.Error("pre-attached sensitive attrs should be redacted")
	}
}

func TestRedactingHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	base := slog.NewJSONHandler(&buf, nil)
	handler := (&RedactingHandler{base: base}).WithGroup("upstream")
	slog.New(handler).Info("test", slog.String("provider", "alpha"))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	group, ok := rec["upstream"].(map[string]any)
	if !ok {
		t.Fatalf("expected upstream group in %v", rec)
	}
	if group["provider"] != "alpha" {
		t.Errorf("group attr lost: %v", group)
	}
}

func TestSetLevel(t *testing.T) {
	logger, buf := newBufLogger()
	defer SetLevel("info")

	SetLevel("error")
	if handlerEnabled(logger, slog.LevelInfo) {
		t.Error("info should be disabled at level error")
	}

	SetLevel("debug")
	logger.Debug("dbg")
	if !strings.Contains(buf.String(), "dbg") {
		t.Error("debug line should be emitted at level debug")
	}

	SetLevel("bogus")
	if handlerEnabled(logger, slog.LevelDebug) {
		t.Error("unknown level should fall back to info")
	}
}

func handlerEnabled(logger *slog.Logger, level slog.Level) bool {
	return logger.Handler().Enabled(context.Background(), level)
}

func TestSetupWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "arbstr.log")
	logger := Setup("info", path)
	defer Setup("info", "")

	logger.Info("file_output_check", slog.String("k", "v"))

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "file_output_check") {
		t.Errorf("log line missing from file: %s", data)
	}
}

func TestRequestLogger(t *testing.T) {
	logger, buf := newBufLogger()

	handler := RequestLogger(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short"))
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if line["msg"] != "http_request" {
		t.Errorf("msg = %v", line["msg"])
	}
	if line["path"] != "/v1/models" {
		t.Errorf("path = %v", line["path"])
	}
	if line["status"] != float64(http.StatusTeapot) {
		t.Errorf("status = %v", line["status"])
	}
	if line["request_id"] != "req-42" {
		t.Errorf("request_id = %v", line["request_id"])
	}
}
