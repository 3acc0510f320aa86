package app

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestLogMeta(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status     int
		wantLevel  slog.Level
		wantResult string
		wantClass  string
	}{
		{status: 200, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "2xx"},
		{status: 101, wantLevel: slog.LevelInfo, wantResult: "success", wantClass: "1xx"},
		{status: 302, wantLevel: slog.LevelInfo, wantResult: "redirect", wantClass: "3xx"},
		{status: 404, wantLevel: slog.LevelWarn, wantResult: "client_error", wantClass: "4xx"},
		{status: 503, wantLevel: slog.LevelError, wantResult: "server_error", wantClass: "5xx"},
	}

	for _, tc := range cases {
		level, result := requestLogMeta(tc.status)
		assert.Equal(t, tc.wantLevel, level, "status %d", tc.status)
		assert.Equal(t, tc.wantResult, result, "status %d", tc.status)
		assert.Equal(t, tc.wantClass, statusClass(tc.status))
	}
	assert.Equal(t, "unknown", statusClass(0))
}

func TestWithRequestLogging(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, nil))

	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, "nope")
	}), log)

	req := httptest.NewRequest(http.MethodGet, "/v1/documents/x", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "http.request", rec["msg"])
	assert.Equal(t, "WARN", rec["level"])
	assert.Equal(t, "/v1/documents/x", rec["path"])
	assert.Equal(t, float64(404), rec["status"])
	assert.Equal(t, "4xx", rec["status_class"])
	assert.Equal(t, float64(4), rec["bytes"])
}

func TestLoggingResponseWriter_PreservesHijacker(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	var isHijacker bool
	h := WithRequestLogging(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, isHijacker = w.(http.Hijacker)
	}), log)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws", nil))
	assert.True(t, isHijacker, "WebSocket upgrades need http.Hijacker")
}

func TestWithSecurityHeaders(t *testing.T) {
	t.Parallel()

	h := WithSecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/documents", nil))

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rr.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-referrer", rr.Header().Get("Referrer-Policy"))
}
