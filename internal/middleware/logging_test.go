package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveLogged(t *testing.T, req *http.Request, next http.HandlerFunc) (*httptest.ResponseRecorder, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := NewRequestLoggingMiddleware(slog.New(slog.NewTextHandler(&buf, nil)))
	rec := httptest.NewRecorder()
	mw.Handler(next).ServeHTTP(rec, req)
	return rec, buf.String()
}

func TestRequestLoggingMiddleware_AccessLine(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/uploads", nil)
	req.RemoteAddr = "10.0.0.1:8080"
	req.Header.Set("X-Forwarded-For", "203.0.113.195")
	req.Header.Set("User-Agent", "ledger-sync/2.1")

	rec, logs := serveLogged(t, req, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"x"}`))
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	for _, want := range []string{
		"level=INFO",
		"msg=request",
		"method=POST",
		"path=/api/uploads",
		"status=201",
		"bytes=10",
		"duration_ms=",
		"ip=203.0.113.195",
		"user_agent=ledger-sync/2.1",
	} {
		assert.Contains(t, logs, want)
	}
	assert.NotContains(t, logs, "principal=")
}

func TestRequestLoggingMiddleware_Levels(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{http.StatusOK, "level=INFO"},
		{http.StatusUnprocessableEntity, "level=INFO"},
		{http.StatusTooManyRequests, "level=INFO"},
		{http.StatusInternalServerError, "level=WARN"},
		{http.StatusServiceUnavailable, "level=WARN"},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			_, logs := serveLogged(t, httptest.NewRequest(http.MethodGet, "/api/usage", nil),
				func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(tt.status) })
			assert.Contains(t, logs, tt.level)
		})
	}
}

func TestRequestLoggingMiddleware_ImplicitOK(t *testing.T) {
	_, logs := serveLogged(t, httptest.NewRequest(http.MethodGet, "/api/usage", nil),
		func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("{}")) })
	assert.Contains(t, logs, "status=200")
}

func TestRequestLoggingMiddleware_RequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		keep     bool
	}{
		{"generated when missing", "", false},
		{"kept when sane", "req-7f3a", true},
		{"replaced when too long", strings.Repeat("a", 65), false},
		{"replaced when unprintable", "abc\tdef", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/usage", nil)
			if tt.incoming != "" {
				req.Header.Set(RequestIDHeader, tt.incoming)
			}
			rec, logs := serveLogged(t, req, func(http.ResponseWriter, *http.Request) {})

			got := rec.Header().Get(RequestIDHeader)
			if tt.keep {
				assert.Equal(t, tt.incoming, got)
			} else {
				_, err := uuid.Parse(got)
				require.NoError(t, err)
			}
			assert.Contains(t, logs, "request_id="+got)
		})
	}
}

func TestRequestLoggingMiddleware_QuietPaths(t *testing.T) {
	for _, path := range []string{"/health", "/metrics"} {
		t.Run(path, func(t *testing.T) {
			var reached bool
			rec, logs := serveLogged(t, httptest.NewRequest(http.MethodGet, path, nil),
				func(http.ResponseWriter, *http.Request) { reached = true })
			assert.True(t, reached)
			assert.Empty(t, logs)
			assert.Empty(t, rec.Header().Get(RequestIDHeader))
		})
	}

	_, logs := serveLogged(t, httptest.NewRequest(http.MethodGet, "/healthz", nil),
		func(http.ResponseWriter, *http.Request) {})
	assert.Contains(t, logs, "path=/healthz", "only exact matches are quiet")
}

func TestRequestLoggingMiddleware_RecordsPrincipal(t *testing.T) {
	_, logs := serveLogged(t, httptest.NewRequest(http.MethodGet, "/api/usage", nil),
		func(_ http.ResponseWriter, r *http.Request) { annotate(r.Context(), "ip:192.0.2.1") })
	assert.Contains(t, logs, "principal=ip:192.0.2.1")
}

func TestRedactQuery(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"no query", "/api/uploads", "/api/uploads"},
		{"plain params kept", "/api/uploads?limit=20&offset=40", "/api/uploads?limit=20&offset=40"},
		{"token redacted", "/api/uploads?token=abc123&limit=5", "/api/uploads?token=REDACTED&limit=5"},
		{"case insensitive", "/api/uploads?API_KEY=k1", "/api/uploads?API_KEY=REDACTED"},
		{"signed url", "/api/uploads/x/file?signature=deadbeef", "/api/uploads/x/file?signature=REDACTED"},
		{"flag without value", "/api/usage?verbose", "/api/usage?verbose"},
		{"empty names dropped", "/api/usage?&&", "/api/usage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := url.Parse(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, redactQuery(u))
		})
	}
}
