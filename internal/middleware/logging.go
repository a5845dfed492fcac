package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader is echoed back, or generated when the caller sent none.
const RequestIDHeader = "X-Request-ID"

// quietPaths are scraped or probed constantly and never logged.
var quietPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// redactedParams never reach the access log with their values.
var redactedParams = map[string]bool{
	"token":         true,
	"access_token":  true,
	"refresh_token": true,
	"api_key":       true,
	"apikey":        true,
	"key":           true,
	"secret":        true,
	"signature":     true,
	"password":      true,
	"code":          true,
}

// RequestLoggingMiddleware writes one access log line per request.
type RequestLoggingMiddleware struct {
	logger *slog.Logger
}

func NewRequestLoggingMiddleware(logger *slog.Logger) *RequestLoggingMiddleware {
	return &RequestLoggingMiddleware{logger: logger}
}

// Handler logs method, path, status, size, latency, client and the principal
// recorded by WithPrincipal further down the chain.
func (m *RequestLoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if quietPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		info := &requestInfo{id: requestID(r)}
		w.Header().Set(RequestIDHeader, info.id)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r.WithContext(context.WithValue(r.Context(), requestInfoKey, info)))

		attrs := []slog.Attr{
			slog.String("request_id", info.id),
			slog.String("method", r.Method),
			slog.String("path", redactQuery(r.URL)),
			slog.Int("status", sw.status),
			slog.Int64("bytes", sw.written),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()),
			slog.String("ip", ClientIP(r)),
			slog.String("user_agent", r.UserAgent()),
		}
		if info.principal != "" {
			attrs = append(attrs, slog.String("principal", info.principal))
		}

		level := slog.LevelInfo
		if sw.status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		m.logger.LogAttrs(r.Context(), level, "request", attrs...)
	})
}

// requestID keeps a caller-supplied id when it is short and printable.
func requestID(r *http.Request) string {
	id := r.Header.Get(RequestIDHeader)
	if id == "" || len(id) > 64 || strings.ContainsFunc(id, func(c rune) bool { return c < '!' || c > '~' }) {
		return uuid.NewString()
	}
	return id
}

type contextKey string

const requestInfoKey contextKey = "request_info"

// requestInfo is filled in by handlers that run after the logger.
type requestInfo struct {
	id        string
	principal string
}

// annotate records the request's principal for the access log.
func annotate(ctx context.Context, principal string) {
	if info, ok := ctx.Value(requestInfoKey).(*requestInfo); ok {
		info.principal = principal
	}
}

type statusWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.written += int64(n)
	return n, err
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// redactQuery returns the path with secret-looking query values replaced.
// Parameter order is kept.
func redactQuery(u *url.URL) string {
	if u.RawQuery == "" {
		return u.Path
	}
	parts := strings.Split(u.RawQuery, "&")
	kept := parts[:0]
	for _, part := range parts {
		name, _, hasValue := strings.Cut(part, "=")
		if name == "" {
			continue
		}
		if hasValue && redactedParams[strings.ToLower(name)] {
			part = name + "=REDACTED"
		}
		kept = append(kept, part)
	}
	if len(kept) == 0 {
		return u.Path
	}
	return u.Path + "?" + strings.Join(kept, "&")
}
