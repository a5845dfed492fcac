package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMetricsAuthMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		user, pass string
		setAuth    bool
		sendUser   string
		sendPass   string
		wantStatus int
		wantLog    bool
	}{
		{"valid credentials", "prom", "s3cret", true, "prom", "s3cret", http.StatusOK, false},
		{"no credentials", "prom", "s3cret", false, "", "", http.StatusUnauthorized, false},
		{"wrong password", "prom", "s3cret", true, "prom", "guess", http.StatusUnauthorized, true},
		{"wrong user", "prom", "s3cret", true, "root", "s3cret", http.StatusUnauthorized, true},
		{"prefix of password", "prom", "s3cret", true, "prom", "s3c", http.StatusUnauthorized, true},
		{"case matters", "prom", "s3cret", true, "PROM", "s3cret", http.StatusUnauthorized, true},
		{"password only configured", "", "s3cret", true, "", "s3cret", http.StatusOK, false},
		{"open when unconfigured", "", "", false, "", "", http.StatusOK, false},
		{"open ignores credentials", "", "", true, "any", "thing", http.StatusOK, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logs bytes.Buffer
			mw := NewMetricsAuthMiddleware(tt.user, tt.pass, slog.New(slog.NewTextHandler(&logs, nil)))
			next := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("csvmeter_uploads_total 3"))
			})

			req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
			req.RemoteAddr = "198.51.100.4:9100"
			if tt.setAuth {
				req.SetBasicAuth(tt.sendUser, tt.sendPass)
			}
			rec := httptest.NewRecorder()
			mw.Handler(next).ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "csvmeter_uploads_total 3", rec.Body.String())
				assert.Empty(t, rec.Header().Get("WWW-Authenticate"))
			} else {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `realm="csvmeter metrics"`)
				assert.NotContains(t, rec.Body.String(), "csvmeter_uploads_total")
			}
			if tt.wantLog {
				assert.Contains(t, logs.String(), "198.51.100.4")
			} else {
				assert.NotContains(t, logs.String(), "rejected")
			}
		})
	}
}
