package middleware

import (
	"net/http"
	"strings"
)

// apiHeaders are sent on every response. The service only returns JSON and
// file downloads, so nothing it serves may be rendered as a page or framed.
var apiHeaders = [][2]string{
	{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; base-uri 'none'; form-action 'none'"},
	{"X-Frame-Options", "DENY"},
	{"X-Content-Type-Options", "nosniff"},
	{"Referrer-Policy", "no-referrer"},
	{"Cross-Origin-Resource-Policy", "same-origin"},
	{"Permissions-Policy", "geolocation=(), microphone=(), camera=()"},
}

// hsts is one year including subdomains.
const hsts = "max-age=31536000; includeSubDomains"

// SecurityHeadersMiddleware sets response hardening headers.
type SecurityHeadersMiddleware struct {
	isSecure bool
}

// NewSecurityHeadersMiddleware adds HSTS when isSecure is set, which is
// every environment except development.
func NewSecurityHeadersMiddleware(isSecure bool) *SecurityHeadersMiddleware {
	return &SecurityHeadersMiddleware{isSecure: isSecure}
}

func (m *SecurityHeadersMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		for _, kv := range apiHeaders {
			h.Set(kv[0], kv[1])
		}
		if m.isSecure {
			h.Set("Strict-Transport-Security", hsts)
		}
		// Usage, balances and archived ledgers are per caller.
		if strings.HasPrefix(r.URL.Path, "/api/") {
			h.Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}
