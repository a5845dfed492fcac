package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
)

// MetricsAuthMiddleware guards the Prometheus scrape endpoint with basic
// auth. Credentials are held as digests so comparison time does not depend
// on their length.
type MetricsAuthMiddleware struct {
	user   [sha256.Size]byte
	pass   [sha256.Size]byte
	open   bool
	logger *slog.Logger
}

// NewMetricsAuthMiddleware leaves the endpoint open when both username and
// password are empty.
func NewMetricsAuthMiddleware(username, password string, logger *slog.Logger) *MetricsAuthMiddleware {
	return &MetricsAuthMiddleware{
		user:   sha256.Sum256([]byte(username)),
		pass:   sha256.Sum256([]byte(password)),
		open:   username == "" && password == "",
		logger: logger,
	}
}

func (m *MetricsAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.open || m.authorized(r) {
			next.ServeHTTP(w, r)
			return
		}
		if _, _, sent := r.BasicAuth(); sent {
			m.logger.Warn("rejected metrics scrape", "ip", ClientIP(r))
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="csvmeter metrics", charset="UTF-8"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
	})
}

func (m *MetricsAuthMiddleware) authorized(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	u := sha256.Sum256([]byte(user))
	p := sha256.Sum256([]byte(pass))
	userOK := subtle.ConstantTimeCompare(u[:], m.user[:])
	passOK := subtle.ConstantTimeCompare(p[:], m.pass[:])
	return userOK&passOK == 1
}
