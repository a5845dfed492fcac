package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/DukeRupert/csvmeter/internal/auth"
	"github.com/DukeRupert/csvmeter/internal/handler"
)

// ProcessorTokenHeader carries the shared secret of the downstream processor
// that reports metering outcomes.
const ProcessorTokenHeader = "X-Processor-Token"

// ProcessorAuthMiddleware restricts the metering lifecycle routes to the
// processor and to administrators. Uploaders must not be able to report
// their own outcomes, since a failure refunds credits.
type ProcessorAuthMiddleware struct {
	token   [sha256.Size]byte
	enabled bool
	logger  *slog.Logger
}

// NewProcessorAuthMiddleware accepts requests carrying token. With an empty
// token only administrators get through.
func NewProcessorAuthMiddleware(token string, logger *slog.Logger) *ProcessorAuthMiddleware {
	return &ProcessorAuthMiddleware{
		token:   sha256.Sum256([]byte(token)),
		enabled: token != "",
		logger:  logger,
	}
}

// Handler must run after WithPrincipal.
func (m *ProcessorAuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sent := r.Header.Get(ProcessorTokenHeader)
		if sent != "" {
			if m.matches(sent) {
				next.ServeHTTP(w, r)
				return
			}
			m.logger.Warn("rejected processor token", "ip", ClientIP(r), "path", r.URL.Path)
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}

		p, ok := auth.GetPrincipal(r.Context())
		switch {
		case !ok || p.IsAnonymous():
			handler.UnauthorizedResponse(w, r, m.logger)
		case !p.IsAdmin:
			m.logger.Warn("non-processor attempted metering update",
				"user_id", p.UserID,
				"path", r.URL.Path,
			)
			handler.ForbiddenResponse(w, r, m.logger)
		default:
			next.ServeHTTP(w, r)
		}
	})
}

func (m *ProcessorAuthMiddleware) matches(token string) bool {
	if !m.enabled {
		return false
	}
	sum := sha256.Sum256([]byte(token))
	return subtle.ConstantTimeCompare(sum[:], m.token[:]) == 1
}
