// Package middleware contains HTTP middleware for the csvmeter API.
//
// Middleware functions follow the standard Go pattern of wrapping http.Handler.
// They are designed to be composed using a middleware stack approach.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/DukeRupert/csvmeter/internal/auth"
	"github.com/DukeRupert/csvmeter/internal/domain"
	"github.com/DukeRupert/csvmeter/internal/handler"
	"github.com/google/uuid"
)

// UserIDHeader carries the authenticated user's id. Authentication happens at
// the gateway in front of this service; requests without the header are
// treated as anonymous and attributed to their client IP.
const UserIDHeader = "X-User-ID"

// =============================================================================
// Principal Middleware
// =============================================================================

// PrincipalResolver builds the principal for a user id and client address.
// *service.Engine satisfies it.
type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, userID uuid.UUID, ip string) (domain.Principal, error)
}

// AuthMiddleware attaches a domain.Principal to every request.
type AuthMiddleware struct {
	resolver PrincipalResolver
	logger   *slog.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware instance.
func NewAuthMiddleware(resolver PrincipalResolver, logger *slog.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		resolver: resolver,
		logger:   logger,
	}
}

// WithPrincipal resolves the caller from the X-User-ID header and the client
// IP, and stores the result in the request context.
//
// A malformed user id is rejected with 401. An id that does not match a user
// is reported by the resolver and mapped through handler.ErrorResponse.
func (m *AuthMiddleware) WithPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := ClientIP(r)

		var userID uuid.UUID
		if raw := strings.TrimSpace(r.Header.Get(UserIDHeader)); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				m.logger.Info("rejected malformed user id", "ip", ip, "path", r.URL.Path)
				handler.UnauthorizedResponse(w, r, m.logger)
				return
			}
			userID = id
		}

		p, err := m.resolver.ResolvePrincipal(r.Context(), userID, ip)
		if err != nil {
			handler.ErrorResponse(w, r, m.logger, err)
			return
		}

		annotate(r.Context(), p.Identity())
		next.ServeHTTP(w, r.WithContext(auth.SetPrincipal(r.Context(), p)))
	})
}

// RequireUser rejects anonymous callers with 401.
//
// IMPORTANT: This middleware must be used AFTER WithPrincipal in the chain.
func (m *AuthMiddleware) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.GetPrincipal(r.Context())
		if !ok || p.IsAnonymous() {
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAdmin rejects callers that are not administrators. Anonymous
// callers get 401, authenticated non-admins 403.
func (m *AuthMiddleware) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.GetPrincipal(r.Context())
		if !ok || p.IsAnonymous() {
			handler.UnauthorizedResponse(w, r, m.logger)
			return
		}
		if !p.IsAdmin {
			m.logger.Warn("non-admin attempted admin access",
				"user_id", p.UserID,
				"path", r.URL.Path,
			)
			handler.ForbiddenResponse(w, r, m.logger)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// Middleware Stack Helpers
// =============================================================================

// Stack composes multiple middleware functions into a single middleware.
//
// Middleware is applied in the order provided, meaning the first middleware
// in the slice is the outermost (runs first on request, last on response).
//
// Example:
//
//	stack := Stack(logging.Handler, auth.WithPrincipal, auth.RequireAdmin)
//	mux.Handle("POST /api/admin/usage/reset", stack(resetHandler))
func Stack(middlewares ...func(http.Handler) http.Handler) func(http.Handler) http.Handler {
	return func(final http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			final = middlewares[i](final)
		}
		return final
	}
}

var (
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).WithPrincipal
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).RequireUser
	_ func(http.Handler) http.Handler = (&AuthMiddleware{}).RequireAdmin
)
