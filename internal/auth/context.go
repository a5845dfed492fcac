// Package auth carries the request principal through a context. It sits
// below both middleware and handler so neither imports the other for it.
package auth

import (
	"context"
	"net/http"

	"github.com/DukeRupert/csvmeter/internal/domain"
)

type principalKey struct{}

// SetPrincipal is called once per request by the principal middleware.
func SetPrincipal(ctx context.Context, p domain.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// GetPrincipal reports false when the principal middleware did not run for
// the route, which is a wiring bug rather than an anonymous caller.
func GetPrincipal(ctx context.Context) (domain.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(domain.Principal)
	return p, ok
}

func GetPrincipalFromRequest(r *http.Request) (domain.Principal, bool) {
	return GetPrincipal(r.Context())
}
