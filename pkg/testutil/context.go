package testutil

import (
	"context"
	"net/http"
	"time"

	"custodia/pkg/requestcontext"
)

// A fixed instant keeps tracking blocks deterministic across a test.
var FixedTime = time.Date(2026, time.March, 14, 9, 26, 53, 0, time.UTC)

// UserContext builds a context carrying a delegated-user principal and the
// fixed request time, the state writers expect after the middleware chain.
func UserContext(userID, alias string) context.Context {
	ctx := requestcontext.WithPrincipal(context.Background(), requestcontext.AuthenticatedPrincipal{
		UserID:    userID,
		UserAlias: alias,
	})
	return requestcontext.WithTime(ctx, FixedTime)
}

// ApplicationContext builds a context carrying a service-to-service principal.
func ApplicationContext(applicationID string) context.Context {
	ctx := requestcontext.WithPrincipal(context.Background(), requestcontext.AuthenticatedPrincipal{
		ApplicationID: applicationID,
	})
	return requestcontext.WithTime(ctx, FixedTime)
}

// WithPrincipal stamps a request with an authenticated principal, simulating
// the auth middleware for handler tests.
func WithPrincipal(req *http.Request, p requestcontext.AuthenticatedPrincipal) *http.Request {
	ctx := requestcontext.WithPrincipal(req.Context(), p)
	ctx = requestcontext.WithTime(ctx, FixedTime)
	return req.WithContext(ctx)
}

// WithContextValue adds an arbitrary key-value pair to the request context.
func WithContextValue(req *http.Request, key, value any) *http.Request {
	ctx := context.WithValue(req.Context(), key, value)
	return req.WithContext(ctx)
}
