package gateway

import (
	"context"

	"github.com/nashlabs/lendmarket/internal/domain"
)

type contextKey struct{}

// ContextWithAuth attaches the per-request authorization context for
// downstream resolvers.
func ContextWithAuth(ctx context.Context, auth domain.AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

// AuthFromContext returns the request's authorization context, if any.
func AuthFromContext(ctx context.Context) (domain.AuthContext, bool) {
	auth, ok := ctx.Value(contextKey{}).(domain.AuthContext)
	return auth, ok
}
