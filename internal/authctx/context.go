// Package authctx carries the authenticated user identity through request
// contexts. Session issuance itself is handled upstream; this package only
// reads what the auth layer injected.
package authctx

import (
	"context"
	"strings"
)

type userIDKey struct{}

// AnonymousUser is the identity used for unauthenticated requests.
const AnonymousUser = "anonymous"

// WithUserID stores the authenticated user ID in the context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey{}, strings.TrimSpace(userID))
}

// UserIDFromContext returns the user ID, or AnonymousUser when none is set.
func UserIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return AnonymousUser
	}
	if value, ok := ctx.Value(userIDKey{}).(string); ok && value != "" {
		return value
	}
	return AnonymousUser
}
