// Package identity supplies the (user_email, role) pair the evaluator trusts.
// Sessions are minted by the external auth provider; this package only reads
// them.
package identity

import (
	"context"

	"github.com/odyssey-erp/akademi/internal/rbac"
)

// Principal is the authenticated actor of a request.
type Principal struct {
	Email string
	Role  rbac.Role
}

type principalContextKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// FromContext extracts the principal, if any.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	if !ok || p.Email == "" {
		return Principal{}, false
	}
	return p, true
}

// NormalizeEmail trims and case-folds an email address so lookups are
// case-insensitive.
func NormalizeEmail(email string) string {
	return rbac.NormalizeEmail(email)
}
