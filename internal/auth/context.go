package auth

import "context"

type claimsContextKey struct{}

// ContextWithClaims attaches verified claims to the context.
func ContextWithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, c)
}

// ClaimsFromContext returns the claims stored by ContextWithClaims.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	if ctx == nil {
		return nil, false
	}
	c, ok := ctx.Value(claimsContextKey{}).(*Claims)
	return c, ok && c != nil
}

// Require returns ErrForbidden unless the context carries claims allowing role.
func Require(ctx context.Context, role string) error {
	c, ok := ClaimsFromContext(ctx)
	if !ok || !c.Allows(role) {
		return ErrForbidden
	}
	return nil
}
