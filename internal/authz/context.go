package authz

import "context"

type claimsContextKey struct{}
type orgContextKey struct{}

// ContextWithClaims attaches verified token claims to the request context.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	if claims == nil {
		return ctx
	}
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

// ClaimsFromContext extracts verified claims, if the request passed the
// authentication middleware.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	if ctx == nil {
		return nil, false
	}
	v, ok := ctx.Value(claimsContextKey{}).(*Claims)
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// ContextWithOrgID records the resolved target organization. Organization
// targeting is always an explicit per-request value, never ambient state
// shared across requests.
func ContextWithOrgID(ctx context.Context, orgID string) context.Context {
	if orgID == "" {
		return ctx
	}
	return context.WithValue(ctx, orgContextKey{}, orgID)
}

// OrgIDFromContext extracts the resolved target organization id.
func OrgIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(orgContextKey{}).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
