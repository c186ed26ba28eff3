package common

import "context"

type ctxKey string

const (
	tenantIDKey ctxKey = "tenantID"
	userIDKey   ctxKey = "userID"
)

// WithTenant returns a child context carrying tenantID.
func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantFromContext returns the tenant stored in ctx, or def when absent.
func TenantFromContext(ctx context.Context, def string) string {
	if v, ok := ctx.Value(tenantIDKey).(string); ok && v != "" {
		return v
	}
	return def
}

// WithUserID returns a child context carrying the authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns the authenticated user id, if any.
func UserIDFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(userIDKey).(string)
	return v, ok && v != ""
}
