package audit

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type clientMetaKey struct{}

// ClientMeta carries per-request client attributes into audit entries.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// WithRequestID attaches the request identifier used to correlate audit
// entries with HTTP logs.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

// RequestIDFromContext extracts the request id, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithClientMeta attaches client address and agent for audit entries.
func WithClientMeta(ctx context.Context, meta ClientMeta) context.Context {
	return context.WithValue(ctx, clientMetaKey{}, meta)
}

// ClientMetaFromContext extracts client metadata if present.
func ClientMetaFromContext(ctx context.Context) (ClientMeta, bool) {
	if ctx == nil {
		return ClientMeta{}, false
	}
	v, ok := ctx.Value(clientMetaKey{}).(ClientMeta)
	return v, ok
}
