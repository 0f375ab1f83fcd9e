// Package obscontext carries request-scoped correlation identifiers.
package obscontext

import (
	"context"
	"strings"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	keyIDKey     contextKey = "key_id"
)

// WithRequestID stores the request identifier in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request identifier, or empty.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(requestIDKey).(string); ok {
		return value
	}
	return ""
}

// WithKeyID stores the authenticated credential key identifier. Only the
// public key id is ever placed in context, never secret material.
func WithKeyID(ctx context.Context, keyID string) context.Context {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return ctx
	}
	return context.WithValue(ctx, keyIDKey, keyID)
}

// KeyIDFromContext returns the credential key identifier, or empty.
func KeyIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if value, ok := ctx.Value(keyIDKey).(string); ok {
		return value
	}
	return ""
}
