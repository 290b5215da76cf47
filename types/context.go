package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID     contextKey = "trace_id"
	keyRequestID   contextKey = "request_id"
	keyRoundID     contextKey = "round_id"
	keyPrincipalID contextKey = "principal_id"
	keyDeliveryID  contextKey = "delivery_id"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithRequestID adds request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID extracts request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithRoundID adds a consensus round ID to context.
func WithRoundID(ctx context.Context, roundID string) context.Context {
	return context.WithValue(ctx, keyRoundID, roundID)
}

// RoundID extracts the consensus round ID from context.
func RoundID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRoundID).(string)
	return v, ok && v != ""
}

// WithPrincipalID adds the acting principal to context.
func WithPrincipalID(ctx context.Context, id PrincipalID) context.Context {
	return context.WithValue(ctx, keyPrincipalID, id)
}

// PrincipalFrom extracts the acting principal from context.
func PrincipalFrom(ctx context.Context) (PrincipalID, bool) {
	v, ok := ctx.Value(keyPrincipalID).(PrincipalID)
	return v, ok && v != ""
}

// WithDeliveryID adds the idempotency key of a routed delivery to context.
// Every cascade hop and redundant path of one delivery carries the same key.
func WithDeliveryID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyDeliveryID, id)
}

// DeliveryID extracts the delivery idempotency key from context.
func DeliveryID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyDeliveryID).(string)
	return v, ok && v != ""
}
