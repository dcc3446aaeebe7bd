package events

import "context"

type correlationKey struct{}

// WithCorrelationID attaches a correlation id to ctx
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID returns the correlation id carried by ctx, or ""
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Detach returns a background context that keeps only the correlation id of
// ctx, for work that outlives the request.
func Detach(ctx context.Context) context.Context {
	return WithCorrelationID(context.Background(), CorrelationID(ctx))
}
