package shared

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type correlationKey struct{}
type channelKey struct{}

// NewCorrelationID generates a short correlation id for one dispatch
// decision: the first 8 hex characters of a UUID.
func NewCorrelationID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// WithCorrelationID attaches a correlation id to the context.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// CorrelationID extracts the correlation id from context. Returns "-" if absent.
func CorrelationID(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// WithChannel attaches the originating chat channel to the context.
func WithChannel(ctx context.Context, channel string) context.Context {
	return context.WithValue(ctx, channelKey{}, channel)
}

// Channel extracts the originating chat channel from context. Returns "" if absent.
func Channel(ctx context.Context) string {
	if v, ok := ctx.Value(channelKey{}).(string); ok {
		return v
	}
	return ""
}
