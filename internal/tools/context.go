package tools

import "context"

type contextKey string

const (
	channelIDKey contextKey = "channel_id"
	passIDKey    contextKey = "pass_id"
)

// WithChannelID records the channel a reasoning pass is answering.
func WithChannelID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, channelIDKey, id)
}

// ChannelIDFromContext returns the channel recorded by [WithChannelID],
// or "" when none was set.
func ChannelIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(channelIDKey).(string); ok {
		return id
	}
	return ""
}

// WithPassID tags the context with the reasoning pass identifier so
// tool logs can be correlated with the pass that issued them.
func WithPassID(ctx context.Context, id string) context.Context {
	if id == "" {
		return ctx
	}
	return context.WithValue(ctx, passIDKey, id)
}

// PassIDFromContext returns the pass identifier, or "".
func PassIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(passIDKey).(string); ok {
		return id
	}
	return ""
}
