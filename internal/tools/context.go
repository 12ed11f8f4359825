package tools

import "context"

type contextKey string

const chatIDKey contextKey = "chat_id"

// WithChatID adds the chat ID to the context so handlers can attribute
// their work.
func WithChatID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, chatIDKey, id)
}

// ChatIDFromContext extracts the chat ID from the context.
// Returns "default" if not set.
func ChatIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(chatIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}
