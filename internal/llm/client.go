package llm

import "context"

// Client is the interface that all LLM providers must implement. The
// model argument is the friendly name from the model catalog;
// providers translate it to their own identifier.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// A nil tools slice sends no tool schema at all.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is non-nil,
	// tokens and tool-call previews are streamed to it. The returned
	// response has the same shape as Chat's.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
