package llm

import (
	"context"
	"errors"
	"log/slog"
	"slices"
)

// FallbackClient wraps a Client and steps down a fixed chain of models
// when a call fails. Authentication and context-length failures are
// returned at once since another model will not fix them.
type FallbackClient struct {
	inner         Client
	chain         []string
	supportsTools func(model string) bool
	logger        *slog.Logger

	// OnStepDown, if set, is called each time a model fails and the
	// next one in the chain is tried.
	OnStepDown func(failed, next string, err error)
}

// NewFallbackClient creates a step-down wrapper. supportsTools reports
// whether a model accepts tool schemas; nil means every model does.
func NewFallbackClient(inner Client, chain []string, supportsTools func(string) bool, logger *slog.Logger) *FallbackClient {
	if logger == nil {
		logger = slog.Default()
	}
	if supportsTools == nil {
		supportsTools = func(string) bool { return true }
	}
	return &FallbackClient{
		inner:         inner,
		chain:         slices.Clone(chain),
		supportsTools: supportsTools,
		logger:        logger,
	}
}

// Chain returns the models that would be tried for model, in order.
// If model is in the chain the walk starts at its position, otherwise
// model is tried first followed by the whole chain.
func (f *FallbackClient) Chain(model string) []string {
	if i := slices.Index(f.chain, model); i >= 0 {
		return slices.Clone(f.chain[i:])
	}
	out := make([]string, 0, len(f.chain)+1)
	out = append(out, model)
	return append(out, f.chain...)
}

// Chat implements Client.
func (f *FallbackClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return f.walk(ctx, model, messages, tools, func(m string, msgs []Message, t []map[string]any) (*ChatResponse, error) {
		return f.inner.Chat(ctx, m, msgs, t)
	})
}

// ChatStream implements Client. Tokens from a model that fails midway
// have already reached the callback; the next model starts fresh.
func (f *FallbackClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	return f.walk(ctx, model, messages, tools, func(m string, msgs []Message, t []map[string]any) (*ChatResponse, error) {
		return f.inner.ChatStream(ctx, m, msgs, t, callback)
	})
}

// Ping delegates to the wrapped client.
func (f *FallbackClient) Ping(ctx context.Context) error {
	return f.inner.Ping(ctx)
}

type callFunc func(model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

func (f *FallbackClient) walk(ctx context.Context, model string, messages []Message, tools []map[string]any, call callFunc) (*ChatResponse, error) {
	chain := f.Chain(model)
	var (
		tried   []string
		lastErr error
	)

	for i, m := range chain {
		msgs, t := messages, tools
		if !f.supportsTools(m) {
			msgs, t = WithoutTools(messages), nil
		}

		resp, err := call(m, msgs, t)
		if err == nil {
			if len(tried) > 0 {
				f.logger.Info("fallback model answered", "model", m, "requested", model, "failed", tried)
			}
			return resp, nil
		}

		tried = append(tried, m)
		lastErr = err

		if IsAuthError(err) || IsContextLengthError(err) {
			return nil, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil || errors.Is(err, context.Canceled) {
			return nil, err
		}

		if i+1 < len(chain) {
			next := chain[i+1]
			f.logger.Warn("model failed, stepping down", "model", m, "next", next, "error", err)
			if f.OnStepDown != nil {
				f.OnStepDown(m, next, err)
			}
		}
	}

	return nil, &ExhaustedError{Tried: tried, Last: lastErr}
}
