package llm

import (
	"context"
	"errors"
	"fmt"
)

// MultiClient routes requests to the provider that hosts each model
// and translates friendly model names to provider identifiers.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]route  // friendly name → provider + remote id
	fallback Client            // default client for unknown models
}

type route struct {
	provider string
	remoteID string
}

// NewMultiClient creates a client that routes to multiple providers.
// fallback handles models that were never registered and may be nil.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]route),
		fallback: fallback,
	}
}

// AddProvider registers a client for a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel maps a friendly model name to a provider and the identifier
// the provider expects. An empty remoteID sends the friendly name as is.
func (m *MultiClient) AddModel(modelName, providerName, remoteID string) {
	if remoteID == "" {
		remoteID = modelName
	}
	m.models[modelName] = route{provider: providerName, remoteID: remoteID}
}

// resolve returns the client and wire identifier for a model.
func (m *MultiClient) resolve(model string) (Client, string, error) {
	if r, ok := m.models[model]; ok {
		if client, ok := m.clients[r.provider]; ok {
			return client, r.remoteID, nil
		}
		return nil, "", fmt.Errorf("model %q: provider %q not configured", model, r.provider)
	}
	if m.fallback != nil {
		return m.fallback, model, nil
	}
	return nil, "", fmt.Errorf("no provider configured for model %q", model)
}

// Chat sends a request to the appropriate provider for the model.
func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	client, remote, err := m.resolve(model)
	if err != nil {
		return nil, err
	}
	resp, err := client.Chat(ctx, remote, messages, tools)
	if err != nil {
		return nil, err
	}
	resp.Model = model
	return resp, nil
}

// ChatStream sends a streaming request to the appropriate provider.
func (m *MultiClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	client, remote, err := m.resolve(model)
	if err != nil {
		return nil, err
	}
	resp, err := client.ChatStream(ctx, remote, messages, tools, callback)
	if err != nil {
		return nil, err
	}
	resp.Model = model
	return resp, nil
}

// Ping checks every registered provider and the fallback.
func (m *MultiClient) Ping(ctx context.Context) error {
	var errs []error
	for name, c := range m.clients {
		if err := c.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if m.fallback != nil {
		if err := m.fallback.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(m.clients) == 0 && m.fallback == nil {
		return errors.New("no providers configured")
	}
	return errors.Join(errs...)
}
