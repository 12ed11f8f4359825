package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/bonzainsights/mragent/internal/httpkit"
)

// defaultMaxTokens caps a single completion.
const defaultMaxTokens = 4096

// maxToolCallGap bounds how far past the calls seen so far a streamed
// tool call index may jump.
const maxToolCallGap = 16

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
// NVIDIA NIM, Ollama's /v1 surface and most hosted inference providers
// speak this dialect.
type OpenAIClient struct {
	name       string // provider name for errors and logs
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOpenAIClient creates a client for the endpoint at baseURL
// (e.g. https://integrate.api.nvidia.com/v1).
func NewOpenAIClient(name, baseURL, apiKey string, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	// Hosted models can take a long time before the first byte.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second

	return &OpenAIClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		logger:  logger.With("provider", name),
		httpClient: httpkit.NewClient(
			// Streaming responses can be long-lived; rely on ctx.
			httpkit.WithTimeout(0),
			httpkit.WithTransport(t),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
	}
}

// Wire types

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Tools         []map[string]any     `json:"tools,omitempty"`
	ToolChoice    string               `json:"tool_choice,omitempty"`
	MaxTokens     int                  `json:"max_tokens"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content"` // string or []openaiPart
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiResponse struct {
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
}

type openaiChoice struct {
	Message      openaiResponseMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type openaiResponseMessage struct {
	Role      string           `json:"role"`
	Content   *string          `json:"content"`
	ToolCalls []openaiToolCall `json:"tool_calls"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

type openaiStreamChunk struct {
	Model   string               `json:"model"`
	Choices []openaiStreamChoice `json:"choices"`
	Usage   *openaiUsage         `json:"usage,omitempty"`
	Error   *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type openaiStreamChoice struct {
	Delta        openaiStreamDelta `json:"delta"`
	FinishReason *string           `json:"finish_reason"`
}

type openaiStreamDelta struct {
	Content   string                 `json:"content,omitempty"`
	ToolCalls []openaiStreamToolCall `json:"tool_calls,omitempty"`
}

type openaiStreamToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// partialToolCall accumulates one streamed tool call across deltas.
type partialToolCall struct {
	id        string
	name      string
	arguments strings.Builder
	announced bool
}

func toOpenAIMessages(msgs []Message) []openaiMessage {
	out := make([]openaiMessage, 0, len(msgs))
	for _, m := range msgs {
		om := openaiMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		if len(m.Parts) > 0 {
			parts := make([]openaiPart, 0, len(m.Parts))
			for _, p := range m.Parts {
				switch p.Type {
				case PartImage:
					parts = append(parts, openaiPart{Type: "image_url", ImageURL: &openaiImageURL{URL: p.ImageURL}})
				default:
					parts = append(parts, openaiPart{Type: "text", Text: p.Text})
				}
			}
			om.Content = parts
		}
		for _, tc := range m.ToolCalls {
			typ := tc.Type
			if typ == "" {
				typ = "function"
			}
			args := tc.Function.Arguments
			if args == "" {
				args = "{}"
			}
			om.ToolCalls = append(om.ToolCalls, openaiToolCall{
				ID:       tc.ID,
				Type:     typ,
				Function: openaiToolFunction{Name: tc.Function.Name, Arguments: args},
			})
		}
		out = append(out, om)
	}
	return out
}

func fromOpenAIToolCalls(calls []openaiToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, c := range calls {
		out = append(out, ToolCall{
			ID:       c.ID,
			Type:     c.Type,
			Function: FunctionCall{Name: c.Function.Name, Arguments: c.Function.Arguments},
		})
	}
	return out
}

// Chat sends a non-streaming request.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return c.chat(ctx, model, messages, tools, false, nil)
}

// ChatStream sends a streaming request and folds the deltas back into
// a single response.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	return c.chat(ctx, model, messages, tools, true, callback)
}

func (c *OpenAIClient) chat(ctx context.Context, model string, messages []Message, tools []map[string]any, stream bool, callback StreamCallback) (*ChatResponse, error) {
	start := time.Now()

	req := openaiRequest{
		Model:     model,
		Messages:  toOpenAIMessages(messages),
		MaxTokens: defaultMaxTokens,
		Stream:    stream,
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}
	if stream {
		req.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	c.logger.Log(ctx, LevelTrace, "request payload", "json", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	} else {
		httpReq.Header.Set("Accept", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: request failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody := httpkit.ReadErrorBody(resp.Body, 4096)
		c.logger.Warn("API error", "model", model, "status", resp.StatusCode, "body", errBody)
		return nil, &APIError{Provider: c.name, Model: model, StatusCode: resp.StatusCode, Body: errBody}
	}

	var result *ChatResponse
	if stream {
		result, err = c.handleStreaming(ctx, resp.Body, callback)
	} else {
		result, err = c.handleNonStreaming(ctx, resp.Body)
	}
	if err != nil {
		return nil, err
	}
	if result.Model == "" {
		result.Model = model
	}
	result.TotalDuration = time.Since(start)
	return result, nil
}

func (c *OpenAIClient) handleNonStreaming(ctx context.Context, body io.Reader) (*ChatResponse, error) {
	var resp openaiResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%s: response has no choices", c.name)
	}

	choice := resp.Choices[0]
	content := ""
	if choice.Message.Content != nil {
		content = *choice.Message.Content
	}
	result := &ChatResponse{
		Model:        resp.Model,
		CreatedAt:    time.Now(),
		Message:      AssistantMessage(content, fromOpenAIToolCalls(choice.Message.ToolCalls)),
		FinishReason: choice.FinishReason,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	c.logger.Debug("response received",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(result.Message.ToolCalls),
		"finish_reason", result.FinishReason,
	)
	c.logger.Log(ctx, LevelTrace, "response content", "content", content)

	return result, nil
}

func (c *OpenAIClient) handleStreaming(ctx context.Context, body io.Reader, callback StreamCallback) (*ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	// Increase scanner buffer for large responses
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		contentBuilder strings.Builder
		partials       []*partialToolCall
		finishReason   string
		usage          openaiUsage
		model          string
	)

	emit := func(ev StreamEvent) {
		if callback != nil {
			callback(ev)
		}
	}
	announce := func(p *partialToolCall) {
		if p.announced || p.name == "" {
			return
		}
		p.announced = true
		emit(StreamEvent{Kind: KindToolCall, ToolCall: &ToolCall{ID: p.id, Type: "function", Function: FunctionCall{Name: p.name}}})
	}

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}

		c.logger.Log(ctx, LevelTrace, "stream chunk", "data", data)

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return nil, fmt.Errorf("%s: parse stream chunk: %w", c.name, err)
		}
		if chunk.Error != nil && chunk.Error.Message != "" {
			return nil, fmt.Errorf("%s: stream error: %s: %s", c.name, chunk.Error.Type, chunk.Error.Message)
		}
		if model == "" && chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			contentBuilder.WriteString(choice.Delta.Content)
			emit(StreamEvent{Kind: KindToken, Token: choice.Delta.Content})
		}

		for _, d := range choice.Delta.ToolCalls {
			if d.Index < 0 || d.Index > len(partials)+maxToolCallGap {
				return nil, fmt.Errorf("%s: stream tool call index %d out of range", c.name, d.Index)
			}
			for len(partials) <= d.Index {
				// A new call starts, so earlier names are complete.
				for _, prev := range partials {
					announce(prev)
				}
				partials = append(partials, &partialToolCall{})
			}
			p := partials[d.Index]
			if d.ID != "" {
				p.id = d.ID
			}
			// Names may arrive in fragments; the name is complete once a
			// delta for this call carries none.
			if d.Function.Name == "" {
				announce(p)
			}
			p.name += d.Function.Name
			p.arguments.WriteString(d.Function.Arguments)
		}

		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: read stream: %w", c.name, err)
	}

	var toolCalls []ToolCall
	for _, p := range partials {
		if p.name == "" {
			continue
		}
		announce(p)
		toolCalls = append(toolCalls, ToolCall{
			ID:       p.id,
			Type:     "function",
			Function: FunctionCall{Name: p.name, Arguments: p.arguments.String()},
		})
	}

	result := &ChatResponse{
		Model:        model,
		CreatedAt:    time.Now(),
		Message:      AssistantMessage(contentBuilder.String(), toolCalls),
		FinishReason: finishReason,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}

	emit(StreamEvent{Kind: KindDone, Response: result})

	c.logger.Debug("stream complete",
		"model", result.Model,
		"input_tokens", result.InputTokens,
		"output_tokens", result.OutputTokens,
		"tool_calls", len(toolCalls),
		"finish_reason", finishReason,
	)
	c.logger.Log(ctx, LevelTrace, "stream final content", "content", result.Message.Content)

	return result, nil
}

// Ping lists models to verify the endpoint and key.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", c.name, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 64*1024)

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return &APIError{Provider: c.name, StatusCode: resp.StatusCode, Body: "invalid API key"}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: unexpected status %d", c.name, resp.StatusCode)
	}
	return nil
}
