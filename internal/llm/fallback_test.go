package llm

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

// scriptedClient fails for models listed in errs and records calls.
type scriptedClient struct {
	errs  map[string]error
	calls []string
	tools map[string]int // model → len(tools) seen
	msgs  map[string][]Message
}

func newScripted(errs map[string]error) *scriptedClient {
	return &scriptedClient{errs: errs, tools: map[string]int{}, msgs: map[string][]Message{}}
}

func (s *scriptedClient) Chat(_ context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	s.calls = append(s.calls, model)
	s.tools[model] = len(tools)
	s.msgs[model] = messages
	if err := s.errs[model]; err != nil {
		return nil, err
	}
	return &ChatResponse{Model: model, Message: AssistantMessage("ok from "+model, nil)}, nil
}

func (s *scriptedClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, _ StreamCallback) (*ChatResponse, error) {
	return s.Chat(ctx, model, messages, tools)
}

func (s *scriptedClient) Ping(context.Context) error { return nil }

var errUnavailable = &APIError{Provider: "p", StatusCode: 503, Body: "unavailable"}

func TestFallbackClient_Chain(t *testing.T) {
	f := NewFallbackClient(newScripted(nil), []string{"a", "b", "c"}, nil, quietLogger())

	tests := []struct {
		model string
		want  []string
	}{
		{"a", []string{"a", "b", "c"}},
		{"b", []string{"b", "c"}},
		{"c", []string{"c"}},
		{"x", []string{"x", "a", "b", "c"}},
	}
	for _, tt := range tests {
		if got := f.Chain(tt.model); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Chain(%q) = %v, want %v", tt.model, got, tt.want)
		}
	}
}

func TestFallbackClient_StepsDown(t *testing.T) {
	inner := newScripted(map[string]error{"a": errUnavailable, "b": errors.New("timeout")})
	f := NewFallbackClient(inner, []string{"a", "b", "c"}, nil, quietLogger())

	var steps [][2]string
	f.OnStepDown = func(failed, next string, _ error) {
		steps = append(steps, [2]string{failed, next})
	}

	resp, err := f.Chat(context.Background(), "a", []Message{UserMessage("hi")}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Model != "c" {
		t.Errorf("answered by %q, want c", resp.Model)
	}
	if !reflect.DeepEqual(inner.calls, []string{"a", "b", "c"}) {
		t.Errorf("calls = %v", inner.calls)
	}
	want := [][2]string{{"a", "b"}, {"b", "c"}}
	if !reflect.DeepEqual(steps, want) {
		t.Errorf("steps = %v, want %v", steps, want)
	}
}

func TestFallbackClient_Exhausted(t *testing.T) {
	inner := newScripted(map[string]error{"a": errUnavailable, "b": errUnavailable})
	f := NewFallbackClient(inner, []string{"a", "b"}, nil, quietLogger())

	_, err := f.Chat(context.Background(), "a", nil, nil)
	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("err = %v, want *ExhaustedError", err)
	}
	if !reflect.DeepEqual(ex.Tried, []string{"a", "b"}) {
		t.Errorf("Tried = %v", ex.Tried)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Error("ExhaustedError should unwrap to the last APIError")
	}
}

func TestFallbackClient_StopsOnFatalErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"auth", &APIError{StatusCode: 401, Body: "bad key"}},
		{"context length", &APIError{StatusCode: 400, Body: "maximum context length exceeded"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inner := newScripted(map[string]error{"a": tt.err})
			f := NewFallbackClient(inner, []string{"a", "b"}, nil, quietLogger())

			_, err := f.Chat(context.Background(), "a", nil, nil)
			if !errors.Is(err, tt.err) {
				t.Errorf("err = %v, want %v", err, tt.err)
			}
			if len(inner.calls) != 1 {
				t.Errorf("calls = %v, want only a", inner.calls)
			}
		})
	}
}

func TestFallbackClient_StripsToolsForIncapableModels(t *testing.T) {
	inner := newScripted(map[string]error{"a": errUnavailable})
	supports := func(m string) bool { return m == "a" }
	f := NewFallbackClient(inner, []string{"a", "b"}, supports, quietLogger())

	msgs := []Message{
		UserMessage("list"),
		AssistantMessage("", []ToolCall{{ID: "1", Function: FunctionCall{Name: "list_files"}}}),
		ToolResultMessage("1", "a.txt"),
	}
	tools := []map[string]any{{"type": "function"}}

	if _, err := f.ChatStream(context.Background(), "a", msgs, tools, nil); err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if inner.tools["a"] != 1 {
		t.Errorf("a saw %d tools, want 1", inner.tools["a"])
	}
	if inner.tools["b"] != 0 {
		t.Errorf("b saw %d tools, want 0", inner.tools["b"])
	}
	if got := inner.msgs["b"]; len(got) != 1 || got[0].Role != RoleUser {
		t.Errorf("b messages = %+v, want only the user message", got)
	}
}

func TestFallbackClient_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inner := newScripted(map[string]error{"a": context.Canceled})
	f := NewFallbackClient(inner, []string{"a", "b"}, nil, quietLogger())

	if _, err := f.Chat(ctx, "a", nil, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if len(inner.calls) != 1 {
		t.Errorf("calls = %v", inner.calls)
	}
}
