package llm

import (
	"context"
	"reflect"
	"testing"
)

func TestMultiClient_RoutesAndTranslates(t *testing.T) {
	nim := newScripted(nil)
	local := newScripted(nil)

	m := NewMultiClient(nil)
	m.AddProvider("nvidia", nim)
	m.AddProvider("ollama", local)
	m.AddModel("llama-3.3-70b", "nvidia", "meta/llama-3.3-70b-instruct")
	m.AddModel("qwen", "ollama", "")

	resp, err := m.Chat(context.Background(), "llama-3.3-70b", nil, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !reflect.DeepEqual(nim.calls, []string{"meta/llama-3.3-70b-instruct"}) {
		t.Errorf("nim calls = %v", nim.calls)
	}
	if resp.Model != "llama-3.3-70b" {
		t.Errorf("resp.Model = %q, want friendly name", resp.Model)
	}

	if _, err := m.ChatStream(context.Background(), "qwen", nil, nil, nil); err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if !reflect.DeepEqual(local.calls, []string{"qwen"}) {
		t.Errorf("local calls = %v", local.calls)
	}
}

func TestMultiClient_Unknown(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.Chat(context.Background(), "nope", nil, nil); err == nil {
		t.Error("Chat(unknown) without fallback should fail")
	}

	m.AddModel("orphan", "missing", "")
	if _, err := m.Chat(context.Background(), "orphan", nil, nil); err == nil {
		t.Error("Chat(orphan) with unconfigured provider should fail")
	}

	fb := newScripted(nil)
	m = NewMultiClient(fb)
	if _, err := m.Chat(context.Background(), "anything", nil, nil); err != nil {
		t.Errorf("fallback Chat: %v", err)
	}
	if !reflect.DeepEqual(fb.calls, []string{"anything"}) {
		t.Errorf("fallback calls = %v", fb.calls)
	}
}
