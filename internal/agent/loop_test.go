package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bonzainsights/mragent/internal/approval"
	"github.com/bonzainsights/mragent/internal/events"
	"github.com/bonzainsights/mragent/internal/llm"
	"github.com/bonzainsights/mragent/internal/memory"
	"github.com/bonzainsights/mragent/internal/models"
	"github.com/bonzainsights/mragent/internal/prompts"
	"github.com/bonzainsights/mragent/internal/router"
	"github.com/bonzainsights/mragent/internal/tools"
	"github.com/bonzainsights/mragent/internal/usage"
)

// mockLLM returns canned responses in order and records every call.
// Once responses run out it returns repeat, if set.
type mockLLM struct {
	mu        sync.Mutex
	responses []*llm.ChatResponse
	repeat    *llm.ChatResponse
	errs      []error  // errs[i], when non-nil, fails call i
	tokens    []string // streamed before a ChatStream call returns
	delay     time.Duration
	callIndex int
	calls     []mockLLMCall

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

type mockLLMCall struct {
	Model    string
	Messages []llm.Message
	Tools    []map[string]any
	Streamed bool
}

func (m *mockLLM) Chat(ctx context.Context, model string, msgs []llm.Message, td []map[string]any) (*llm.ChatResponse, error) {
	return m.respond(ctx, model, msgs, td, nil, false)
}

func (m *mockLLM) ChatStream(ctx context.Context, model string, msgs []llm.Message, td []map[string]any, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	return m.respond(ctx, model, msgs, td, cb, true)
}

func (m *mockLLM) Ping(_ context.Context) error { return nil }

func (m *mockLLM) respond(_ context.Context, model string, msgs []llm.Message, td []map[string]any, cb llm.StreamCallback, streamed bool) (*llm.ChatResponse, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	i := len(m.calls)
	m.calls = append(m.calls, mockLLMCall{Model: model, Messages: msgs, Tools: td, Streamed: streamed})

	if i < len(m.errs) && m.errs[i] != nil {
		return nil, m.errs[i]
	}

	var resp *llm.ChatResponse
	switch {
	case m.callIndex < len(m.responses):
		resp = m.responses[m.callIndex]
		m.callIndex++
	case m.repeat != nil:
		resp = m.repeat
	default:
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", i)
	}

	if cb != nil {
		for _, tok := range m.tokens {
			cb(llm.StreamEvent{Kind: llm.KindToken, Token: tok})
		}
		for _, tc := range resp.Message.ToolCalls {
			cb(llm.StreamEvent{Kind: llm.KindToolCall, ToolCall: &tc})
		}
		cb(llm.StreamEvent{Kind: llm.KindDone, Response: resp})
	}
	return resp, nil
}

func (m *mockLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func textResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: "assistant", Content: text},
		InputTokens:  100,
		OutputTokens: 10,
	}
}

func toolResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "test-model",
		Message:      llm.Message{Role: "assistant", ToolCalls: calls},
		InputTokens:  100,
		OutputTokens: 20,
	}
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCatalog(t *testing.T) *models.Catalog {
	t.Helper()
	c, err := models.NewCatalog([]models.Descriptor{
		{Name: "gpt-oss-120b", Provider: "nvidia", SupportsTools: true, ContextWindow: 128000},
		{Name: "gemma-3n", Provider: "nvidia", SupportsTools: false, ContextWindow: 32000},
		{Name: "qwen3-coder", Provider: "nvidia", SupportsTools: true, ContextWindow: 262144},
		{Name: "vision", Provider: "nvidia", SupportsTools: false, Vision: true, ContextWindow: 128000},
	}, map[models.Category]string{
		models.CategoryThinking: "gpt-oss-120b",
		models.CategoryFast:     "gemma-3n",
		models.CategoryCode:     "qwen3-coder",
		models.CategoryBrowsing: "gpt-oss-120b",
		models.CategoryGeneral:  "gpt-oss-120b",
		models.CategoryVision:   "vision",
	})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return c
}

// harness wires a Loop to real collaborators around a mock transport.
type harness struct {
	loop   *Loop
	llm    *mockLLM
	window *memory.Window
	gate   *approval.Gate

	mu       sync.Mutex
	events   []events.Event
	commands []string
	echoes   int
}

type harnessOpts struct {
	mode     string
	trust    approval.TrustLevel
	approver approval.Approver
	archive  Archive
	usage    UsageRecorder
	maxIter  int
}

func buildTestLoop(t *testing.T, mock *mockLLM, opts harnessOpts) *harness {
	t.Helper()
	h := &harness{llm: mock}

	cat := testCatalog(t)
	if opts.mode == "" {
		opts.mode = router.ModeThinking
	}
	rt, err := router.NewRouter(quietLogger(), router.Config{Catalog: cat, Mode: opts.mode})
	if err != nil {
		t.Fatalf("NewRouter: %v", err)
	}

	reg := tools.NewRegistry(quietLogger())
	mustRegister := func(tool *tools.Tool) {
		t.Helper()
		if err := reg.Register(tool); err != nil {
			t.Fatalf("Register(%s): %v", tool.Name, err)
		}
	}
	mustRegister(&tools.Tool{
		Name:        "echo",
		Description: "Echo text back",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
			"required":   []string{"text"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			h.mu.Lock()
			h.echoes++
			h.mu.Unlock()
			return "echo: " + args["text"].(string), nil
		},
	})
	mustRegister(&tools.Tool{
		Name:        "execute_terminal",
		Description: "Run a command",
		Parameters: map[string]any{
			"type":       "object",
			"properties": map[string]any{"command": map[string]any{"type": "string"}},
			"required":   []string{"command"},
		},
		Handler: func(_ context.Context, args map[string]any) (string, error) {
			c := args["command"].(string)
			h.mu.Lock()
			h.commands = append(h.commands, c)
			h.mu.Unlock()
			return "ran " + c, nil
		},
	})
	mustRegister(&tools.Tool{
		Name:        "fail",
		Description: "Always fails",
		Handler: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("boom")
		},
	})

	trust := opts.trust
	if trust == "" {
		trust = approval.Autonomous
	}
	gate, err := approval.NewGate(approval.Policy{TrustLevel: trust, WorkingDir: t.TempDir()}, quietLogger())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	if opts.approver != nil {
		gate.SetApprover(opts.approver)
	}
	h.gate = gate

	h.window = memory.NewWindow(memory.DefaultOptions(), cat, quietLogger())

	bus := events.New()
	deps := Deps{
		LLM:     mock,
		Router:  rt,
		Window:  h.window,
		Prompts: prompts.NewBuilder("MRAgent", "Tester", "", quietLogger()),
		Tools:   reg,
		Catalog: cat,
		Gate:    gate,
		Archive: opts.archive,
		Usage:   opts.usage,
		Bus:     bus,
	}
	l, err := NewLoop(quietLogger(), deps, Config{MaxIterations: opts.maxIter})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	gate.OnPending(l.PendingApproval)
	l.Observe(func(e events.Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	})
	h.loop = l
	return h
}

func (h *harness) eventsOf(kind events.Kind) []events.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []events.Event
	for _, e := range h.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// toolResults returns the tool-role messages of a recorded call.
func toolResults(msgs []llm.Message) []llm.Message {
	var out []llm.Message
	for _, m := range msgs {
		if m.Role == "tool" {
			out = append(out, m)
		}
	}
	return out
}

func TestProcessTurn_PlainAnswer(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("Hello, Tester!")}}
	h := buildTestLoop(t, mock, harnessOpts{})

	got, err := h.loop.ProcessTurn(context.Background(), "hi there", false)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if got != "Hello, Tester!" {
		t.Errorf("answer = %q, want %q", got, "Hello, Tester!")
	}
	if len(mock.calls) != 1 {
		t.Fatalf("LLM calls = %d, want 1", len(mock.calls))
	}

	call := mock.calls[0]
	if call.Model != "gpt-oss-120b" {
		t.Errorf("model = %q, want gpt-oss-120b", call.Model)
	}
	if call.Streamed {
		t.Error("non-streaming turn used ChatStream")
	}
	if len(call.Tools) != 3 {
		t.Errorf("tool schema entries = %d, want 3", len(call.Tools))
	}
	if call.Messages[0].Role != "system" {
		t.Errorf("first message role = %q, want system", call.Messages[0].Role)
	}
	last := call.Messages[len(call.Messages)-1]
	if last.Role != "user" || last.Content != "hi there" {
		t.Errorf("last message = %+v, want the user's text", last)
	}

	history := h.window.History()
	if len(history) != 2 || history[1].Role != "assistant" || history[1].Content != "Hello, Tester!" {
		t.Errorf("history = %+v, want user then assistant", history)
	}

	if m := h.eventsOf(events.KindModel); len(m) != 1 || m[0].Text != "gpt-oss-120b" {
		t.Errorf("model events = %+v", m)
	}
	if d := h.eventsOf(events.KindTurnDone); len(d) != 1 || d[0].Text != "Hello, Tester!" {
		t.Errorf("turn_done events = %+v", d)
	}
}

func TestProcessTurn_ToolRoundOrdering(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(
			toolCall("call-a", "echo", `{"text":"first"}`),
			toolCall("", "echo", `{"text":"second"}`),
		),
		textResponse("done"),
	}}
	h := buildTestLoop(t, mock, harnessOpts{})

	got, err := h.loop.ProcessTurn(context.Background(), "echo twice", false)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if got != "done" {
		t.Errorf("answer = %q, want done", got)
	}
	if len(mock.calls) != 2 {
		t.Fatalf("LLM calls = %d, want 2", len(mock.calls))
	}

	msgs := mock.calls[1].Messages
	n := len(msgs)
	if n < 4 {
		t.Fatalf("second call has %d messages", n)
	}
	assistant, r1, r2 := msgs[n-3], msgs[n-2], msgs[n-1]

	if assistant.Role != "assistant" || len(assistant.ToolCalls) != 2 {
		t.Fatalf("message before results = %+v, want assistant with 2 calls", assistant)
	}
	for i, c := range assistant.ToolCalls {
		if c.Type != "function" {
			t.Errorf("call %d type = %q, want function", i, c.Type)
		}
	}
	if assistant.ToolCalls[0].ID != "call-a" {
		t.Errorf("first id = %q, want call-a", assistant.ToolCalls[0].ID)
	}
	generated := assistant.ToolCalls[1].ID
	if !strings.HasPrefix(generated, "call_") {
		t.Errorf("generated id = %q, want call_ prefix", generated)
	}

	if r1.Role != "tool" || r1.ToolCallID != "call-a" || r1.Content != "echo: first" {
		t.Errorf("first result = %+v", r1)
	}
	if r2.Role != "tool" || r2.ToolCallID != generated || r2.Content != "echo: second" {
		t.Errorf("second result = %+v", r2)
	}

	starts := h.eventsOf(events.KindToolStart)
	results := h.eventsOf(events.KindToolResult)
	if len(starts) != 2 || len(results) != 2 {
		t.Fatalf("tool events: %d starts, %d results, want 2 each", len(starts), len(results))
	}
	if results[0].Text != "echo: first" || results[1].Text != "echo: second" {
		t.Errorf("tool_result order = %q, %q", results[0].Text, results[1].Text)
	}
}

func TestProcessTurn_IterationCeiling(t *testing.T) {
	mock := &mockLLM{repeat: toolResponse(toolCall("c", "echo", `{"text":"again"}`))}
	h := buildTestLoop(t, mock, harnessOpts{})

	got, err := h.loop.ProcessTurn(context.Background(), "loop forever", false)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if got != prompts.IterationLimit {
		t.Errorf("answer = %q, want the iteration limit message", got)
	}
	if c := mock.callCount(); c != DefaultMaxIterations {
		t.Errorf("LLM calls = %d, want exactly %d", c, DefaultMaxIterations)
	}
	if h.echoes != DefaultMaxIterations {
		t.Errorf("tool executions = %d, want %d", h.echoes, DefaultMaxIterations)
	}
}

func TestProcessTurn_CustomCeiling(t *testing.T) {
	mock := &mockLLM{repeat: toolResponse(toolCall("c", "echo", `{"text":"x"}`))}
	h := buildTestLoop(t, mock, harnessOpts{maxIter: 3})

	if _, err := h.loop.ProcessTurn(context.Background(), "go", false); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if c := mock.callCount(); c != 3 {
		t.Errorf("LLM calls = %d, want 3", c)
	}
}

func TestProcessTurn_CautiousGateAsksOnce(t *testing.T) {
	var asked atomic.Int32
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(toolCall("c1", "execute_terminal", `{"command":"make build"}`)),
		textResponse("built"),
	}}
	h := buildTestLoop(t, mock, harnessOpts{
		trust: approval.Cautious,
		approver: func(context.Context, string) bool {
			asked.Add(1)
			return true
		},
	})

	if _, err := h.loop.ProcessTurn(context.Background(), "build it", false); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if n := asked.Load(); n != 1 {
		t.Errorf("approver called %d times, want 1", n)
	}
	if len(h.commands) != 1 || h.commands[0] != "make build" {
		t.Errorf("commands run = %v, want [make build]", h.commands)
	}
	pending := h.eventsOf(events.KindApprovalRequired)
	if len(pending) != 1 || pending[0].Tool != "execute_terminal" {
		t.Errorf("approval_required events = %+v", pending)
	}
}

func TestProcessTurn_AutonomousNeverAsks(t *testing.T) {
	var asked atomic.Int32
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(toolCall("c1", "execute_terminal", `{"command":"make build"}`)),
		textResponse("built"),
	}}
	h := buildTestLoop(t, mock, harnessOpts{
		trust: approval.Autonomous,
		approver: func(context.Context, string) bool {
			asked.Add(1)
			return true
		},
	})

	if _, err := h.loop.ProcessTurn(context.Background(), "build it", false); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if n := asked.Load(); n != 0 {
		t.Errorf("approver called %d times, want 0", n)
	}
	if len(h.commands) != 1 {
		t.Errorf("commands run = %v, want one", h.commands)
	}
}

func TestProcessTurn_RejectedCallBecomesResult(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(toolCall("c1", "execute_terminal", `{"command":"make deploy"}`)),
		textResponse("ok, I won't"),
	}}
	h := buildTestLoop(t, mock, harnessOpts{
		trust:    approval.Cautious,
		approver: func(context.Context, string) bool { return false },
	})

	if _, err := h.loop.ProcessTurn(context.Background(), "deploy", false); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if len(h.commands) != 0 {
		t.Errorf("rejected command ran: %v", h.commands)
	}
	results := toolResults(mock.calls[1].Messages)
	if len(results) != 1 || results[0].Content != prompts.ToolRejected {
		t.Errorf("tool results = %+v, want the rejection string", results)
	}
	ev := h.eventsOf(events.KindToolResult)
	if len(ev) != 1 || ev[0].Data["ok"] != false || ev[0].Data["outcome"] != string(approval.OutcomeRejected) {
		t.Errorf("tool_result event = %+v", ev)
	}
}

func TestProcessTurn_HardBlockUnderAutonomous(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(toolCall("c1", "execute_terminal", `{"command":"rm -rf /"}`)),
		textResponse("refused"),
	}}
	h := buildTestLoop(t, mock, harnessOpts{trust: approval.Autonomous})

	if _, err := h.loop.ProcessTurn(context.Background(), "wipe it", false); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if len(h.commands) != 0 {
		t.Errorf("blocked command ran: %v", h.commands)
	}
	results := toolResults(mock.calls[1].Messages)
	if len(results) != 1 || results[0].Content != prompts.ToolBlocked {
		t.Errorf("tool results = %+v, want the block string", results)
	}
}

func TestProcessTurn_MalformedArguments(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(toolCall("c1", "echo", `{"text": "unterminated`)),
		textResponse("sorry"),
	}}
	h := buildTestLoop(t, mock, harnessOpts{})

	if _, err := h.loop.ProcessTurn(context.Background(), "echo", false); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	results := toolResults(mock.calls[1].Messages)
	if len(results) != 1 {
		t.Fatalf("tool results = %d, want 1", len(results))
	}
	// The call proceeds with no arguments, so the registry reports the
	// missing field.
	if !strings.HasPrefix(results[0].Content, "Error: invalid arguments for echo") {
		t.Errorf("result = %q, want a missing-argument error", results[0].Content)
	}
	if h.echoes != 0 {
		t.Errorf("handler ran %d times with bad arguments", h.echoes)
	}
}

func TestProcessTurn_ToolErrorAndUnknownTool(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(
			toolCall("c1", "fail", `{}`),
			toolCall("c2", "no_such_tool", `{}`),
		),
		textResponse("noted"),
	}}
	h := buildTestLoop(t, mock, harnessOpts{})

	if _, err := h.loop.ProcessTurn(context.Background(), "try", false); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	results := toolResults(mock.calls[1].Messages)
	if len(results) != 2 {
		t.Fatalf("tool results = %d, want 2", len(results))
	}
	if results[0].Content != "Error: boom" {
		t.Errorf("failing tool result = %q", results[0].Content)
	}
	if !strings.Contains(results[1].Content, `tool "no_such_tool" is not available`) {
		t.Errorf("unknown tool result = %q", results[1].Content)
	}
	if s := h.loop.Stats(); s.ToolCalls != 2 || s.ToolFailures != 2 {
		t.Errorf("stats tool calls/failures = %d/%d, want 2/2", s.ToolCalls, s.ToolFailures)
	}
}

func TestProcessTurn_ObserverPanicDoesNotAbort(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(toolCall("c1", "echo", `{"text":"hi"}`)),
		textResponse("fine"),
	}}
	h := buildTestLoop(t, mock, harnessOpts{})
	h.loop.Observe(func(events.Event) { panic("observer bug") })

	var after atomic.Int32
	h.loop.Observe(func(events.Event) { after.Add(1) })

	got, err := h.loop.ProcessTurn(context.Background(), "hi", false)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if got != "fine" {
		t.Errorf("answer = %q, want fine", got)
	}
	if after.Load() == 0 {
		t.Error("observer registered after the panicking one saw no events")
	}
}

func TestProcessTurn_ContextLengthRetry(t *testing.T) {
	mock := &mockLLM{
		errs: []error{&llm.APIError{
			Provider:   "nvidia",
			Model:      "gpt-oss-120b",
			StatusCode: 400,
			Body:       `{"error":"This model's maximum context length is 128000 tokens"}`,
		}},
		responses: []*llm.ChatResponse{textResponse("recovered")},
	}
	h := buildTestLoop(t, mock, harnessOpts{})

	got, err := h.loop.ProcessTurn(context.Background(), "long question", false)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if got != "recovered" {
		t.Errorf("answer = %q, want recovered", got)
	}
	if c := mock.callCount(); c != 2 {
		t.Errorf("LLM calls = %d, want 2", c)
	}
	if len(h.eventsOf(events.KindInfo)) == 0 {
		t.Error("no info event for the compaction retry")
	}
}

func TestProcessTurn_TransportFailurePropagates(t *testing.T) {
	exhausted := &llm.ExhaustedError{Tried: []string{"gpt-oss-120b", "gemma-3n"}, Last: errors.New("503")}
	mock := &mockLLM{errs: []error{exhausted}}
	h := buildTestLoop(t, mock, harnessOpts{})

	_, err := h.loop.ProcessTurn(context.Background(), "hello", false)
	if err == nil {
		t.Fatal("expected an error")
	}
	var ex *llm.ExhaustedError
	if !errors.As(err, &ex) {
		t.Errorf("error %v does not wrap ExhaustedError", err)
	}
	if len(h.eventsOf(events.KindTurnDone)) != 0 {
		t.Error("failed turn emitted turn_done")
	}
}

func TestProcessTurn_StreamingDeltas(t *testing.T) {
	mock := &mockLLM{
		tokens:    []string{"Hel", "lo"},
		responses: []*llm.ChatResponse{textResponse("Hello")},
	}
	h := buildTestLoop(t, mock, harnessOpts{})

	if _, err := h.loop.ProcessTurn(context.Background(), "hi", true); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if !mock.calls[0].Streamed {
		t.Error("streaming turn did not use ChatStream")
	}
	deltas := h.eventsOf(events.KindDelta)
	if len(deltas) != 2 || deltas[0].Text != "Hel" || deltas[1].Text != "lo" {
		t.Errorf("deltas = %+v, want Hel, lo", deltas)
	}
	for _, d := range deltas {
		if d.ChatID != h.loop.ChatID() {
			t.Errorf("delta chat id = %q, want %q", d.ChatID, h.loop.ChatID())
		}
	}
}

func TestProcessTurn_ModelWithoutTools(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("quick")}}
	h := buildTestLoop(t, mock, harnessOpts{mode: router.ModeFast})

	if _, err := h.loop.ProcessTurn(context.Background(), "hi", false); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	call := mock.calls[0]
	if call.Model != "gemma-3n" {
		t.Errorf("model = %q, want gemma-3n", call.Model)
	}
	if call.Tools != nil {
		t.Errorf("tool schema sent to a model without tools: %d entries", len(call.Tools))
	}
}

func TestProcessTurn_ImageRoutesToVision(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("a cat")}}
	h := buildTestLoop(t, mock, harnessOpts{mode: router.ModeAuto})

	if _, err := h.loop.ProcessTurn(context.Background(), "what is this [image: https://example.com/cat.png]", false); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	call := mock.calls[0]
	if call.Model != "vision" {
		t.Errorf("model = %q, want vision", call.Model)
	}
	last := call.Messages[len(call.Messages)-1]
	if !last.HasImage() {
		t.Errorf("user message lost its image: %+v", last)
	}
}

func TestProcessTurn_EmptyResponseNudge(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(toolCall("c1", "echo", `{"text":"x"}`)),
		textResponse(""),
		textResponse("Here you go."),
	}}
	h := buildTestLoop(t, mock, harnessOpts{})

	got, err := h.loop.ProcessTurn(context.Background(), "do it", false)
	if err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if got != "Here you go." {
		t.Errorf("answer = %q", got)
	}
	if len(mock.calls) != 3 {
		t.Fatalf("LLM calls = %d, want 3", len(mock.calls))
	}
	msgs := mock.calls[2].Messages
	if last := msgs[len(msgs)-1]; last.Role != "user" || last.Content != prompts.EmptyResponseNudge {
		t.Errorf("last message of the third call = %+v, want the nudge", last)
	}
}

func TestProcessTurn_EmptyResponseFallback(t *testing.T) {
	tests := []struct {
		name      string
		responses []*llm.ChatResponse
		wantCalls int
	}{
		{
			name:      "empty on first call",
			responses: []*llm.ChatResponse{textResponse("  ")},
			wantCalls: 1,
		},
		{
			name: "empty after nudge",
			responses: []*llm.ChatResponse{
				toolResponse(toolCall("c1", "echo", `{"text":"x"}`)),
				textResponse(""),
				textResponse(""),
			},
			wantCalls: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockLLM{responses: tt.responses}
			h := buildTestLoop(t, mock, harnessOpts{})

			got, err := h.loop.ProcessTurn(context.Background(), "hello", false)
			if err != nil {
				t.Fatalf("ProcessTurn: %v", err)
			}
			if got != prompts.EmptyResponseFallback {
				t.Errorf("answer = %q, want the fallback", got)
			}
			if c := mock.callCount(); c != tt.wantCalls {
				t.Errorf("LLM calls = %d, want %d", c, tt.wantCalls)
			}
		})
	}
}

func TestProcessTurn_TurnsAreSerialized(t *testing.T) {
	mock := &mockLLM{
		repeat: textResponse("ok"),
		delay:  20 * time.Millisecond,
	}
	h := buildTestLoop(t, mock, harnessOpts{})

	var wg sync.WaitGroup
	for i := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.loop.ProcessTurn(context.Background(), fmt.Sprintf("turn %d", i), false); err != nil {
				t.Errorf("ProcessTurn: %v", err)
			}
		}()
	}
	wg.Wait()

	if n := mock.maxInFlight.Load(); n != 1 {
		t.Errorf("max concurrent model calls = %d, want 1", n)
	}
	if s := h.loop.Stats(); s.Turns != 4 {
		t.Errorf("turns = %d, want 4", s.Turns)
	}
}

func TestProcessTurn_CancelledContext(t *testing.T) {
	mock := &mockLLM{repeat: textResponse("never")}
	h := buildTestLoop(t, mock, harnessOpts{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := h.loop.ProcessTurn(ctx, "hi", false); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if c := mock.callCount(); c != 0 {
		t.Errorf("LLM called %d times after cancellation", c)
	}
}

// stubArchive counts saved messages per chat.
type stubArchive struct {
	mu    sync.Mutex
	saved map[string][]llm.Message
}

func (s *stubArchive) Save(_ context.Context, chatID string, msg llm.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saved == nil {
		s.saved = make(map[string][]llm.Message)
	}
	s.saved[chatID] = append(s.saved[chatID], msg)
	return nil
}

type stubUsage struct {
	mu      sync.Mutex
	records []usage.Record
}

func (s *stubUsage) Record(_ context.Context, rec usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func TestProcessTurn_ArchiveAndUsage(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolResponse(toolCall("c1", "echo", `{"text":"x"}`)),
		textResponse("done"),
	}}
	arch := &stubArchive{}
	rec := &stubUsage{}
	h := buildTestLoop(t, mock, harnessOpts{archive: arch, usage: rec})

	if _, err := h.loop.ProcessTurn(context.Background(), "go", false); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}

	saved := arch.saved[h.loop.ChatID()]
	wantRoles := []string{"user", "assistant", "tool", "assistant"}
	if len(saved) != len(wantRoles) {
		t.Fatalf("archived %d messages, want %d", len(saved), len(wantRoles))
	}
	for i, r := range wantRoles {
		if saved[i].Role != r {
			t.Errorf("archived[%d].Role = %q, want %q", i, saved[i].Role, r)
		}
	}

	if len(rec.records) != 2 {
		t.Fatalf("usage records = %d, want 2", len(rec.records))
	}
	r := rec.records[0]
	if r.Model != "gpt-oss-120b" || r.Provider != "nvidia" || r.ChatID != h.loop.ChatID() || r.InputTokens != 100 {
		t.Errorf("usage record = %+v", r)
	}
	if r.RequestID == "" {
		t.Error("usage record has no request id")
	}

	s := h.loop.Stats()
	if s.ModelCalls != 2 || s.InputTokens != 200 || s.OutputTokens != 30 {
		t.Errorf("stats = %+v", s)
	}
}

func TestNewChat(t *testing.T) {
	mock := &mockLLM{repeat: textResponse("ok")}
	h := buildTestLoop(t, mock, harnessOpts{})

	if _, err := h.loop.ProcessTurn(context.Background(), "remember this", false); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	before := h.loop.ChatID()

	id := h.loop.NewChat()
	if id == before || id != h.loop.ChatID() {
		t.Errorf("NewChat() = %q, previous %q, current %q", id, before, h.loop.ChatID())
	}
	if n := h.window.Len(); n != 0 {
		t.Errorf("window has %d messages after NewChat", n)
	}
	if n := len(h.window.History()); n != 0 {
		t.Errorf("history has %d messages after NewChat", n)
	}
	if s := h.loop.Stats(); s.Turns != 0 || s.ModelCalls != 0 {
		t.Errorf("counters not reset: %+v", s)
	}

	if _, err := h.loop.ProcessTurn(context.Background(), "fresh", false); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	msgs := mock.calls[len(mock.calls)-1].Messages
	if msgs[0].Role != "system" {
		t.Errorf("first message after NewChat = %q, want system", msgs[0].Role)
	}
	for _, m := range msgs {
		if m.Content == "remember this" {
			t.Error("previous chat leaked into the new one")
		}
	}
}

func TestSetModelAndMode(t *testing.T) {
	mock := &mockLLM{repeat: textResponse("ok")}
	h := buildTestLoop(t, mock, harnessOpts{})

	if err := h.loop.SetModel("nonexistent"); !errors.Is(err, router.ErrUnknownModel) {
		t.Errorf("SetModel(nonexistent) = %v, want ErrUnknownModel", err)
	}
	if err := h.loop.SetModel("qwen3-coder"); err != nil {
		t.Fatalf("SetModel: %v", err)
	}
	if _, err := h.loop.ProcessTurn(context.Background(), "hi", false); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if got := mock.calls[0].Model; got != "qwen3-coder" {
		t.Errorf("model = %q, want the pinned qwen3-coder", got)
	}

	if err := h.loop.SetModel("auto"); err != nil {
		t.Fatalf("SetModel(auto): %v", err)
	}
	if h.loop.Override() != "" {
		t.Errorf("override = %q after auto", h.loop.Override())
	}

	if err := h.loop.SetMode("bogus"); !errors.Is(err, router.ErrUnknownMode) {
		t.Errorf("SetMode(bogus) = %v, want ErrUnknownMode", err)
	}
	if err := h.loop.SetMode(router.ModeFast); err != nil {
		t.Fatalf("SetMode: %v", err)
	}
	if _, err := h.loop.ProcessTurn(context.Background(), "hi", false); err != nil {
		t.Fatalf("ProcessTurn: %v", err)
	}
	if got := mock.calls[1].Model; got != "gemma-3n" {
		t.Errorf("model = %q, want gemma-3n in fast mode", got)
	}
	if h.loop.Mode() != router.ModeFast {
		t.Errorf("Mode() = %q", h.loop.Mode())
	}
}

func TestNewLoop_RequiresCollaborators(t *testing.T) {
	if _, err := NewLoop(quietLogger(), Deps{}, Config{}); err == nil {
		t.Error("NewLoop with no deps succeeded")
	}
}

func TestNormalizeToolCalls(t *testing.T) {
	in := []llm.ToolCall{
		{ID: "keep", Type: "", Function: llm.FunctionCall{Name: "a"}},
		{Function: llm.FunctionCall{Name: "b"}},
	}
	out := normalizeToolCalls(in)

	if out[0].ID != "keep" || out[0].Type != "function" {
		t.Errorf("out[0] = %+v", out[0])
	}
	if !strings.HasPrefix(out[1].ID, "call_") || out[1].Type != "function" {
		t.Errorf("out[1] = %+v", out[1])
	}
	if in[1].ID != "" || in[0].Type != "" {
		t.Error("normalizeToolCalls modified its input")
	}
}

func TestStepDownEvent(t *testing.T) {
	mock := &mockLLM{}
	h := buildTestLoop(t, mock, harnessOpts{})

	h.loop.StepDown("gpt-oss-120b", "gemma-3n", errors.New("HTTP 503"))

	ev := h.eventsOf(events.KindModel)
	if len(ev) != 1 || ev[0].Text != "gemma-3n" || ev[0].Data["failed"] != "gpt-oss-120b" {
		t.Errorf("model events = %+v", ev)
	}
}
