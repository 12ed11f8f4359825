// Package agent implements the core agent loop: one user turn driven
// through routing, generation and gated tool rounds until the model
// answers in plain text.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
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

// DefaultMaxIterations bounds the model calls a single turn may make.
const DefaultMaxIterations = 10

// Selector picks the model for a turn. *router.Router satisfies it.
type Selector interface {
	Select(ctx context.Context, req router.Request) (string, *router.Decision, error)
	SetMode(mode string) error
	Mode() string
}

// ToolRunner is the tool registry as seen by the loop.
// *tools.Registry satisfies it.
type ToolRunner interface {
	List() []map[string]any
	Summaries() []prompts.ToolSummary
	Execute(ctx context.Context, name string, args map[string]any) (string, error)
}

// Authorizer decides whether a tool call may run.
// *approval.Gate satisfies it.
type Authorizer interface {
	Authorize(ctx context.Context, tool string, args map[string]any) approval.Verdict
}

// Catalog answers capability questions about models.
// *models.Catalog satisfies it.
type Catalog interface {
	Has(name string) bool
	SupportsTools(name string) bool
	Lookup(name string) (models.Descriptor, bool)
}

// Archive persists every message appended to a chat.
// *memory.ArchiveStore satisfies it.
type Archive interface {
	Save(ctx context.Context, chatID string, msg llm.Message) error
}

// UsageRecorder persists token usage per model call.
// *usage.Store satisfies it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Deps are the collaborators a Loop needs. LLM, Router, Window, Prompts,
// Tools and Catalog are required; the rest are optional.
type Deps struct {
	LLM     llm.Client
	Router  Selector
	Window  *memory.Window
	Prompts *prompts.Builder
	Tools   ToolRunner
	Catalog Catalog

	Gate    Authorizer    // nil runs every call
	Archive Archive       // nil keeps no transcript
	Usage   UsageRecorder // nil records nothing
	Bus     *events.Bus   // nil publishes nothing
}

// Config tunes the loop.
type Config struct {
	MaxIterations int    // per turn; zero means DefaultMaxIterations
	Stream        bool   // default for ProcessTurn callers that do not care
	Override      string // model to pin for every turn; empty routes normally
}

// Loop drives conversation turns. One turn runs at a time per Loop;
// concurrent callers of ProcessTurn queue on the turn lock.
type Loop struct {
	logger  *slog.Logger
	llm     llm.Client
	router  Selector
	window  *memory.Window
	prompts *prompts.Builder
	tools   ToolRunner
	catalog Catalog
	gate    Authorizer
	archive Archive
	usage   UsageRecorder
	bus     *events.Bus

	maxIterations int
	stream        bool

	// compacted accumulates evictions reported by the window. The
	// window calls back with its lock held, so the event is emitted
	// later by flushCompaction.
	compacted atomic.Int64

	// turnMu is held for the whole of a turn, and by anything else that
	// rewrites the window (NewChat).
	turnMu sync.Mutex

	mu           sync.RWMutex
	chatID       string
	override     string
	sessionStart time.Time
	suggested    bool
	observers    []Observer
	counters     counters
}

// NewLoop creates a loop and starts its first chat.
func NewLoop(logger *slog.Logger, deps Deps, cfg Config) (*Loop, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch {
	case deps.LLM == nil:
		return nil, errors.New("agent: LLM client is required")
	case deps.Router == nil:
		return nil, errors.New("agent: router is required")
	case deps.Window == nil:
		return nil, errors.New("agent: context window is required")
	case deps.Prompts == nil:
		return nil, errors.New("agent: prompt builder is required")
	case deps.Tools == nil:
		return nil, errors.New("agent: tool registry is required")
	case deps.Catalog == nil:
		return nil, errors.New("agent: model catalog is required")
	}
	if cfg.Override != "" && !deps.Catalog.Has(cfg.Override) {
		return nil, fmt.Errorf("agent: %w: %s", router.ErrUnknownModel, cfg.Override)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}

	l := &Loop{
		logger:        logger,
		llm:           deps.LLM,
		router:        deps.Router,
		window:        deps.Window,
		prompts:       deps.Prompts,
		tools:         deps.Tools,
		catalog:       deps.Catalog,
		gate:          deps.Gate,
		archive:       deps.Archive,
		usage:         deps.Usage,
		bus:           deps.Bus,
		maxIterations: cfg.MaxIterations,
		stream:        cfg.Stream,
		override:      cfg.Override,
		chatID:        memory.NewChatID(),
		sessionStart:  time.Now(),
	}
	l.window.OnCompact(func(evicted int) {
		l.compacted.Add(int64(evicted))
	})
	l.window.SetSystem(l.prompts.System(l.tools.Summaries()))
	return l, nil
}

// Stream reports the configured streaming default.
func (l *Loop) Stream() bool { return l.stream }

// ChatID returns the current chat's identifier.
func (l *Loop) ChatID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.chatID
}

// ProcessTurn runs one user turn to completion and returns the answer.
// Errors are returned only when no model could be reached, the model
// selection itself failed, or ctx ended; tool failures, rejections and
// the iteration ceiling all produce text.
func (l *Loop) ProcessTurn(ctx context.Context, text string, stream bool) (string, error) {
	l.turnMu.Lock()
	defer l.turnMu.Unlock()

	start := time.Now()
	chatID := l.ChatID()
	ctx = tools.WithChatID(ctx, chatID)

	l.mu.Lock()
	l.counters.Turns++
	override := l.override
	l.mu.Unlock()

	l.emit(events.Event{Kind: events.KindTurnStart, Text: text})

	// The system prompt is rebuilt every turn so tools registered after
	// construction are described.
	l.window.SetSystem(l.prompts.System(l.tools.Summaries()))

	userMsg := l.prompts.UserMessage(text)
	l.appendMessage(ctx, chatID, userMsg)

	model, decision, err := l.router.Select(ctx, router.Request{
		Message:  text,
		HasImage: userMsg.HasImage(),
		Override: override,
	})
	if err != nil {
		return "", fmt.Errorf("select model: %w", err)
	}
	l.window.SetModel(model)
	l.flushCompaction()

	modelData := map[string]any{}
	if decision != nil {
		modelData["request_id"] = decision.RequestID
		modelData["path"] = decision.Path
		modelData["reasoning"] = decision.Reasoning
		if decision.Category != "" {
			modelData["category"] = decision.Category
		}
	}
	l.emit(events.Event{Kind: events.KindModel, Text: model, Data: modelData})

	l.logger.Info("turn started",
		"chat_id", chatID,
		"model", model,
		"path", modelData["path"],
		"stream", stream,
		"message_len", len(text),
	)

	t := &turn{chatID: chatID, model: model, stream: stream}
	if decision != nil {
		t.requestID = decision.RequestID
	}
	answer, iterations, err := l.run(ctx, t)
	if err != nil {
		l.logger.Error("turn failed",
			"chat_id", chatID,
			"model", model,
			"iterations", iterations,
			"error", err,
		)
		return "", err
	}

	l.appendMessage(ctx, chatID, llm.AssistantMessage(answer, nil))

	elapsed := time.Since(start)
	l.logger.Info("turn complete",
		"chat_id", chatID,
		"model", model,
		"iterations", iterations,
		"elapsed", elapsed.Round(time.Millisecond),
		"answer_len", len(answer),
	)
	l.emit(events.Event{
		Kind: events.KindTurnDone,
		Text: answer,
		Data: map[string]any{
			"model":      model,
			"iterations": iterations,
			"elapsed_ms": elapsed.Milliseconds(),
		},
	})
	l.maybeSuggestNewChat()

	return answer, nil
}

// turn carries the per-turn values threaded through the cycle.
type turn struct {
	chatID    string
	requestID string
	model     string
	stream    bool
	toolsOK   bool
	toolDefs  []map[string]any
}

// run is the generate/execute cycle. It returns the final text and the
// number of model calls made.
func (l *Loop) run(ctx context.Context, t *turn) (string, int, error) {
	chatID, model := t.chatID, t.model
	t.toolsOK = l.catalog.SupportsTools(model)
	if t.toolsOK {
		t.toolDefs = l.tools.List()
	}

	nudged := false
	for iter := range l.maxIterations {
		if err := ctx.Err(); err != nil {
			return "", iter, err
		}

		resp, err := l.generate(ctx, t)
		if err != nil {
			return "", iter + 1, err
		}

		calls := resp.Message.ToolCalls
		if len(calls) == 0 {
			answer := strings.TrimSpace(resp.Message.Content)
			if answer != "" {
				return answer, iter + 1, nil
			}
			// A model that went quiet after tool rounds usually answers
			// when asked directly. Ask once.
			if iter > 0 && !nudged && iter+1 < l.maxIterations {
				nudged = true
				l.logger.Warn("empty response after tool use, nudging",
					"chat_id", chatID,
					"model", model,
					"iter", iter,
				)
				l.appendMessage(ctx, chatID, llm.UserMessage(prompts.EmptyResponseNudge))
				continue
			}
			l.logger.Warn("empty response from model", "chat_id", chatID, "model", model, "iter", iter)
			return prompts.EmptyResponseFallback, iter + 1, nil
		}

		calls = normalizeToolCalls(calls)
		l.appendMessage(ctx, chatID, llm.AssistantMessage(resp.Message.Content, calls))
		for _, call := range calls {
			result := l.runTool(ctx, call)
			l.appendMessage(ctx, chatID, llm.ToolResultMessage(call.ID, result))
		}
	}

	l.logger.Warn("iteration ceiling reached",
		"chat_id", chatID,
		"model", model,
		"max_iterations", l.maxIterations,
	)
	return prompts.IterationLimit, l.maxIterations, nil
}

// generate makes one model call. A context-length rejection forces a
// compaction and a single retry.
func (l *Loop) generate(ctx context.Context, t *turn) (*llm.ChatResponse, error) {
	chatID, model := t.chatID, t.model
	call := func() (*llm.ChatResponse, error) {
		msgs := l.window.Snapshot(t.toolsOK)
		if t.stream {
			return l.llm.ChatStream(ctx, model, msgs, t.toolDefs, l.streamCallback())
		}
		return l.llm.Chat(ctx, model, msgs, t.toolDefs)
	}

	start := time.Now()
	resp, err := call()
	if err != nil && llm.IsContextLengthError(err) {
		evicted := l.window.Compact()
		l.compacted.Store(0)
		l.logger.Warn("context length exceeded, compacted and retrying",
			"chat_id", chatID,
			"model", model,
			"evicted", evicted,
		)
		l.emit(events.Event{
			Kind: events.KindInfo,
			Text: "Context too long for the model; compacting and retrying.",
			Data: map[string]any{"evicted": evicted},
		})
		resp, err = call()
	}
	if err != nil {
		return nil, fmt.Errorf("model call %s: %w", model, err)
	}

	l.mu.Lock()
	l.counters.ModelCalls++
	l.counters.InputTokens += int64(resp.InputTokens)
	l.counters.OutputTokens += int64(resp.OutputTokens)
	l.mu.Unlock()

	l.recordUsage(ctx, t, resp, time.Since(start))
	return resp, nil
}

func (l *Loop) streamCallback() llm.StreamCallback {
	return func(ev llm.StreamEvent) {
		switch ev.Kind {
		case llm.KindToken:
			if ev.Token != "" {
				l.emit(events.Event{Kind: events.KindDelta, Text: ev.Token})
			}
		case llm.KindToolCall:
			if ev.ToolCall != nil {
				l.emit(events.Event{
					Kind: events.KindInfo,
					Tool: ev.ToolCall.Function.Name,
					Text: "Preparing " + ev.ToolCall.Function.Name,
				})
			}
		}
	}
}

func (l *Loop) recordUsage(ctx context.Context, t *turn, resp *llm.ChatResponse, elapsed time.Duration) {
	if l.usage == nil {
		return
	}
	model := t.model
	provider := ""
	if d, ok := l.catalog.Lookup(model); ok {
		provider = d.Provider
	}
	if resp.TotalDuration > 0 {
		elapsed = resp.TotalDuration
	}
	err := l.usage.Record(ctx, usage.Record{
		ChatID:       t.chatID,
		RequestID:    t.requestID,
		Model:        model,
		Provider:     provider,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Duration:     elapsed,
		Role:         usage.RoleInteractive,
	})
	if err != nil {
		l.logger.Warn("failed to record usage", "model", model, "error", err)
	}
}

// appendMessage adds msg to the window and the archive. Archive
// failures are logged; the conversation carries on without them.
func (l *Loop) appendMessage(ctx context.Context, chatID string, msg llm.Message) {
	l.window.Append(msg)
	l.flushCompaction()
	if l.archive == nil {
		return
	}
	if err := l.archive.Save(context.WithoutCancel(ctx), chatID, msg); err != nil {
		l.logger.Warn("failed to archive message", "chat_id", chatID, "role", msg.Role, "error", err)
	}
}

func (l *Loop) flushCompaction() {
	evicted := l.compacted.Swap(0)
	if evicted == 0 {
		return
	}
	l.emit(events.Event{
		Kind: events.KindInfo,
		Text: fmt.Sprintf("Context compacted: %d older messages summarized.", evicted),
		Data: map[string]any{"evicted": evicted},
	})
}

func (l *Loop) maybeSuggestNewChat() {
	if !l.window.ShouldSuggestNewSession() {
		return
	}
	l.mu.Lock()
	already := l.suggested
	l.suggested = true
	l.mu.Unlock()
	if already {
		return
	}
	l.emit(events.Event{Kind: events.KindSuggestion, Text: prompts.NewSessionSuggestion})
}

// NewChat starts a fresh conversation: a new chat id, an empty window
// and cleared summary. It waits for any running turn to finish.
func (l *Loop) NewChat() string {
	l.turnMu.Lock()
	defer l.turnMu.Unlock()

	l.window.Reset()
	l.window.ClearSummary()
	l.window.SetSystem(l.prompts.System(l.tools.Summaries()))

	id := memory.NewChatID()
	l.mu.Lock()
	old := l.chatID
	l.chatID = id
	l.sessionStart = time.Now()
	l.suggested = false
	l.counters = counters{}
	l.mu.Unlock()

	l.logger.Info("new chat started", "old_chat_id", old, "chat_id", id)
	l.emit(events.Event{Kind: events.KindInfo, Text: "New chat started."})
	return id
}

// SetMode changes the router's selection mode.
func (l *Loop) SetMode(mode string) error {
	if err := l.router.SetMode(mode); err != nil {
		return err
	}
	l.emit(events.Event{Kind: events.KindInfo, Text: "Model mode set to: " + mode})
	return nil
}

// Mode returns the router's selection mode.
func (l *Loop) Mode() string {
	return l.router.Mode()
}

// SetModel pins a model for every following turn. An empty name, or
// "auto", clears the pin.
func (l *Loop) SetModel(name string) error {
	if name == "auto" {
		name = ""
	}
	if name != "" && !l.catalog.Has(name) {
		return fmt.Errorf("%w: %s", router.ErrUnknownModel, name)
	}
	l.mu.Lock()
	l.override = name
	l.mu.Unlock()

	text := "Model set to: " + name
	if name == "" {
		text = "Model override cleared; routing automatically."
	}
	l.emit(events.Event{Kind: events.KindInfo, Text: text})
	return nil
}

// Override returns the pinned model, if any.
func (l *Loop) Override() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.override
}

// PendingApproval reports a tool call waiting on a human. Wire it to
// [approval.Gate.OnPending].
func (l *Loop) PendingApproval(v approval.Verdict) {
	l.emit(events.Event{
		Kind: events.KindApprovalRequired,
		Tool: v.Tool,
		Text: v.Description,
	})
}

// StepDown reports a fallback from one model to the next. Wire it to
// [llm.FallbackClient.OnStepDown].
func (l *Loop) StepDown(failed, next string, err error) {
	l.emit(events.Event{
		Kind: events.KindModel,
		Text: next,
		Data: map[string]any{
			"path":   "fallback",
			"failed": failed,
			"error":  err.Error(),
		},
	})
}
