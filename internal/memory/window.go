// Package memory holds the conversation state the agent sends to the
// model: a token-budgeted active window with extractive compaction, the
// unbounded in-process history, and a sqlite transcript archive.
package memory

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/bonzainsights/mragent/internal/llm"
	"github.com/bonzainsights/mragent/internal/prompts"
)

// Options controls the window's budget and compaction behavior.
type Options struct {
	DefaultWindow   int     // context window for models the catalog does not know
	ResponseReserve int     // tokens held back for the model's reply
	Threshold       float64 // compact when usage ratio reaches this
	KeepRecent      int     // messages always kept verbatim
	MinMessages     int     // windows this small are never compacted
	PreviewChars    int     // per-message preview length in the summary
	MaxSummaryChars int     // summary cap; oldest lines dropped beyond it (0 = unbounded)
}

// DefaultOptions returns the stock budget settings.
func DefaultOptions() Options {
	return Options{
		DefaultWindow:   32000,
		ResponseReserve: 8000,
		Threshold:       0.8,
		KeepRecent:      6,
		MinMessages:     4,
		PreviewChars:    200,
		MaxSummaryChars: 8000,
	}
}

// Suggestion thresholds for starting a fresh session.
const (
	suggestHistoryLen   = 50
	suggestSummaryChars = 2000
)

// ContextWindows reports a model's context window in tokens, or 0 if
// the model is unknown. *models.Catalog satisfies it.
type ContextWindows interface {
	ContextWindow(name string) int
}

// Usage is a point-in-time view of the token ledger.
type Usage struct {
	Used      int     `json:"used"`
	Available int     `json:"available"`
	Remaining int     `json:"remaining"`
	Ratio     float64 `json:"ratio"`
}

// Stats summarises the window for status output.
type Stats struct {
	Model              string  `json:"model"`
	ContextWindow      int     `json:"context_window"`
	Usage              Usage   `json:"usage"`
	ActiveMessages     int     `json:"active_messages"`
	HistoryMessages    int     `json:"history_messages"`
	SummaryChars       int     `json:"summary_chars"`
	Compactions        int     `json:"compactions"`
	CompactionTriggers int     `json:"compaction_triggers"`
	UsageRatio         float64 `json:"usage_ratio"`
}

type entry struct {
	msg    llm.Message
	tokens int
}

// Window is the active conversation sent to the model. The system
// message is pinned ahead of everything else and never evicted; the
// rest is a FIFO of messages that is compacted into a flat extractive
// summary when the ledger crosses the threshold.
//
// Window is safe for concurrent use, but the agent loop is expected to
// be its only writer.
type Window struct {
	mu sync.Mutex

	opts    Options
	windows ContextWindows
	logger  *slog.Logger

	model         string
	contextWindow int
	budget        int

	system   *entry
	messages []entry
	history  []llm.Message
	summary  string
	total    int

	compactions int
	triggers    int
	onCompact   func(evicted int)
}

// NewWindow creates an empty window. windows may be nil, in which case
// every model gets opts.DefaultWindow.
func NewWindow(opts Options, windows ContextWindows, logger *slog.Logger) *Window {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultOptions()
	if opts.DefaultWindow <= 0 {
		opts.DefaultWindow = d.DefaultWindow
	}
	if opts.ResponseReserve < 0 {
		opts.ResponseReserve = 0
	}
	if opts.Threshold <= 0 || opts.Threshold > 1 {
		opts.Threshold = d.Threshold
	}
	if opts.KeepRecent <= 0 {
		opts.KeepRecent = d.KeepRecent
	}
	if opts.MinMessages < 0 {
		opts.MinMessages = 0
	}
	if opts.PreviewChars <= 0 {
		opts.PreviewChars = d.PreviewChars
	}

	w := &Window{opts: opts, windows: windows, logger: logger}
	w.setBudget("")
	return w
}

// OnCompact registers fn to be called after every compaction that
// evicted at least one message. fn runs with the window locked and
// must not call back into it.
func (w *Window) OnCompact(fn func(evicted int)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onCompact = fn
}

func (w *Window) setBudget(model string) {
	size := 0
	if w.windows != nil && model != "" {
		size = w.windows.ContextWindow(model)
	}
	if size <= 0 {
		size = w.opts.DefaultWindow
	}
	budget := size - w.opts.ResponseReserve
	if budget <= 0 {
		budget = max(size/2, 1)
	}
	w.model = model
	w.contextWindow = size
	w.budget = budget
}

// SetModel switches the budget to model's context window. Unknown
// models get the default window. A smaller budget that pushes usage
// over the threshold compacts immediately.
func (w *Window) SetModel(model string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if model == w.model {
		return
	}
	w.setBudget(model)
	w.logger.Debug("context budget set", "model", model, "context_window", w.contextWindow, "budget", w.budget)

	if w.ratio() >= w.opts.Threshold {
		w.triggers++
		w.compactLocked()
	}
}

// Model returns the model whose budget is active.
func (w *Window) Model() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.model
}

// SetSystem replaces the pinned system message.
func (w *Window) SetSystem(text string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.system != nil {
		w.total -= w.system.tokens
	}
	msg := llm.SystemMessage(text)
	w.system = &entry{msg: msg, tokens: EstimateMessage(msg)}
	w.total += w.system.tokens
}

// Append adds msg to the active window and the full history. If usage
// reaches the threshold the window is compacted before Append returns.
func (w *Window) Append(msg llm.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()

	e := entry{msg: msg, tokens: EstimateMessage(msg)}
	w.messages = append(w.messages, e)
	w.history = append(w.history, msg)
	w.total += e.tokens

	w.logger.Debug("message appended",
		"role", msg.Role,
		"tokens", e.tokens,
		"used", w.total,
		"budget", w.budget,
	)

	if w.ratio() >= w.opts.Threshold {
		w.triggers++
		w.compactLocked()
	}
}

// Snapshot returns the messages for the next model call: the system
// message, the summary (if any) as a labelled system message, then the
// active window. With includeTools false, tool traffic is stripped for
// models that cannot take it. The returned slice is a fresh copy.
func (w *Window) Snapshot(includeTools bool) []llm.Message {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]llm.Message, 0, len(w.messages)+2)
	if w.system != nil {
		out = append(out, w.system.msg)
	}
	if w.summary != "" {
		out = append(out, llm.SystemMessage(prompts.SummaryMessage(w.summary)))
	}

	active := make([]llm.Message, 0, len(w.messages))
	for _, e := range w.messages {
		m := e.msg
		m.Parts = slices.Clone(m.Parts)
		m.ToolCalls = slices.Clone(m.ToolCalls)
		active = append(active, m)
	}
	if !includeTools {
		active = llm.WithoutTools(active)
	}
	return append(out, active...)
}

func (w *Window) ratio() float64 {
	if w.budget <= 0 {
		return 1
	}
	return float64(w.total) / float64(w.budget)
}

// Usage reports the current ledger.
func (w *Window) Usage() Usage {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.usageLocked()
}

func (w *Window) usageLocked() Usage {
	return Usage{
		Used:      w.total,
		Available: w.budget,
		Remaining: max(0, w.budget-w.total),
		Ratio:     w.ratio(),
	}
}

// Compact forces a compaction regardless of usage and returns the
// number of messages evicted. Used after a provider rejects a request
// as too long.
func (w *Window) Compact() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.compactLocked()
}

func (w *Window) compactLocked() int {
	n := len(w.messages)
	if n <= w.opts.MinMessages {
		return 0
	}

	cut := n - w.opts.KeepRecent
	// Never orphan tool results from the assistant message that
	// requested them; keep the whole exchange instead.
	for cut > 0 && cut < n && w.messages[cut].msg.Role == llm.RoleTool {
		cut--
	}
	if cut <= 0 {
		return 0
	}

	head := w.messages[:cut]
	lines := make([]string, 0, len(head)+1)
	if w.summary != "" {
		lines = append(lines, w.summary)
	}
	for _, e := range head {
		text := e.msg.Text()
		if text == "" {
			continue
		}
		lines = append(lines, fmt.Sprintf("[%s]: %s", e.msg.Role, preview(text, w.opts.PreviewChars)))
	}
	w.summary = capSummary(strings.Join(lines, "\n"), w.opts.MaxSummaryChars)

	before := w.total
	w.messages = slices.Clone(w.messages[cut:])
	w.recomputeLocked()
	w.compactions++

	w.logger.Info("context compacted",
		"model", w.model,
		"evicted", cut,
		"kept", len(w.messages),
		"tokens_before", before,
		"tokens_after", w.total,
		"summary_chars", len(w.summary),
	)

	if w.onCompact != nil {
		w.onCompact(cut)
	}
	return cut
}

func (w *Window) recomputeLocked() {
	total := 0
	if w.system != nil {
		total += w.system.tokens
	}
	for _, e := range w.messages {
		total += e.tokens
	}
	w.total = total + EstimateTokens(w.summary)
}

// preview returns the first n runes of s, marking truncation.
func preview(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// capSummary drops the oldest lines of s until it fits in limit runes.
// A single line longer than limit keeps its tail.
func capSummary(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	lines := strings.Split(s, "\n")
	for len(lines) > 1 && utf8.RuneCountInString(strings.Join(lines, "\n")) > limit {
		lines = lines[1:]
	}
	out := strings.Join(lines, "\n")
	if r := []rune(out); len(r) > limit {
		out = string(r[len(r)-limit:])
	}
	return out
}

// Reset empties the active window, including the pinned system
// message. History and summary survive; the ledger then holds only the
// summary's cost.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.messages = nil
	w.system = nil
	w.recomputeLocked()
	w.logger.Debug("context window reset", "summary_chars", len(w.summary))
}

// ClearSummary drops the accumulated summary and the full history.
// Together with Reset it starts a new conversation.
func (w *Window) ClearSummary() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.summary = ""
	w.history = nil
	w.recomputeLocked()
}

// ShouldSuggestNewSession reports whether the conversation looks long
// and drifted enough that a fresh chat would serve the user better.
func (w *Window) ShouldSuggestNewSession() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.history) > suggestHistoryLen && len(w.summary) > suggestSummaryChars
}

// History returns every message appended since the last ClearSummary.
func (w *Window) History() []llm.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return slices.Clone(w.history)
}

// Summary returns the accumulated compaction summary.
func (w *Window) Summary() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.summary
}

// Len returns the number of messages in the active window, excluding
// the system message.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.messages)
}

// Stats returns a snapshot for status output.
func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	u := w.usageLocked()
	return Stats{
		Model:              w.model,
		ContextWindow:      w.contextWindow,
		Usage:              u,
		ActiveMessages:     len(w.messages),
		HistoryMessages:    len(w.history),
		SummaryChars:       len(w.summary),
		Compactions:        w.compactions,
		CompactionTriggers: w.triggers,
		UsageRatio:         u.Ratio,
	}
}
