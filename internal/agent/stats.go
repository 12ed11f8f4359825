package agent

import (
	"time"

	"github.com/bonzainsights/mragent/internal/memory"
)

type counters struct {
	Turns        int
	ModelCalls   int
	ToolCalls    int
	ToolFailures int
	InputTokens  int64
	OutputTokens int64
}

// Stats is a point-in-time view of the current chat.
type Stats struct {
	ChatID       string       `json:"chat_id"`
	Mode         string       `json:"mode"`
	Override     string       `json:"override,omitempty"`
	SessionStart time.Time    `json:"session_start"`
	Turns        int          `json:"turns"`
	ModelCalls   int          `json:"model_calls"`
	ToolCalls    int          `json:"tool_calls"`
	ToolFailures int          `json:"tool_failures"`
	InputTokens  int64        `json:"input_tokens"`
	OutputTokens int64        `json:"output_tokens"`
	Context      memory.Stats `json:"context"`
}

// Stats returns token usage and turn counters for the current chat.
func (l *Loop) Stats() Stats {
	l.mu.RLock()
	s := Stats{
		ChatID:       l.chatID,
		Override:     l.override,
		SessionStart: l.sessionStart,
		Turns:        l.counters.Turns,
		ModelCalls:   l.counters.ModelCalls,
		ToolCalls:    l.counters.ToolCalls,
		ToolFailures: l.counters.ToolFailures,
		InputTokens:  l.counters.InputTokens,
		OutputTokens: l.counters.OutputTokens,
	}
	l.mu.RUnlock()

	s.Mode = l.router.Mode()
	s.Context = l.window.Stats()
	return s
}
