package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bonzainsights/mragent/internal/approval"
	"github.com/bonzainsights/mragent/internal/events"
	"github.com/bonzainsights/mragent/internal/llm"
)

// errorPrefix marks a tool result that reports a failure.
const errorPrefix = "Error: "

// normalizeToolCalls assigns ids to calls that lack one and forces the
// call type the transport expects. The input is not modified.
func normalizeToolCalls(calls []llm.ToolCall) []llm.ToolCall {
	out := make([]llm.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")
		}
		c.Type = "function"
		out[i] = c
	}
	return out
}

// parseArguments decodes a model-supplied argument blob. Anything that
// is not a JSON object yields empty arguments so the tool itself reports
// what is missing.
func (l *Loop) parseArguments(call llm.ToolCall) map[string]any {
	raw := strings.TrimSpace(call.Function.Arguments)
	if raw == "" {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil || args == nil {
		l.logger.Warn("malformed tool arguments, using none",
			"tool", call.Function.Name,
			"call_id", call.ID,
			"arguments", truncate(raw, 200),
			"error", err,
		)
		return map[string]any{}
	}
	return args
}

// runTool authorizes and executes one call and returns the text the
// model will see. It never fails: rejections and errors become results.
func (l *Loop) runTool(ctx context.Context, call llm.ToolCall) string {
	name := call.Function.Name
	args := l.parseArguments(call)

	l.emit(events.Event{
		Kind: events.KindToolStart,
		Tool: name,
		Data: map[string]any{"id": call.ID, "arguments": args},
	})

	start := time.Now()
	outcome := approval.OutcomeUngated
	if l.gate != nil {
		v := l.gate.Authorize(ctx, name, args)
		outcome = v.Outcome
		if !v.Allowed() {
			l.logger.Info("tool call not allowed",
				"tool", name,
				"call_id", call.ID,
				"outcome", v.Outcome,
				"reason", v.Reason,
			)
			result := v.Result()
			l.finishTool(call, result, false, outcome, start)
			return result
		}
	}

	result, err := l.tools.Execute(ctx, name, args)
	ok := err == nil
	if err != nil {
		l.logger.Warn("tool failed", "tool", name, "call_id", call.ID, "error", err)
		result = errorPrefix + err.Error()
	}
	l.finishTool(call, result, ok, outcome, start)
	return result
}

func (l *Loop) finishTool(call llm.ToolCall, result string, ok bool, outcome approval.Outcome, start time.Time) {
	elapsed := time.Since(start)

	l.mu.Lock()
	l.counters.ToolCalls++
	if !ok {
		l.counters.ToolFailures++
	}
	l.mu.Unlock()

	l.logger.Debug("tool finished",
		"tool", call.Function.Name,
		"call_id", call.ID,
		"ok", ok,
		"outcome", outcome,
		"elapsed", elapsed.Round(time.Millisecond),
		"result_len", len(result),
	)
	l.emit(events.Event{
		Kind: events.KindToolResult,
		Tool: call.Function.Name,
		Text: result,
		Data: map[string]any{
			"id":          call.ID,
			"ok":          ok,
			"outcome":     string(outcome),
			"duration_ms": elapsed.Milliseconds(),
		},
	})
}

// truncate shortens s to at most n runes for log output.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
