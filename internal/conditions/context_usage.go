package conditions

import (
	"fmt"
	"strings"
	"time"

	"github.com/bonzainsights/mragent/internal/memory"
)

// ContextUsageInfo holds the data needed to render the one-line context
// usage status shown by /stats and the stats endpoint.
type ContextUsageInfo struct {
	// Model is the model the window is currently budgeted for.
	Model string
	// Mode is the router's selection mode. Auto is rendered as "routed".
	Mode string
	// TokenCount is the estimated token count of the active window.
	TokenCount int
	// Budget is the usable token budget (context window minus the
	// response reserve).
	Budget int
	// MessageCount is the number of messages in the active window.
	MessageCount int
	// SessionStart is when the current chat began. Zero means unknown.
	SessionStart time.Time
	// CompactionCount is the number of compactions in this chat.
	CompactionCount int
	// SummaryChars is the size of the accumulated compaction summary.
	SummaryChars int
}

// FromStats builds a ContextUsageInfo from a window snapshot.
func FromStats(s memory.Stats, mode string, sessionStart time.Time) ContextUsageInfo {
	return ContextUsageInfo{
		Model:           s.Model,
		Mode:            mode,
		TokenCount:      s.Usage.Used,
		Budget:          s.Usage.Available,
		MessageCount:    s.ActiveMessages,
		SessionStart:    sessionStart,
		CompactionCount: s.Compactions,
		SummaryChars:    s.SummaryChars,
	}
}

// FormatContextUsage renders a single-line context usage string. Each
// segment is included only when its data is available.
func FormatContextUsage(info ContextUsageInfo) string {
	var parts []string

	if info.Model != "" {
		m := info.Model
		switch info.Mode {
		case "":
		case "auto":
			m += " (routed)"
		default:
			m += " (" + info.Mode + " mode)"
		}
		parts = append(parts, m)
	}

	if info.Budget > 0 {
		pct := float64(info.TokenCount) / float64(info.Budget) * 100
		parts = append(parts, fmt.Sprintf("%s/%s tokens (%.1f%%)",
			formatNumber(info.TokenCount),
			formatNumber(info.Budget),
			pct))
	}

	if info.MessageCount > 0 {
		parts = append(parts, fmt.Sprintf("%d msgs", info.MessageCount))
	}

	if !info.SessionStart.IsZero() {
		parts = append(parts, "session "+formatUptime(time.Since(info.SessionStart)))
	}

	switch info.CompactionCount {
	case 0:
		parts = append(parts, "no compaction")
	case 1:
		parts = append(parts, "1 compaction")
	default:
		parts = append(parts, fmt.Sprintf("%d compactions", info.CompactionCount))
	}

	if info.SummaryChars > 0 {
		parts = append(parts, fmt.Sprintf("summary %s chars", formatNumber(info.SummaryChars)))
	}

	return "**Context:** " + strings.Join(parts, " | ")
}

// formatNumber formats an integer with comma separators (200000 -> "200,000").
func formatNumber(n int) string {
	s := fmt.Sprintf("%d", n)
	if len(s) <= 3 {
		return s
	}
	var sb strings.Builder
	remainder := len(s) % 3
	if remainder > 0 {
		sb.WriteString(s[:remainder])
	}
	for i := remainder; i < len(s); i += 3 {
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(s[i : i+3])
	}
	return sb.String()
}
