// Package sanitize fences content fetched from outside the process
// before it reaches the model. Text is scrubbed of common prompt
// injection phrasing and wrapped in markers that name its source, so
// the model can tell data apart from instructions.
package sanitize

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// Removed replaces each neutralised injection attempt.
const Removed = "[⚠ injection attempt removed]"

const (
	beginMarker = "═══ [UNTRUSTED EXTERNAL DATA | source: %s] ═══"
	endMarker   = "═══ [END UNTRUSTED EXTERNAL DATA] ═══"
)

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`),
	regexp.MustCompile(`(?i)forget\s+(all\s+)?(your|previous|prior)\s+(instructions|rules|prompts)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above|your)\s+(instructions|prompts|rules)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|my)\b`),
	regexp.MustCompile(`(?i)new\s+instructions?\s*:`),
	regexp.MustCompile(`(?i)system\s*:\s*you\s+are`),
	regexp.MustCompile(`(?i)act\s+as\s+(if\s+)?(you\s+)?(are|were)\b`),
	regexp.MustCompile(`(?i)(share|reveal|show|print|output|send)\s+(me\s+)?(your|the)\s+(api[\s_-]?keys?|secrets?|passwords?|tokens?|credentials?|env(ironment)?(\s+variables)?)`),
	regexp.MustCompile(`(?i)what\s+(is|are)\s+your\s+(system\s+)?prompt`),
	regexp.MustCompile(`(?i)(run|execute|eval)\s+(this|the\s+following)\s+(command|script|code)`),
	regexp.MustCompile("(?is)```\\s*(bash|sh|shell|python|cmd|powershell)\\b.*?\\b(rm|del|curl|wget|nc)\\b.*?```"),
}

// Sanitizer neutralises injection attempts and logs each one.
type Sanitizer struct {
	logger *slog.Logger
}

// New returns a Sanitizer. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Sanitizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sanitizer{logger: logger}
}

// Strip replaces every injection pattern in text with [Removed].
func (s *Sanitizer) Strip(source, text string) string {
	for _, re := range injectionPatterns {
		n := 0
		text = re.ReplaceAllStringFunc(text, func(string) string {
			n++
			return Removed
		})
		if n > 0 {
			s.logger.Warn("injection attempt removed from external content",
				"source", source,
				"pattern", re.String(),
				"count", n,
			)
		}
	}
	return text
}

// Wrap strips text and fences it with markers naming source.
func (s *Sanitizer) Wrap(source, text string) string {
	if source == "" {
		source = "unknown"
	}
	cleaned := strings.TrimSpace(s.Strip(source, text))
	return fmt.Sprintf(beginMarker, source) + "\n" + cleaned + "\n" + endMarker
}

// Snippet strips a short fragment, such as a search result title,
// without fencing it. Callers fence the assembled result once.
func (s *Sanitizer) Snippet(source, text string) string {
	return strings.TrimSpace(s.Strip(source, text))
}
