package memory

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/bonzainsights/mragent/internal/llm"
)

// Token estimation constants. The estimate is deliberately rough; the
// provider rejects anything that really overflows and the caller
// compacts and retries.
const (
	messageOverhead = 4  // role and framing per message
	charsPerToken   = 4  // English prose averages about four chars/token
	imageTokens     = 85 // flat cost of one image reference
)

// EstimateTokens approximates the token count of s.
func EstimateTokens(s string) int {
	n := utf8.RuneCountInString(s)
	return (n + charsPerToken - 1) / charsPerToken
}

// EstimateMessage approximates what m costs in a request, including
// image parts and any tool-call payload.
func EstimateMessage(m llm.Message) int {
	tokens := messageOverhead
	if len(m.Parts) > 0 {
		for _, p := range m.Parts {
			switch p.Type {
			case llm.PartImage:
				tokens += imageTokens
			default:
				tokens += EstimateTokens(p.Text)
			}
		}
	} else {
		tokens += EstimateTokens(m.Content)
	}

	if len(m.ToolCalls) > 0 {
		if data, err := json.Marshal(m.ToolCalls); err == nil {
			tokens += EstimateTokens(string(data))
		}
	}
	if m.ToolCallID != "" {
		tokens += EstimateTokens(m.ToolCallID)
	}
	return tokens
}
