package fetch

import (
	"context"
	"fmt"

	"github.com/bonzainsights/mragent/internal/sanitize"
	"github.com/bonzainsights/mragent/internal/tools"
)

// ToolName is the name the model calls page fetching by.
const ToolName = "fetch_webpage"

// Tool returns the fetch_webpage tool. The page text reaches the model
// fenced as untrusted data naming the URL.
func Tool(f *Fetcher, s *sanitize.Sanitizer) *tools.Tool {
	return &tools.Tool{
		Name: ToolName,
		Description: "Fetch a web page and extract its text content. " +
			"Returns the page title and main text, stripped of HTML. " +
			"Good for reading articles, documentation, and web content.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "URL of the web page to fetch",
				},
				"max_length": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"description": fmt.Sprintf("Max characters to return (default: %d)", DefaultMaxChars),
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			rawURL, _ := args["url"].(string)
			maxChars := 0
			if n, ok := args["max_length"].(float64); ok {
				maxChars = int(n)
			}

			page, err := f.Fetch(ctx, rawURL, maxChars)
			if err != nil {
				return "", err
			}

			body := fmt.Sprintf("%s\nURL: %s\n\n%s", page.Title, page.URL, page.Content)
			if page.Truncated {
				body += "\n\n[... truncated, raise max_length for more ...]"
			}
			return s.Wrap(page.URL, body), nil
		},
	}
}
