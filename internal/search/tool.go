package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/bonzainsights/mragent/internal/sanitize"
	"github.com/bonzainsights/mragent/internal/tools"
)

// ToolName is the name the model calls web search by.
const ToolName = "search_web"

// Tool returns the search_web tool. Result snippets are scrubbed one by
// one and the rendered list is fenced as untrusted data.
func Tool(mgr *Manager, s *sanitize.Sanitizer) *tools.Tool {
	provider := map[string]any{
		"type":        "string",
		"description": "Search provider to use (default: configured default)",
	}
	if names := mgr.Providers(); len(names) > 0 {
		provider["enum"] = names
	}

	return &tools.Tool{
		Name: ToolName,
		Description: "Search the internet for information. Returns titles, URLs, and " +
			"descriptions of the top results. Good for finding current information.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "Search query",
				},
				"count": map[string]any{
					"type":        "integer",
					"minimum":     1,
					"maximum":     20,
					"description": "Number of results (default: 5)",
				},
				"provider": provider,
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if strings.TrimSpace(query) == "" {
				return "", fmt.Errorf("%s: query is required", ToolName)
			}

			opts := Options{}
			if count, ok := args["count"].(float64); ok && count > 0 {
				opts.Count = int(count)
			}

			var results []Result
			var err error
			if provider, ok := args["provider"].(string); ok && provider != "" {
				results, err = mgr.SearchWith(ctx, provider, query, opts)
			} else {
				results, err = mgr.Search(ctx, query, opts)
			}
			if err != nil {
				return "", err
			}

			for i := range results {
				src := results[i].URL
				results[i].Title = s.Snippet(src, results[i].Title)
				results[i].Snippet = s.Snippet(src, results[i].Snippet)
			}
			return s.Wrap("web search: "+query, FormatResults(query, results)), nil
		},
	}
}
