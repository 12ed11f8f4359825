package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bonzainsights/mragent/internal/usage"
)

// UsageTool returns the usage_summary tool, which lets the agent query
// its own token consumption.
func UsageTool(store *usage.Store) *Tool {
	return &Tool{
		Name:        "usage_summary",
		Description: "Query your own token usage. Returns totals and an optional breakdown by model or role.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"period": map[string]any{
					"type":        "string",
					"enum":        []string{"today", "yesterday", "week", "month", "all"},
					"description": "Time period to summarize.",
				},
				"group_by": map[string]any{
					"type":        "string",
					"enum":        []string{"model", "role"},
					"description": "Optional: group results by model or role.",
				},
			},
			"required": []string{"period"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			period := stringArg(args, "period")
			groupBy := stringArg(args, "group_by")
			start, end := usage.ParsePeriod(period, time.Now())

			summary, err := store.Summary(ctx, start, end)
			if err != nil {
				return "", fmt.Errorf("query usage summary: %w", err)
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Usage Summary (%s):\n", period)
			fmt.Fprintf(&sb, "  Total requests: %d\n", summary.TotalRecords)
			fmt.Fprintf(&sb, "  Input tokens: %s\n", usage.FormatTokenCount(summary.TotalInputTokens))
			fmt.Fprintf(&sb, "  Output tokens: %s\n", usage.FormatTokenCount(summary.TotalOutputTokens))

			if groupBy == "" {
				return sb.String(), nil
			}

			grouped, label, err := queryGrouped(ctx, store, groupBy, start, end)
			if err != nil {
				return "", err
			}
			if len(grouped) == 0 {
				return sb.String(), nil
			}

			fmt.Fprintf(&sb, "\nBy %s:\n", label)
			keys := make([]string, 0, len(grouped))
			for k := range grouped {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, key := range keys {
				sum := grouped[key]
				display := key
				if display == "" {
					display = "(none)"
				}
				fmt.Fprintf(&sb, "  %s: %d requests, %s in / %s out\n",
					display, sum.TotalRecords,
					usage.FormatTokenCount(sum.TotalInputTokens),
					usage.FormatTokenCount(sum.TotalOutputTokens),
				)
			}
			return sb.String(), nil
		},
	}
}

// queryGrouped dispatches the grouped summary query based on the
// group_by parameter.
func queryGrouped(ctx context.Context, store *usage.Store, groupBy string, start, end time.Time) (map[string]*usage.Summary, string, error) {
	switch groupBy {
	case "model":
		result, err := store.SummaryByModel(ctx, start, end)
		return result, "Model", err
	case "role":
		result, err := store.SummaryByRole(ctx, start, end)
		return result, "Role", err
	default:
		return nil, "", nil
	}
}
