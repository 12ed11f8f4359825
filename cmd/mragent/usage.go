package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/bonzainsights/mragent/internal/usage"
)

// runUsage prints token usage for a period without starting the agent.
func runUsage(ctx context.Context, stdout io.Writer, opts options, period string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	if !cfg.Usage.Enabled {
		return fmt.Errorf("usage tracking is disabled (usage.enabled: false)")
	}
	store, err := usage.NewStore(cfg.UsagePath())
	if err != nil {
		return fmt.Errorf("open usage store: %w", err)
	}
	defer store.Close()

	if opts.outputFmt == "json" {
		start, end := usage.ParsePeriod(period, time.Now())
		total, err := store.Summary(ctx, start, end)
		if err != nil {
			return err
		}
		byModel, err := store.SummaryByModel(ctx, start, end)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"period": period, "total": total, "by_model": byModel})
	}
	return printUsageReport(ctx, stdout, store, period)
}

// usageSource is the part of the usage store the report reads.
type usageSource interface {
	Summary(ctx context.Context, start, end time.Time) (*usage.Summary, error)
	SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
	SummaryByRole(ctx context.Context, start, end time.Time) (map[string]*usage.Summary, error)
}

// printUsageReport writes a human-readable usage table.
func printUsageReport(ctx context.Context, w io.Writer, src usageSource, period string) error {
	switch period {
	case "today", "yesterday", "week", "month", "all":
	default:
		return fmt.Errorf("unknown period %q (use today, yesterday, week, month, all)", period)
	}
	start, end := usage.ParsePeriod(period, time.Now())

	total, err := src.Summary(ctx, start, end)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Usage (%s): %d calls, %s in, %s out\n", period, total.TotalRecords,
		usage.FormatTokenCount(total.TotalInputTokens), usage.FormatTokenCount(total.TotalOutputTokens))
	if total.TotalRecords == 0 {
		return nil
	}

	for _, group := range []struct {
		title string
		fn    func(context.Context, time.Time, time.Time) (map[string]*usage.Summary, error)
	}{
		{"By model", src.SummaryByModel},
		{"By role", src.SummaryByRole},
	} {
		rows, err := group.fn(ctx, start, end)
		if err != nil {
			return err
		}
		keys := make([]string, 0, len(rows))
		for k := range rows {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		fmt.Fprintf(w, "\n%s:\n", group.title)
		for _, k := range keys {
			s := rows[k]
			fmt.Fprintf(w, "  %-22s %5d calls  %8s in  %8s out\n", k, s.TotalRecords,
				usage.FormatTokenCount(s.TotalInputTokens), usage.FormatTokenCount(s.TotalOutputTokens))
		}
	}
	return nil
}
