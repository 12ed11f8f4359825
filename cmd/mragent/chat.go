package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/bonzainsights/mragent/internal/approval"
	"github.com/bonzainsights/mragent/internal/buildinfo"
	"github.com/bonzainsights/mragent/internal/conditions"
	"github.com/bonzainsights/mragent/internal/events"
	"github.com/bonzainsights/mragent/internal/router"
	"github.com/bonzainsights/mragent/internal/usage"
)

// runChat starts the interactive terminal session.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options) error {
	cfg, cfgPath, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := configuredLogger(stderr, cfg, opts)
	if err != nil {
		return err
	}
	logger.Debug("config loaded", "path", cfgPath)

	a, err := newApp(ctx, cfg, logger, opts.model, opts.mode)
	if err != nil {
		return err
	}
	defer a.Close()

	r := newREPL(a, stdin, stdout)
	return r.run(ctx)
}

// runAsk answers a single question and exits. No approver is
// installed, so gated calls that would need a human run unattended and
// are logged. Hard blocks still refuse their commands.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, question string) error {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger, err := configuredLogger(stderr, cfg, opts)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger, opts.model, opts.mode)
	if err != nil {
		return err
	}
	defer a.Close()

	answer, err := a.loop.ProcessTurn(ctx, question, false)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	fmt.Fprintln(stdout, answer)
	return nil
}

// repl is the terminal front end. Input lines arrive on one channel so
// the approval prompt can read answers while a turn is running.
type repl struct {
	app   *app
	out   io.Writer
	lines chan string

	mu        sync.Mutex // serializes writes to out
	streaming bool       // a delta was printed this turn
}

func newREPL(a *app, in io.Reader, out io.Writer) *repl {
	r := &repl{app: a, out: out, lines: make(chan string)}
	go func() {
		defer close(r.lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			r.lines <- sc.Text()
		}
	}()

	a.gate.SetApprover(r.approve)
	a.gate.OnPending(a.loop.PendingApproval)
	a.loop.Observe(r.render)
	return r
}

func (r *repl) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// readLine returns the next input line, or false at end of input or
// when ctx ends.
func (r *repl) readLine(ctx context.Context) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case line, ok := <-r.lines:
		return line, ok
	}
}

func (r *repl) run(ctx context.Context) error {
	st := r.app.loop.Stats()
	r.printf("%s  (%s, chat %s)\n", buildinfo.String(), st.Mode, st.ChatID)
	r.printf("Type /help for commands, /exit to leave.\n")

	for {
		r.printf("\n> ")
		line, ok := r.readLine(ctx)
		if !ok {
			r.printf("\n")
			return nil
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if handled, quit := r.command(ctx, line); quit {
			return nil
		} else if handled {
			continue
		}

		r.streaming = false
		answer, err := r.app.loop.ProcessTurn(ctx, line, r.app.loop.Stream())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.printf("\nerror: %v\n", err)
			continue
		}
		if r.streaming {
			r.printf("\n")
		} else {
			r.printf("\n%s\n", answer)
		}
	}
}

// approve asks on the terminal. End of input or a cancelled turn
// counts as a rejection.
func (r *repl) approve(ctx context.Context, description string) bool {
	r.printf("\n  Allow %s? [y/N] ", description)
	line, ok := r.readLine(ctx)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true
	}
	return false
}

// render prints agent events as they happen.
func (r *repl) render(e events.Event) {
	switch e.Kind {
	case events.KindDelta:
		r.streaming = true
		r.printf("%s", e.Text)
	case events.KindModel:
		if e.Data["path"] == "fallback" {
			r.printf("\n  [%v failed, trying %s]\n", e.Data["failed"], e.Text)
			return
		}
		r.printf("  [%s]\n", e.Text)
	case events.KindToolStart:
		r.printf("\n  > %s\n", e.Tool)
	case events.KindToolResult:
		if ok, _ := e.Data["ok"].(bool); !ok {
			r.printf("  x %s (%v)\n", e.Tool, e.Data["outcome"])
		}
	case events.KindApprovalRequired:
		r.printf("\n  approval required: %s\n", e.Tool)
	case events.KindInfo:
		r.printf("\n  %s\n", e.Text)
	case events.KindSuggestion:
		r.printf("\n  tip: %s\n", e.Text)
	}
}

const helpText = `Commands:
  /help                 Show this help
  /newchat              Start a fresh conversation
  /model [name|auto]    Show models, or pin one (auto clears the pin)
  /mode [mode]          Show or set the mode: auto, thinking, fast, code, browsing
  /trust [level]        Show or set the trust level: cautious, balanced, autonomous
  /stats                Context, token and runtime status
  /usage [period]       Token usage: today, yesterday, week, month, all
  /history [n]          List recent archived chats
  /exit                 Leave
`

// command handles slash commands and their bare aliases. It reports
// whether line was a command and whether the session should end.
func (r *repl) command(ctx context.Context, line string) (handled, quit bool) {
	fields := strings.Fields(line)
	name := strings.ToLower(fields[0])
	args := fields[1:]

	switch name {
	case "exit", "quit", "/exit", "/quit", "/q":
		return true, true
	case "help", "/help", "/?":
		r.printf("%s", helpText)
	case "/newchat", "/new", "/clear":
		id := r.app.loop.NewChat()
		r.printf("chat %s\n", id)
	case "/model", "/models":
		r.modelCommand(args)
	case "/mode":
		r.modeCommand(args)
	case "/trust":
		r.trustCommand(args)
	case "/stats", "/status":
		r.statsCommand()
	case "/usage":
		period := "today"
		if len(args) > 0 {
			period = args[0]
		}
		r.usageCommand(ctx, period)
	case "/history":
		n := 10
		if len(args) > 0 {
			if v, err := strconv.Atoi(args[0]); err == nil && v > 0 {
				n = v
			}
		}
		r.historyCommand(ctx, n)
	default:
		if strings.HasPrefix(name, "/") {
			r.printf("unknown command %s (try /help)\n", name)
			return true, false
		}
		return false, false
	}
	return true, false
}

func (r *repl) modelCommand(args []string) {
	if len(args) == 0 {
		current := r.app.loop.Override()
		for _, d := range r.app.catalog.All() {
			mark := " "
			if d.Name == current {
				mark = "*"
			}
			var caps []string
			if d.SupportsTools {
				caps = append(caps, "tools")
			}
			if d.Vision {
				caps = append(caps, "vision")
			}
			r.printf("%s %-22s %7d ctx  %s\n", mark, d.Name, d.ContextWindow, strings.Join(caps, ","))
		}
		if current == "" {
			r.printf("routing automatically (%s mode)\n", r.app.loop.Mode())
		}
		return
	}
	if err := r.app.session.SetModel(args[0]); err != nil {
		r.printf("%v\n", err)
	}
}

func (r *repl) modeCommand(args []string) {
	if len(args) == 0 {
		r.printf("mode: %s (available: %s)\n", r.app.loop.Mode(), strings.Join(router.Modes, ", "))
		return
	}
	if err := r.app.session.SetMode(args[0]); err != nil {
		r.printf("%v\n", err)
	}
}

func (r *repl) trustCommand(args []string) {
	if len(args) == 0 {
		r.printf("trust level: %s\n", r.app.gate.TrustLevel())
		return
	}
	level, err := r.app.setTrustLevel(args[0])
	if err != nil {
		r.printf("%v\n", err)
		return
	}
	r.printf("trust level set to %s\n", level)
}

func (r *repl) statsCommand() {
	st := r.app.loop.Stats()
	r.printf("%s\n", conditions.FormatContextUsage(conditions.FromStats(st.Context, st.Mode, st.SessionStart)))
	r.printf("**Turns:** %d | %d model calls | %d tool calls (%d failed) | %s in / %s out tokens\n",
		st.Turns, st.ModelCalls, st.ToolCalls, st.ToolFailures,
		usage.FormatTokenCount(st.InputTokens), usage.FormatTokenCount(st.OutputTokens))
	r.printf("%s", conditions.Runtime(conditions.Session{
		TrustLevel: string(r.app.gate.TrustLevel()),
		Override:   st.Override,
		Gated:      r.app.gate.GatedTools(),
	}))
	r.printf("%s\n", formatOutcomes(r.app.gate.Counts()))
}

// formatOutcomes renders gate decision counts in a stable order.
func formatOutcomes(counts map[approval.Outcome]int) string {
	if len(counts) == 0 {
		return "**Approvals:** none"
	}
	parts := make([]string, 0, len(counts))
	for o, n := range counts {
		parts = append(parts, fmt.Sprintf("%s %d", o, n))
	}
	sort.Strings(parts)
	return "**Approvals:** " + strings.Join(parts, ", ")
}

func (r *repl) usageCommand(ctx context.Context, period string) {
	if r.app.usage == nil {
		r.printf("usage tracking is disabled\n")
		return
	}
	if err := printUsageReport(ctx, r, r.app.usage, period); err != nil {
		r.printf("%v\n", err)
	}
}

func (r *repl) historyCommand(ctx context.Context, n int) {
	if r.app.archive == nil {
		r.printf("chat archive is disabled\n")
		return
	}
	chats, err := r.app.archive.Chats(ctx, n)
	if err != nil {
		r.printf("%v\n", err)
		return
	}
	if len(chats) == 0 {
		r.printf("no archived chats\n")
		return
	}
	current := r.app.loop.ChatID()
	for _, c := range chats {
		mark := " "
		if c.ID == current {
			mark = "*"
		}
		r.printf("%s %s  %3d msgs  %s\n", mark, c.UpdatedAt.Local().Format("2006-01-02 15:04"), c.MessageCount, c.Title)
	}
}

// Write lets the repl serve as an io.Writer for shared report code.
func (r *repl) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.Write(p)
}
