package approval

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/bonzainsights/mragent/internal/prompts"
)

// Outcome names how a call was decided.
type Outcome string

// Outcomes. Every outcome except rejected, timed out, and blocked lets
// the call run.
const (
	OutcomeUngated    Outcome = "ungated"
	OutcomeAuto       Outcome = "auto_approved"
	OutcomeApproved   Outcome = "approved"
	OutcomeUnattended Outcome = "unattended"
	OutcomeRejected   Outcome = "rejected"
	OutcomeTimedOut   Outcome = "timed_out"
	OutcomeBlocked    Outcome = "blocked"
)

// Verdict is the gate's answer for one tool call.
type Verdict struct {
	Tool        string  `json:"tool"`
	Description string  `json:"description"`
	Outcome     Outcome `json:"outcome"`
	Reason      string  `json:"reason"`
}

// Allowed reports whether the call may run.
func (v Verdict) Allowed() bool {
	switch v.Outcome {
	case OutcomeRejected, OutcomeTimedOut, OutcomeBlocked:
		return false
	}
	return true
}

// Result returns the text handed to the model in place of a tool
// result when the call is not allowed.
func (v Verdict) Result() string {
	if v.Outcome == OutcomeBlocked {
		return prompts.ToolBlocked
	}
	return prompts.ToolRejected
}

// Approver asks a human about a pending call. It should return false
// when ctx ends.
type Approver func(ctx context.Context, description string) bool

// Notifier is told about pending approvals on a side channel.
type Notifier interface {
	Notify(ctx context.Context, title, body string) error
}

// notifyTimeout bounds a single pending-approval notification.
const notifyTimeout = 10 * time.Second

// Gate applies a [Policy] to tool calls. It is safe for concurrent use.
type Gate struct {
	logger    *slog.Logger
	policy    Policy
	whitelist *Whitelist
	blocks    []*regexp.Regexp

	mu          sync.RWMutex
	level       TrustLevel
	autoSession bool
	approver    Approver
	notifier    Notifier
	onPending   func(Verdict)
	counts      map[Outcome]int
}

// NewGate compiles p. A nil p.HardBlocks uses [DefaultHardBlocks]; an
// empty p.GatedTools uses [DefaultGatedTools].
func NewGate(p Policy, logger *slog.Logger) (*Gate, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if p.TrustLevel == "" {
		p.TrustLevel = Balanced
	}
	if _, err := ParseTrustLevel(string(p.TrustLevel)); err != nil {
		return nil, err
	}
	if len(p.GatedTools) == 0 {
		p.GatedTools = DefaultGatedTools()
	}
	blocks, err := CompileHardBlocks(p.HardBlocks)
	if err != nil {
		return nil, err
	}

	return &Gate{
		logger:      logger,
		policy:      p,
		whitelist:   NewWhitelist(p.ReadOnlyCommands, p.AutoApprovePatterns),
		blocks:      blocks,
		level:       p.TrustLevel,
		autoSession: p.AutoSession,
		counts:      make(map[Outcome]int),
	}, nil
}

// SetTrustLevel changes the trust level for subsequent calls.
func (g *Gate) SetTrustLevel(level TrustLevel) error {
	if _, err := ParseTrustLevel(string(level)); err != nil {
		return err
	}
	g.mu.Lock()
	g.level = level
	g.mu.Unlock()
	g.logger.Info("trust level changed", "level", level)
	return nil
}

// TrustLevel returns the current trust level.
func (g *Gate) TrustLevel() TrustLevel {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.level
}

// SetAutoSession toggles scoped auto-approval at the balanced level.
func (g *Gate) SetAutoSession(on bool) {
	g.mu.Lock()
	g.autoSession = on
	g.mu.Unlock()
}

// SetApprover installs the function consulted when a call needs
// confirmation. With no approver, such calls are approved and logged.
func (g *Gate) SetApprover(a Approver) {
	g.mu.Lock()
	g.approver = a
	g.mu.Unlock()
}

// SetNotifier installs the side channel used when NotifyOnPending is set.
func (g *Gate) SetNotifier(n Notifier) {
	g.mu.Lock()
	g.notifier = n
	g.mu.Unlock()
}

// OnPending registers fn to be called, before the approver, for every
// call that needs confirmation. fn must not block.
func (g *Gate) OnPending(fn func(Verdict)) {
	g.mu.Lock()
	g.onPending = fn
	g.mu.Unlock()
}

// IsGated reports whether tool goes through the approval flow.
func (g *Gate) IsGated(tool string) bool {
	_, ok := g.policy.GatedTools[tool]
	return ok
}

// GatedTools returns the sorted names of tools that go through the
// approval flow.
func (g *Gate) GatedTools() []string {
	return slices.Sorted(maps.Keys(g.policy.GatedTools))
}

// Counts returns how many calls ended in each outcome.
func (g *Gate) Counts() map[Outcome]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[Outcome]int, len(g.counts))
	for k, v := range g.counts {
		out[k] = v
	}
	return out
}

// Authorize decides whether tool may run with args. It blocks while a
// human is asked. Hard blocks apply before the trust level is
// considered, so they hold even when autonomous.
func (g *Gate) Authorize(ctx context.Context, tool string, args map[string]any) Verdict {
	v := g.decide(ctx, tool, args)

	g.mu.Lock()
	g.counts[v.Outcome]++
	g.mu.Unlock()

	switch {
	case v.Outcome == OutcomeUngated:
	case v.Allowed():
		g.logger.Info("tool call approved",
			"tool", tool, "outcome", v.Outcome, "reason", v.Reason, "action", v.Description)
	default:
		g.logger.Warn("tool call refused",
			"tool", tool, "outcome", v.Outcome, "reason", v.Reason, "action", v.Description)
	}
	return v
}

func (g *Gate) decide(ctx context.Context, tool string, args map[string]any) Verdict {
	gt, gated := g.policy.GatedTools[tool]
	v := Verdict{Tool: tool, Description: Describe(tool, gt, args)}
	if !gated {
		v.Outcome = OutcomeUngated
		return v
	}

	primary := stringArg(args, gt.Arg)
	if expr, hit := g.hardBlocked(primary); hit {
		v.Outcome = OutcomeBlocked
		v.Reason = "matches hard block " + expr
		return v
	}

	g.mu.RLock()
	level, autoSession := g.level, g.autoSession
	g.mu.RUnlock()

	if level == Autonomous {
		v.Outcome, v.Reason = OutcomeAuto, "autonomous"
		return v
	}

	if gt.Shell {
		if rule, ok := g.whitelist.Allows(primary); ok {
			v.Outcome, v.Reason = OutcomeAuto, rule
			return v
		}
	}

	if level == Balanced {
		if gt.Risk == RiskSandboxed {
			v.Outcome, v.Reason = OutcomeAuto, "sandboxed"
			return v
		}
		if autoSession && g.policy.ScopeDir != "" && g.inScope(gt, args) {
			v.Outcome, v.Reason = OutcomeAuto, "within "+g.policy.ScopeDir
			return v
		}
	}

	return g.ask(ctx, v)
}

func (g *Gate) hardBlocked(command string) (string, bool) {
	lower := strings.ToLower(command)
	for _, re := range g.blocks {
		if re.MatchString(lower) {
			return re.String(), true
		}
	}
	return "", false
}

// inScope checks the call's working directory and paths against the
// configured scope directory.
func (g *Gate) inScope(gt GatedTool, args map[string]any) bool {
	base := g.policy.workingDir()
	cwd := base
	if gt.CwdArg != "" {
		if d := stringArg(args, gt.CwdArg); d != "" {
			cwd = resolve(base, d)
		}
	}
	scope := resolve(base, g.policy.ScopeDir)
	if gt.Shell {
		return commandInScope(scope, cwd, stringArg(args, gt.Arg))
	}
	if !withinDir(scope, cwd) {
		return false
	}
	for _, name := range gt.PathArgs {
		p := stringArg(args, name)
		if p == "" {
			continue
		}
		if !withinDir(scope, resolve(cwd, p)) {
			return false
		}
	}
	return true
}

// ask consults the approver, bounded by the queue timeout.
func (g *Gate) ask(ctx context.Context, v Verdict) Verdict {
	g.mu.RLock()
	approver, notifier, onPending := g.approver, g.notifier, g.onPending
	g.mu.RUnlock()

	if approver == nil {
		v.Outcome, v.Reason = OutcomeUnattended, "no approver attached"
		return v
	}
	if ctx.Err() != nil {
		v.Outcome, v.Reason = OutcomeRejected, "cancelled"
		return v
	}

	if onPending != nil {
		onPending(v)
	}
	if notifier != nil && g.policy.NotifyOnPending {
		go g.notify(notifier, v)
	}

	actx := ctx
	if g.policy.QueueTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, g.policy.QueueTimeout)
		defer cancel()
	}

	answer := make(chan bool, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("approver panicked", "panic", r)
				answer <- false
			}
		}()
		answer <- approver(actx, v.Description)
	}()

	select {
	case ok := <-answer:
		if ok {
			v.Outcome, v.Reason = OutcomeApproved, "approved by user"
		} else {
			v.Outcome, v.Reason = OutcomeRejected, "rejected by user"
		}
	case <-actx.Done():
		if ctx.Err() != nil {
			v.Outcome, v.Reason = OutcomeRejected, "cancelled"
		} else {
			v.Outcome, v.Reason = OutcomeTimedOut, fmt.Sprintf("no answer within %s", g.policy.QueueTimeout)
		}
	}
	return v
}

// notify sends a best-effort pending notice. Failures are logged and
// never reach the caller.
func (g *Gate) notify(n Notifier, v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("approval notifier panicked", "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := n.Notify(ctx, "Approval needed: "+v.Tool, v.Description); err != nil {
		g.logger.Warn("approval notification failed", "tool", v.Tool, "error", err)
	}
}

// Describe renders the human-readable action text shown when asking.
func Describe(tool string, gt GatedTool, args map[string]any) string {
	switch {
	case gt.Shell:
		cmd := stringArg(args, gt.Arg)
		if cwd := stringArg(args, gt.CwdArg); cwd != "" {
			return fmt.Sprintf("%s (in %s)", cmd, cwd)
		}
		return cmd
	case gt.Risk == RiskSandboxed:
		lang := stringArg(args, "language")
		code := stringArg(args, gt.Arg)
		if r := []rune(code); len(r) > 500 {
			code = string(r[:500]) + "..."
		}
		if lang != "" {
			return fmt.Sprintf("%s %s:\n%s", tool, lang, code)
		}
		return tool + ":\n" + code
	case len(gt.PathArgs) > 1:
		parts := make([]string, 0, len(gt.PathArgs))
		for _, name := range gt.PathArgs {
			parts = append(parts, stringArg(args, name))
		}
		return tool + " " + strings.Join(parts, " -> ")
	case gt.Arg != "":
		return tool + " " + stringArg(args, gt.Arg)
	}
	return tool
}

func stringArg(args map[string]any, name string) string {
	if name == "" {
		return ""
	}
	s, _ := args[name].(string)
	return s
}
