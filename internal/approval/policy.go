// Package approval decides whether a tool call may run, must be
// confirmed by the user, or is refused outright.
//
// Every call to a gated tool passes through [Gate.Authorize]. The
// decision depends on the trust level, the tool's risk class, a
// whitelist of harmless commands, an optional directory scope, and a
// fixed set of hard-blocked command shapes that no trust level can
// override.
package approval

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/bonzainsights/mragent/internal/config"
)

// TrustLevel controls how much the agent may do without asking.
type TrustLevel string

// Trust levels, most to least restrictive.
const (
	Cautious   TrustLevel = "cautious"
	Balanced   TrustLevel = "balanced"
	Autonomous TrustLevel = "autonomous"
)

// ErrUnknownTrustLevel is returned for a trust level outside the known set.
var ErrUnknownTrustLevel = errors.New("unknown trust level")

// ParseTrustLevel validates s as a trust level.
func ParseTrustLevel(s string) (TrustLevel, error) {
	switch l := TrustLevel(strings.ToLower(strings.TrimSpace(s))); l {
	case Cautious, Balanced, Autonomous:
		return l, nil
	}
	return "", fmt.Errorf("%w: %q (use cautious, balanced, or autonomous)", ErrUnknownTrustLevel, s)
}

// Risk classifies a gated tool.
type Risk string

const (
	// RiskCommand tools act directly on the host: shell commands and
	// file mutations.
	RiskCommand Risk = "command"
	// RiskSandboxed tools run inside a throwaway environment, such as
	// code execution in a temporary directory.
	RiskSandboxed Risk = "sandboxed"
)

// GatedTool describes how to read a gated tool's arguments.
type GatedTool struct {
	Risk Risk
	// Arg names the argument that best describes the action: the
	// command line, the code, or the target path.
	Arg string
	// CwdArg names the argument holding a working directory, if any.
	CwdArg string
	// PathArgs are additional filesystem arguments checked against
	// the directory scope.
	PathArgs []string
	// Shell marks tools whose Arg is a shell command line. Only those
	// are eligible for the command whitelist.
	Shell bool
}

// DefaultGatedTools returns the built-in gated tool table.
func DefaultGatedTools() map[string]GatedTool {
	return map[string]GatedTool{
		"execute_terminal": {Risk: RiskCommand, Arg: "command", CwdArg: "working_directory", Shell: true},
		"run_code":         {Risk: RiskSandboxed, Arg: "code"},
		"write_file":       {Risk: RiskCommand, Arg: "path", PathArgs: []string{"path"}},
		"delete_file":      {Risk: RiskCommand, Arg: "path", PathArgs: []string{"path"}},
		"move_file":        {Risk: RiskCommand, Arg: "source", PathArgs: []string{"source", "destination"}},
	}
}

// DefaultReadOnlyCommands are verbs (or verb pairs) that only inspect
// state. A command starting with one of these is whitelisted as long
// as it carries no shell metacharacters.
var DefaultReadOnlyCommands = []string{
	"ls", "pwd", "cat", "head", "tail", "wc", "echo", "which", "whoami",
	"date", "tree", "file", "stat", "du", "df", "uname", "hostname",
	"uptime", "id", "grep", "rg", "sort", "uniq", "diff", "less", "printenv",
	"git status", "git log", "git diff", "git show", "git branch", "git remote",
	"pip list", "pip show", "pip freeze", "npm list", "npm ls",
	"python --version", "python3 --version", "node --version", "go version",
}

// DefaultHardBlocks are expressions matched against the lower-cased
// command. A match refuses the call at every trust level.
var DefaultHardBlocks = []string{
	// Recursive rm of /, /* or ~, with the flag before or after the
	// target, split or spelled out.
	`\brm\s+([^;&|]*\s)?(-[a-z]*r[a-z]*|--recursive)\s+([^;&|]*\s)?(/\*?|~/?)(\s|[;&|]|$)`,
	`\brm\s+([^;&|]*\s)?(/\*?|~/?)\s+([^;&|]*\s)?(-[a-z]*r[a-z]*|--recursive)(\s|[;&|]|$)`,
	`--no-preserve-root\b`,
	`\bsudo\b`,
	`\bdoas\b`,
	`\bsu\s+(-|root\b)`,
	`:\(\)\s*\{`,
	`\bmkfs(\.\w+)?\b`,
	`\bdd\s+if=/dev/(zero|random|urandom)`,
	`>\s*/dev/sd`,
	`\b(shutdown|reboot|halt|poweroff)\b`,
	`\binit\s+[06]\b`,
	`\bchmod\s+-r\s+777\s+/(\s|$)`,
}

// CompileHardBlocks compiles hard-block expressions. A nil exprs uses
// [DefaultHardBlocks]. The gate and the shell executor share the
// result so they refuse exactly the same commands.
func CompileHardBlocks(exprs []string) ([]*regexp.Regexp, error) {
	if exprs == nil {
		exprs = DefaultHardBlocks
	}
	blocks := make([]*regexp.Regexp, 0, len(exprs))
	for _, e := range exprs {
		re, err := regexp.Compile(e)
		if err != nil {
			return nil, fmt.Errorf("hard block %q: %w", e, err)
		}
		blocks = append(blocks, re)
	}
	return blocks, nil
}

// Policy is the full approval configuration.
type Policy struct {
	TrustLevel          TrustLevel
	AutoApprovePatterns []string
	ReadOnlyCommands    []string
	HardBlocks          []string
	ScopeDir            string
	AutoSession         bool
	NotifyOnPending     bool
	// QueueTimeout rejects a pending request after this long. Zero
	// waits until the approver answers or the context ends.
	QueueTimeout time.Duration
	GatedTools   map[string]GatedTool
	// WorkingDir resolves relative paths and commands without a
	// working directory. Empty uses the process directory.
	WorkingDir string
}

// PolicyFromConfig builds a policy from the autonomy section. workDir
// is the default working directory for commands.
func PolicyFromConfig(c config.AutonomyConfig, workDir string) (Policy, error) {
	level, err := ParseTrustLevel(c.TrustLevel)
	if err != nil {
		return Policy{}, err
	}

	p := Policy{
		TrustLevel:          level,
		AutoApprovePatterns: c.AutoApprovePatterns,
		ReadOnlyCommands:    c.ReadOnlyCommands,
		HardBlocks:          c.HardBlocks,
		ScopeDir:            c.ScopeDir,
		AutoSession:         c.AutoSession,
		NotifyOnPending:     c.NotifyOnPending,
		QueueTimeout:        time.Duration(c.QueueTimeoutMinutes) * time.Minute,
		WorkingDir:          workDir,
	}

	defaults := DefaultGatedTools()
	if len(c.GatedTools) == 0 {
		p.GatedTools = defaults
		return p, nil
	}
	p.GatedTools = make(map[string]GatedTool, len(c.GatedTools))
	for name, risk := range c.GatedTools {
		gt, ok := defaults[name]
		if !ok {
			gt = GatedTool{Arg: "command"}
		}
		switch Risk(risk) {
		case RiskCommand, RiskSandboxed:
			gt.Risk = Risk(risk)
		default:
			return Policy{}, fmt.Errorf("gated tool %s: unknown risk %q", name, risk)
		}
		p.GatedTools[name] = gt
	}
	return p, nil
}

// workingDir returns the absolute base for relative paths.
func (p Policy) workingDir() string {
	if p.WorkingDir != "" {
		if abs, err := filepath.Abs(p.WorkingDir); err == nil {
			return abs
		}
	}
	wd, err := os.Getwd()
	if err != nil {
		return "/"
	}
	return wd
}
