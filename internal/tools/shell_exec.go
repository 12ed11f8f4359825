package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bonzainsights/mragent/internal/approval"
)

// maxShellTimeout caps any requested command timeout.
const maxShellTimeout = 5 * time.Minute

// ShellExec provides command execution capabilities.
type ShellExec struct {
	logger         *slog.Logger
	workingDir     string
	blocked        []*regexp.Regexp // hard blocks shared with the approval gate
	deniedCmds     []string         // extra substrings refused before the command runs
	defaultTimeout time.Duration
	maxOutputBytes int
}

// ShellExecConfig configures the shell executor.
type ShellExecConfig struct {
	WorkingDir string
	// Blocked are matched against the lower-cased command. Nil uses
	// the approval gate's default hard blocks.
	Blocked        []*regexp.Regexp
	DeniedCmds     []string
	DefaultTimeout time.Duration
	MaxOutputBytes int
}

// NewShellExec creates a new shell executor.
func NewShellExec(cfg ShellExecConfig, logger *slog.Logger) *ShellExec {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 8000
	}
	if cfg.Blocked == nil {
		blocked, err := approval.CompileHardBlocks(nil)
		if err != nil {
			panic(err)
		}
		cfg.Blocked = blocked
	}
	return &ShellExec{
		logger:         logger,
		workingDir:     cfg.WorkingDir,
		blocked:        cfg.Blocked,
		deniedCmds:     cfg.DeniedCmds,
		defaultTimeout: cfg.DefaultTimeout,
		maxOutputBytes: cfg.MaxOutputBytes,
	}
}

// ExecResult contains the result of a command execution.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
	TimedOut bool   `json:"timedOut,omitempty"`
	Timeout  time.Duration
}

// Exec executes a shell command. An empty dir uses the configured
// working directory, then the process directory.
func (s *ShellExec) Exec(ctx context.Context, command, dir string, timeout time.Duration) (*ExecResult, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("command is required")
	}

	cmdLower := strings.ToLower(command)
	for _, re := range s.blocked {
		if re.MatchString(cmdLower) {
			return nil, fmt.Errorf("command blocked by security policy: matches %q", re.String())
		}
	}
	for _, denied := range s.deniedCmds {
		if strings.Contains(cmdLower, strings.ToLower(denied)) {
			return nil, fmt.Errorf("command blocked by security policy: matches denied pattern %q", denied)
		}
	}

	if dir == "" {
		dir = s.workingDir
	}
	if dir != "" {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			return nil, fmt.Errorf("working directory does not exist: %s (use list_files to verify paths)", dir)
		}
	}

	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	timeout = min(timeout, maxShellTimeout)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	s.logger.Info("executing command",
		"command", command,
		"dir", dir,
		"timeout", timeout,
		"chat_id", ChatIDFromContext(ctx),
	)

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := &ExecResult{
		Stdout:  stdout.String(),
		Stderr:  stderr.String(),
		Timeout: timeout,
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.TimedOut = true
		result.ExitCode = -1
		return result, nil
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run command: %w", err)
		}
		result.ExitCode = exitErr.ExitCode()
	}

	return result, nil
}

// Format renders a result for the model.
func (s *ShellExec) Format(command string, r *ExecResult) string {
	return formatResult(command, r, s.maxOutputBytes)
}

// formatResult renders stdout, then stderr after a separator, with a
// leading exit code when the process failed.
func formatResult(command string, r *ExecResult, maxBytes int) string {
	if r.TimedOut {
		return fmt.Sprintf("Command timed out after %s: %s", r.Timeout, command)
	}

	var out strings.Builder
	out.WriteString(r.Stdout)
	if r.Stderr != "" {
		if out.Len() > 0 {
			out.WriteString("\n--- stderr ---\n")
		}
		out.WriteString(r.Stderr)
	}

	text := truncateOutput(out.String(), maxBytes)
	if r.ExitCode != 0 {
		text = fmt.Sprintf("Exit code: %d\n%s", r.ExitCode, text)
	}

	if text = strings.TrimSpace(text); text == "" {
		return "(no output)"
	}
	return text
}

// truncateOutput truncates output to maxBytes, adding a note if truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n... (truncated, %d total bytes)", len(s))
}

// Tool returns the execute_terminal tool backed by s.
func (s *ShellExec) Tool() *Tool {
	return &Tool{
		Name: "execute_terminal",
		Description: "Execute a shell command on the user's system. Returns stdout and stderr. " +
			"Use for running scripts, listing files, installing packages, git operations, etc.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"command": map[string]any{
					"type":        "string",
					"description": "The shell command to execute",
				},
				"working_directory": map[string]any{
					"type":        "string",
					"description": "Optional working directory for the command",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Timeout in seconds (default: 30, max: 300)",
				},
			},
			"required": []string{"command"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			command := stringArg(args, "command")
			timeout := time.Duration(intArg(args, "timeout", 0)) * time.Second
			res, err := s.Exec(ctx, command, stringArg(args, "working_directory"), timeout)
			if err != nil {
				return "", err
			}
			return s.Format(command, res), nil
		},
	}
}
