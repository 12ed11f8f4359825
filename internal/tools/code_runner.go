package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// interpreter describes how to run one language.
type interpreter struct {
	file string
	cmd  []string
}

// interpreters maps a language name to its runner. The script path is
// appended to cmd.
var interpreters = map[string]interpreter{
	"python":     {file: "main.py", cmd: []string{"python3"}},
	"javascript": {file: "main.js", cmd: []string{"node"}},
	"bash":       {file: "main.sh", cmd: []string{"bash"}},
}

// CodeRunner executes snippets in a throwaway directory.
type CodeRunner struct {
	logger         *slog.Logger
	tempRoot       string
	defaultTimeout time.Duration
	maxOutputBytes int
}

// NewCodeRunner creates a runner. An empty tempRoot uses the system
// temporary directory.
func NewCodeRunner(tempRoot string, timeout time.Duration, maxOutputBytes int, logger *slog.Logger) *CodeRunner {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxOutputBytes <= 0 {
		maxOutputBytes = 8000
	}
	return &CodeRunner{
		logger:         logger,
		tempRoot:       tempRoot,
		defaultTimeout: timeout,
		maxOutputBytes: maxOutputBytes,
	}
}

// Languages returns the supported language names, sorted.
func Languages() []string {
	out := make([]string, 0, len(interpreters))
	for l := range interpreters {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Run writes code to a fresh directory and executes it there. The
// directory is removed afterwards.
func (c *CodeRunner) Run(ctx context.Context, language, code string, timeout time.Duration) (*ExecResult, error) {
	interp, ok := interpreters[strings.ToLower(language)]
	if !ok {
		return nil, fmt.Errorf("unsupported language %q (use %s)", language, strings.Join(Languages(), ", "))
	}
	if strings.TrimSpace(code) == "" {
		return nil, errors.New("code is required")
	}

	dir, err := os.MkdirTemp(c.tempRoot, "mragent-run-")
	if err != nil {
		return nil, fmt.Errorf("create sandbox directory: %w", err)
	}
	defer os.RemoveAll(dir)

	script := filepath.Join(dir, interp.file)
	if err := os.WriteFile(script, []byte(code), 0o600); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}

	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	timeout = min(timeout, maxShellTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.logger.Info("running code",
		"language", language,
		"bytes", len(code),
		"timeout", timeout,
		"chat_id", ChatIDFromContext(ctx),
	)

	args := append(append([]string{}, interp.cmd[1:]...), script)
	cmd := exec.CommandContext(ctx, interp.cmd[0], args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err = cmd.Run()
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
			return nil, fmt.Errorf("start %s: %w", interp.cmd[0], err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// Tool returns the run_code tool backed by c.
func (c *CodeRunner) Tool() *Tool {
	return &Tool{
		Name: "run_code",
		Description: "Run a Python, JavaScript, or Bash snippet in a temporary directory and return its output. " +
			"Use for calculations, data processing, and quick experiments.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"language": map[string]any{
					"type":        "string",
					"enum":        Languages(),
					"description": "Language of the snippet",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "The source code to run",
				},
				"timeout": map[string]any{
					"type":        "integer",
					"description": "Timeout in seconds (default: 30)",
				},
			},
			"required": []string{"language", "code"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			lang := stringArg(args, "language")
			timeout := time.Duration(intArg(args, "timeout", 0)) * time.Second
			res, err := c.Run(ctx, lang, stringArg(args, "code"), timeout)
			if err != nil {
				return "", err
			}
			return formatResult(lang+" snippet", res, c.maxOutputBytes), nil
		},
	}
}
