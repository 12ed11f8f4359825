// MRAgent is a multi-model AI agent: it routes each turn to a suitable
// model, keeps the conversation inside that model's context window,
// and runs tools behind a human approval gate.
//
// Usage:
//
//	mragent chat             Interactive terminal session (default)
//	mragent ask <question>   Answer a single question and exit
//	mragent serve            Start the HTTP and WebSocket API
//	mragent init [dir]       Write an example config.yaml
//	mragent usage [period]   Show token usage (today, yesterday, week, month, all)
//	mragent version          Print version and build information
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bonzainsights/mragent/internal/buildinfo"
	"github.com/bonzainsights/mragent/internal/config"
)

// main builds the OS-level environment and hands off to [run], which
// keeps os.Exit, os.Stdin and os.Args out of the application logic.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// options are the global flags shared by every subcommand.
type options struct {
	configPath string
	outputFmt  string // text or json
	model      string // pinned model; empty routes automatically
	mode       string // initial router mode; empty uses the config
	logLevel   string // overrides log_level from the config
}

// run is the real entry point. Arguments are parsed by hand rather than
// with the flag package so that run has no package-level state and can
// be driven concurrently from tests.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var opts options
	var command string
	var cmdArgs []string

	flagValue := func(i *int, name string) (string, bool) {
		a := args[*i]
		if strings.HasPrefix(a, name+"=") {
			return strings.TrimPrefix(a, name+"="), true
		}
		if a == name && *i+1 < len(args) {
			*i++
			return args[*i], true
		}
		return "", false
	}

	for i := 0; i < len(args); i++ {
		if command != "" {
			cmdArgs = append(cmdArgs, args[i])
			continue
		}
		if v, ok := flagValue(&i, "-config"); ok {
			opts.configPath = v
			continue
		}
		if v, ok := flagValue(&i, "-o"); ok {
			opts.outputFmt = v
			continue
		}
		if v, ok := flagValue(&i, "--output"); ok {
			opts.outputFmt = v
			continue
		}
		if v, ok := flagValue(&i, "-model"); ok {
			opts.model = v
			continue
		}
		if v, ok := flagValue(&i, "-mode"); ok {
			opts.mode = v
			continue
		}
		if v, ok := flagValue(&i, "-log-level"); ok {
			opts.logLevel = v
			continue
		}
		switch a := args[i]; {
		case a == "-h" || a == "-help" || a == "--help":
			return printUsage(stdout)
		case strings.HasPrefix(a, "-"):
			return fmt.Errorf("unknown flag: %s", a)
		default:
			command = a
		}
	}

	if opts.outputFmt == "" {
		opts.outputFmt = "text"
	}
	if opts.outputFmt != "text" && opts.outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", opts.outputFmt)
	}

	switch command {
	case "", "chat":
		return runChat(ctx, stdin, stdout, stderr, opts)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: mragent ask <question>")
		}
		return runAsk(ctx, stdout, stderr, opts, strings.Join(cmdArgs, " "))
	case "serve":
		return runServe(ctx, stdout, stderr, opts)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "usage":
		period := "today"
		if len(cmdArgs) > 0 {
			period = cmdArgs[0]
		}
		return runUsage(ctx, stdout, opts, period)
	case "version":
		return runVersion(stdout, opts.outputFmt)
	case "help":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "MRAgent - multi-model AI agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mragent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  chat           Interactive terminal session (default)")
	fmt.Fprintln(w, "  ask <text>     Answer a single question and exit")
	fmt.Fprintln(w, "  serve          Start the HTTP and WebSocket API")
	fmt.Fprintln(w, "  init [dir]     Write an example config.yaml (default: .)")
	fmt.Fprintln(w, "  usage [period] Show token usage: today, yesterday, week, month, all")
	fmt.Fprintln(w, "  version        Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -model <name>     Pin a model for every turn")
	fmt.Fprintln(w, "  -mode <mode>      Initial mode: auto, thinking, fast, code, browsing")
	fmt.Fprintln(w, "  -log-level <lvl>  trace, debug, info, warn, error")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintf(w, "  %s\n", strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// newLogger creates a structured logger writing to w at the given level
// and format. Any format other than "json" yields text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig reads .env files, then locates and parses the YAML config.
// When no config file exists anywhere, the built-in defaults are used
// so a first run only needs NVIDIA_API_KEY in the environment.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, findErr := config.FindConfig(explicit)
	if _, err := config.LoadEnv(cfgPath); err != nil {
		return nil, cfgPath, err
	}
	if findErr != nil {
		if explicit != "" {
			return nil, "", findErr
		}
		cfg := config.Default()
		cfg.Finalize()
		if err := cfg.Validate(); err != nil {
			return nil, "", err
		}
		return cfg, "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// configuredLogger builds the logger for a subcommand from the config,
// with the -log-level flag taking precedence.
func configuredLogger(w io.Writer, cfg *config.Config, opts options) (*slog.Logger, error) {
	name := cfg.LogLevel
	if opts.logLevel != "" {
		name = opts.logLevel
	}
	level, err := config.ParseLogLevel(name)
	if err != nil {
		return nil, err
	}
	return newLogger(w, level, cfg.LogFormat), nil
}
