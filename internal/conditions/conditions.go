// Package conditions renders runtime status for people reading /stats
// output: where the agent is running, which build it is, and how full
// its context window is.
package conditions

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/bonzainsights/mragent/internal/buildinfo"
)

// Session is the user-visible state of the running agent.
type Session struct {
	TrustLevel string
	Override   string // pinned model name, empty for automatic routing
	Gated      []string
}

// Runtime returns a multi-line status block describing the host, the
// build, how long the process has been up and the session's safety
// settings. Lines use the same bold-label layout as FormatContextUsage.
func Runtime(s Session) string {
	var sb strings.Builder

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	fmt.Fprintf(&sb, "**Host:** %s (%s/%s, %s)\n", hostname, runtime.GOOS, runtime.GOARCH, detectEnvironment())
	fmt.Fprintf(&sb, "**Build:** MRAgent %s (%s@%s)\n", buildinfo.Version, buildinfo.GitCommit, buildinfo.GitBranch)
	fmt.Fprintf(&sb, "**Uptime:** %s\n", formatUptime(buildinfo.Uptime()))

	model := s.Override
	if model == "" {
		model = "auto"
	}
	trust := s.TrustLevel
	if trust == "" {
		trust = "unknown"
	}
	fmt.Fprintf(&sb, "**Trust:** %s | **Model:** %s", trust, model)
	if len(s.Gated) > 0 {
		fmt.Fprintf(&sb, " | **Gated:** %s", strings.Join(s.Gated, ", "))
	}
	sb.WriteString("\n")

	return sb.String()
}

// detectEnvironment returns "container" or "bare metal".
func detectEnvironment() string {
	if runtime.GOOS != "linux" {
		return "bare metal"
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return "container"
	}
	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		for _, marker := range []string{"docker", "lxc", "kubepods", "containerd"} {
			if strings.Contains(string(data), marker) {
				return "container"
			}
		}
	}
	if os.Getenv("container") != "" || os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "container"
	}
	return "bare metal"
}

// formatUptime renders d as "30s", "45m", "2h 15m" or "2d 5h".
func formatUptime(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}

	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}
