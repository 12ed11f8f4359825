package approval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bonzainsights/mragent/internal/config"
	"github.com/bonzainsights/mragent/internal/prompts"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGate(t *testing.T, p Policy) *Gate {
	t.Helper()
	if p.WorkingDir == "" {
		p.WorkingDir = t.TempDir()
	}
	g, err := NewGate(p, quietLogger())
	if err != nil {
		t.Fatalf("NewGate: %v", err)
	}
	return g
}

// countingApprover records every call and answers with a fixed value.
type countingApprover struct {
	answer bool
	calls  atomic.Int32
	last   atomic.Value
}

func (c *countingApprover) approve(_ context.Context, desc string) bool {
	c.calls.Add(1)
	c.last.Store(desc)
	return c.answer
}

func cmd(command string) map[string]any {
	return map[string]any{"command": command}
}

func TestAuthorize_HardBlocksAtEveryLevel(t *testing.T) {
	commands := []string{
		"rm -rf /",
		"rm -fr /*",
		"RM -RF / ",
		"rm -rf --no-preserve-root /",
		"rm -r -f /",
		"rm --recursive --force /",
		"rm -R ~",
		"rm -f -r ~/",
		"rm / -rf",
		"cd /tmp; rm -rf /",
		"rm --no-preserve-root -r /tmp",
		"sudo apt install foo",
		"echo hi && sudo reboot",
		":(){ :|:& };:",
		"mkfs.ext4 /dev/sda1",
		"dd if=/dev/zero of=/dev/sda",
		"cat x > /dev/sda",
		"shutdown -h now",
		"su - root",
	}
	for _, level := range []TrustLevel{Cautious, Balanced, Autonomous} {
		for _, c := range commands {
			a := &countingApprover{answer: true}
			g := newTestGate(t, Policy{
				TrustLevel:          level,
				AutoApprovePatterns: []string{"*"},
				AutoSession:         true,
				ScopeDir:            "/",
			})
			g.SetApprover(a.approve)

			v := g.Authorize(context.Background(), "execute_terminal", cmd(c))
			if v.Outcome != OutcomeBlocked {
				t.Errorf("%s: Authorize(%q) = %s, want blocked", level, c, v.Outcome)
			}
			if v.Allowed() || v.Result() != prompts.ToolBlocked {
				t.Errorf("%s: blocked verdict allowed=%v result=%q", level, v.Allowed(), v.Result())
			}
			if a.calls.Load() != 0 {
				t.Errorf("%s: approver consulted for hard-blocked %q", level, c)
			}
		}
	}
}

func TestAuthorize_HardBlockSparesLookalikes(t *testing.T) {
	g := newTestGate(t, Policy{TrustLevel: Autonomous})
	for _, c := range []string{
		"rm -rf /tmp/build",
		"rm -rf ./dist",
		"rm -r ~/projects/old",
		"rm -rf /tmp/x && ls /",
		"rm -f /",
		"pseudo-random",
		"ls /dev/sda",
	} {
		if v := g.Authorize(context.Background(), "execute_terminal", cmd(c)); v.Outcome == OutcomeBlocked {
			t.Errorf("Authorize(%q) blocked: %s", c, v.Reason)
		}
	}
}

func TestAuthorize_DecisionTable(t *testing.T) {
	tests := []struct {
		name      string
		level     TrustLevel
		tool      string
		args      map[string]any
		want      Outcome
		wantAsked bool
	}{
		{"ungated tool", Cautious, "search_web", map[string]any{"query": "x"}, OutcomeUngated, false},
		{"autonomous", Autonomous, "execute_terminal", cmd("make install"), OutcomeAuto, false},
		{"read-only cautious", Cautious, "execute_terminal", cmd("ls -la src"), OutcomeAuto, false},
		{"read-only with pipe asks", Cautious, "execute_terminal", cmd("ls | xargs rm"), OutcomeRejected, true},
		{"pattern match", Balanced, "execute_terminal", cmd("npm test"), OutcomeAuto, false},
		{"chained pattern match", Balanced, "execute_terminal", cmd("git add . && git commit -m x"), OutcomeAuto, false},
		{"chain with unlisted segment", Balanced, "execute_terminal", cmd("git pull; make"), OutcomeRejected, true},
		{"balanced command asks", Balanced, "execute_terminal", cmd("make install"), OutcomeRejected, true},
		{"balanced sandboxed runs", Balanced, "run_code", map[string]any{"language": "python", "code": "print(1)"}, OutcomeAuto, false},
		{"cautious sandboxed asks", Cautious, "run_code", map[string]any{"language": "python", "code": "print(1)"}, OutcomeRejected, true},
		{"file tool asks", Balanced, "write_file", map[string]any{"path": "a.txt", "content": "x"}, OutcomeRejected, true},
		{"file tool not whitelisted by path", Balanced, "delete_file", map[string]any{"path": "ls"}, OutcomeRejected, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &countingApprover{answer: false}
			g := newTestGate(t, Policy{
				TrustLevel:          tt.level,
				AutoApprovePatterns: []string{"git *", "npm *"},
			})
			g.SetApprover(a.approve)

			v := g.Authorize(context.Background(), tt.tool, tt.args)
			if v.Outcome != tt.want {
				t.Errorf("outcome = %s (%s), want %s", v.Outcome, v.Reason, tt.want)
			}
			if asked := a.calls.Load() == 1; asked != tt.wantAsked {
				t.Errorf("approver called %d times, want asked=%v", a.calls.Load(), tt.wantAsked)
			}
		})
	}
}

func TestAuthorize_CautiousAsksExactlyOnce(t *testing.T) {
	a := &countingApprover{answer: true}
	g := newTestGate(t, Policy{TrustLevel: Cautious})
	g.SetApprover(a.approve)

	v := g.Authorize(context.Background(), "execute_terminal", map[string]any{
		"command":           "make build",
		"working_directory": "/srv/app",
	})
	if v.Outcome != OutcomeApproved || !v.Allowed() {
		t.Errorf("outcome = %s, want approved", v.Outcome)
	}
	if a.calls.Load() != 1 {
		t.Errorf("approver called %d times, want 1", a.calls.Load())
	}
	if got := a.last.Load(); got != "make build (in /srv/app)" {
		t.Errorf("description = %q", got)
	}
}

func TestAuthorize_RejectionResult(t *testing.T) {
	g := newTestGate(t, Policy{TrustLevel: Cautious})
	g.SetApprover(func(context.Context, string) bool { return false })

	v := g.Authorize(context.Background(), "execute_terminal", cmd("make"))
	if v.Allowed() {
		t.Fatal("rejected call allowed")
	}
	if v.Result() != prompts.ToolRejected {
		t.Errorf("Result() = %q", v.Result())
	}
}

func TestAuthorize_NoApproverAutoApproves(t *testing.T) {
	g := newTestGate(t, Policy{TrustLevel: Cautious})
	v := g.Authorize(context.Background(), "execute_terminal", cmd("make"))
	if v.Outcome != OutcomeUnattended || !v.Allowed() {
		t.Errorf("outcome = %s, want unattended", v.Outcome)
	}
}

func TestAuthorize_QueueTimeoutRejects(t *testing.T) {
	g := newTestGate(t, Policy{TrustLevel: Cautious, QueueTimeout: 20 * time.Millisecond})
	g.SetApprover(func(ctx context.Context, _ string) bool {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return true
	})

	start := time.Now()
	v := g.Authorize(context.Background(), "execute_terminal", cmd("make"))
	if v.Outcome != OutcomeTimedOut || v.Allowed() {
		t.Errorf("outcome = %s, want timed_out", v.Outcome)
	}
	if v.Result() != prompts.ToolRejected {
		t.Errorf("Result() = %q", v.Result())
	}
	if time.Since(start) > time.Second {
		t.Error("timeout did not bound the wait")
	}
}

func TestAuthorize_CancelledContextRejects(t *testing.T) {
	g := newTestGate(t, Policy{TrustLevel: Cautious})
	g.SetApprover(func(ctx context.Context, _ string) bool {
		<-ctx.Done()
		return true
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if v := g.Authorize(ctx, "execute_terminal", cmd("make")); v.Outcome != OutcomeRejected {
		t.Errorf("outcome = %s, want rejected", v.Outcome)
	}
}

func TestAuthorize_ApproverPanicRejects(t *testing.T) {
	g := newTestGate(t, Policy{TrustLevel: Cautious})
	g.SetApprover(func(context.Context, string) bool { panic("boom") })

	if v := g.Authorize(context.Background(), "execute_terminal", cmd("make")); v.Allowed() {
		t.Errorf("outcome = %s after approver panic", v.Outcome)
	}
}

type stubNotifier struct {
	mu    sync.Mutex
	calls int
	err   error
	panic bool
	block chan struct{}
	done  chan struct{}
}

func (s *stubNotifier) Notify(ctx context.Context, title, body string) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	defer func() {
		if s.done != nil {
			close(s.done)
		}
	}()
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
		}
	}
	if s.panic {
		panic("notifier exploded")
	}
	return s.err
}

func TestAuthorize_NotifierNeverBlocks(t *testing.T) {
	tests := []struct {
		name string
		n    *stubNotifier
	}{
		{"error", &stubNotifier{err: errors.New("telegram down")}},
		{"panic", &stubNotifier{panic: true}},
		{"slow", &stubNotifier{block: make(chan struct{})}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.n.done = make(chan struct{})
			g := newTestGate(t, Policy{TrustLevel: Cautious, NotifyOnPending: true})
			g.SetNotifier(tt.n)
			g.SetApprover(func(context.Context, string) bool { return true })

			v := g.Authorize(context.Background(), "execute_terminal", cmd("make"))
			if v.Outcome != OutcomeApproved {
				t.Errorf("outcome = %s, want approved", v.Outcome)
			}
			if tt.n.block != nil {
				close(tt.n.block)
			}
			select {
			case <-tt.n.done:
			case <-time.After(time.Second):
				t.Fatal("notifier never called")
			}
		})
	}
}

func TestAuthorize_OnPending(t *testing.T) {
	g := newTestGate(t, Policy{TrustLevel: Cautious})
	var seen []Verdict
	g.OnPending(func(v Verdict) { seen = append(seen, v) })
	g.SetApprover(func(context.Context, string) bool { return true })

	g.Authorize(context.Background(), "execute_terminal", cmd("ls"))
	g.Authorize(context.Background(), "move_file", map[string]any{"source": "a", "destination": "b"})

	if len(seen) != 1 {
		t.Fatalf("OnPending fired %d times, want 1", len(seen))
	}
	if seen[0].Description != "move_file a -> b" {
		t.Errorf("description = %q", seen[0].Description)
	}
}

func TestAuthorize_ScopedAutoSession(t *testing.T) {
	scope := t.TempDir()
	tests := []struct {
		name string
		args map[string]any
		want Outcome
	}{
		{"inside", map[string]any{"command": "make build", "working_directory": scope}, OutcomeAuto},
		{"relative path inside", map[string]any{"command": "rm -r build/out", "working_directory": scope}, OutcomeAuto},
		{"absolute path outside", map[string]any{"command": "rm -r /etc/hosts", "working_directory": scope}, OutcomeRejected},
		{"parent escape", map[string]any{"command": "rm -r ../other", "working_directory": scope}, OutcomeRejected},
		{"cwd outside", map[string]any{"command": "make", "working_directory": "/"}, OutcomeRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newTestGate(t, Policy{
				TrustLevel:  Balanced,
				ScopeDir:    scope,
				AutoSession: true,
				WorkingDir:  scope,
			})
			g.SetApprover(func(context.Context, string) bool { return false })
			if v := g.Authorize(context.Background(), "execute_terminal", tt.args); v.Outcome != tt.want {
				t.Errorf("outcome = %s (%s), want %s", v.Outcome, v.Reason, tt.want)
			}
		})
	}

	// Without the session flag the scope is ignored.
	g := newTestGate(t, Policy{TrustLevel: Balanced, ScopeDir: scope, WorkingDir: scope})
	g.SetApprover(func(context.Context, string) bool { return false })
	if v := g.Authorize(context.Background(), "execute_terminal", cmd("make")); v.Outcome != OutcomeRejected {
		t.Errorf("outcome without auto session = %s", v.Outcome)
	}
	g.SetAutoSession(true)
	if v := g.Authorize(context.Background(), "execute_terminal", cmd("make")); v.Outcome != OutcomeAuto {
		t.Errorf("outcome after SetAutoSession = %s", v.Outcome)
	}
}

func TestSetTrustLevel(t *testing.T) {
	g := newTestGate(t, Policy{})
	if g.TrustLevel() != Balanced {
		t.Errorf("default level = %s", g.TrustLevel())
	}
	if err := g.SetTrustLevel("reckless"); !errors.Is(err, ErrUnknownTrustLevel) {
		t.Errorf("SetTrustLevel(reckless) err = %v", err)
	}
	if err := g.SetTrustLevel(Autonomous); err != nil || g.TrustLevel() != Autonomous {
		t.Errorf("SetTrustLevel(autonomous) = %v, level %s", err, g.TrustLevel())
	}
}

func TestCounts(t *testing.T) {
	g := newTestGate(t, Policy{TrustLevel: Autonomous})
	g.Authorize(context.Background(), "execute_terminal", cmd("make"))
	g.Authorize(context.Background(), "execute_terminal", cmd("sudo make"))
	c := g.Counts()
	if c[OutcomeAuto] != 1 || c[OutcomeBlocked] != 1 {
		t.Errorf("Counts() = %v", c)
	}
}

func TestPolicyFromConfig(t *testing.T) {
	c := config.Default().Autonomy
	c.QueueTimeoutMinutes = 0
	p, err := PolicyFromConfig(c, "/work")
	if err != nil {
		t.Fatal(err)
	}
	if p.TrustLevel != Balanced || p.QueueTimeout != 0 {
		t.Errorf("policy = %+v", p)
	}
	if gt := p.GatedTools["execute_terminal"]; !gt.Shell || gt.CwdArg != "working_directory" {
		t.Errorf("execute_terminal = %+v", gt)
	}
	if gt := p.GatedTools["run_code"]; gt.Risk != RiskSandboxed {
		t.Errorf("run_code = %+v", gt)
	}

	c.GatedTools = map[string]string{"run_code": "command", "deploy": "command"}
	p, err = PolicyFromConfig(c, "")
	if err != nil {
		t.Fatal(err)
	}
	if p.GatedTools["run_code"].Risk != RiskCommand || p.GatedTools["run_code"].Arg != "code" {
		t.Errorf("run_code override = %+v", p.GatedTools["run_code"])
	}
	if _, ok := p.GatedTools["write_file"]; ok {
		t.Error("explicit table should replace the defaults")
	}

	c.TrustLevel = "yolo"
	if _, err := PolicyFromConfig(c, ""); !errors.Is(err, ErrUnknownTrustLevel) {
		t.Errorf("bad level err = %v", err)
	}
}

func TestGatedTools_Sorted(t *testing.T) {
	g := newTestGate(t, Policy{})
	want := []string{"delete_file", "execute_terminal", "move_file", "run_code", "write_file"}
	got := g.GatedTools()
	if len(got) != len(want) {
		t.Fatalf("GatedTools() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("GatedTools()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if !g.IsGated("run_code") || g.IsGated("read_file") {
		t.Error("IsGated disagrees with GatedTools")
	}
}
