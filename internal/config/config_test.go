package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("MRAGENT_TEST_TOKEN", "secret123")
	path := writeConfig(t, "notify:\n  telegram:\n    bot_token: ${MRAGENT_TEST_TOKEN}\n    chat_id: \"42\"\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Notify.Telegram.BotToken != "secret123" {
		t.Errorf("bot_token = %q, want %q", cfg.Notify.Telegram.BotToken, "secret123")
	}
	if !cfg.Notify.Telegram.Configured() {
		t.Error("telegram should be configured")
	}
}

func TestLoad_LayersOverDefaults(t *testing.T) {
	path := writeConfig(t, "agent_name: Ada\nautonomy:\n  trust_level: cautious\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.AgentName != "Ada" {
		t.Errorf("AgentName = %q, want Ada", cfg.AgentName)
	}
	if cfg.Autonomy.TrustLevel != "cautious" {
		t.Errorf("TrustLevel = %q, want cautious", cfg.Autonomy.TrustLevel)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want 10", cfg.Agent.MaxIterations)
	}
	if cfg.Models.ModeDefaults["code"] != "qwen3-coder" {
		t.Errorf("code default = %q, want qwen3-coder", cfg.Models.ModeDefaults["code"])
	}
	if len(cfg.Autonomy.AutoApprovePatterns) == 0 {
		t.Error("default auto-approve patterns lost")
	}
	if cfg.Context.ResponseReserve != 8000 || cfg.Context.DefaultWindow != 32000 {
		t.Errorf("context budget = %d/%d, want 32000/8000", cfg.Context.DefaultWindow, cfg.Context.ResponseReserve)
	}
}

func TestLoad_DataDirExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	path := writeConfig(t, "data_dir: ~/agent-data\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	want := filepath.Join(home, "agent-data")
	if cfg.DataDir != want {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, want)
	}
	if cfg.UsagePath() != filepath.Join(want, "usage.db") {
		t.Errorf("UsagePath() = %q", cfg.UsagePath())
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{name: "trust level", body: "autonomy:\n  trust_level: reckless\n", wantErr: "trust_level"},
		{name: "mode", body: "models:\n  mode: turbo\n", wantErr: "models.mode"},
		{name: "mode default", body: "models:\n  mode_defaults:\n    code: nope\n", wantErr: "mode_defaults.code"},
		{name: "fallback", body: "models:\n  fallback_chain: [ghost]\n", wantErr: "fallback_chain"},
		{name: "threshold", body: "context:\n  compact_threshold: 1.5\n", wantErr: "compact_threshold"},
		{name: "reserve", body: "context:\n  default_window: 1000\n  response_reserve: 2000\n", wantErr: "response_reserve"},
		{name: "risk", body: "autonomy:\n  gated_tools:\n    execute_terminal: scary\n", wantErr: "gated_tools"},
		{name: "provider", body: "models:\n  available:\n    - name: local\n      provider: nowhere\n", wantErr: "unknown provider"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Load() should fail")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_ModelIDDefaultsToName(t *testing.T) {
	body := `models:
  mode_defaults:
    thinking: local
    fast: local
    code: local
    browsing: local
    general: local
    vision: local
  fallback_chain: [local]
  available:
    - name: local
      context_window: 4096
`
	cfg, err := Load(writeConfig(t, body))
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Models.Available) != 1 {
		t.Fatalf("Available = %d models, want 1", len(cfg.Models.Available))
	}
	m := cfg.Models.Available[0]
	if m.ID != "local" || m.Provider != "nvidia" {
		t.Errorf("model = %+v, want ID=local Provider=nvidia", m)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{in: "", want: slog.LevelInfo},
		{in: "TRACE", want: LevelTrace},
		{in: " debug ", want: slog.LevelDebug},
		{in: "warning", want: slog.LevelWarn},
		{in: "error", want: slog.LevelError},
		{in: "loud", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseLogFormat(t *testing.T) {
	if f, err := ParseLogFormat("JSON"); err != nil || f != "json" {
		t.Errorf("ParseLogFormat(JSON) = %q, %v", f, err)
	}
	if _, err := ParseLogFormat("xml"); err == nil {
		t.Error("ParseLogFormat(xml) should fail")
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q, want TRACE", a.Value.String())
	}
}

func TestLoadEnv_DoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, ".env"), []byte("MRAGENT_ENV_A=from-file\nMRAGENT_ENV_B=from-file\n"), 0600)
	cfgPath := filepath.Join(dir, "config.yaml")

	t.Setenv("MRAGENT_ENV_A", "from-process")
	t.Setenv("MRAGENT_ENV_B", "")
	os.Unsetenv("MRAGENT_ENV_B")

	loaded, err := LoadEnv(cfgPath)
	if err != nil {
		t.Fatalf("LoadEnv error: %v", err)
	}
	if len(loaded) == 0 {
		t.Fatal("LoadEnv loaded nothing")
	}
	if got := os.Getenv("MRAGENT_ENV_A"); got != "from-process" {
		t.Errorf("MRAGENT_ENV_A = %q, want from-process", got)
	}
	if got := os.Getenv("MRAGENT_ENV_B"); got != "from-file" {
		t.Errorf("MRAGENT_ENV_B = %q, want from-file", got)
	}
}
