// Package config handles MRAgent configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mragent/config.yaml, /etc/mragent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mragent", "config.yaml"))
	}

	paths = append(paths, "/etc/mragent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// TrustLevels lists the accepted values for autonomy.trust_level.
var TrustLevels = []string{"cautious", "balanced", "autonomous"}

// Modes lists the accepted values for models.mode.
var Modes = []string{"auto", "thinking", "fast", "code", "browsing"}

// Config holds all MRAgent configuration.
type Config struct {
	AgentName          string `yaml:"agent_name"`
	UserName           string `yaml:"user_name"`
	CustomInstructions string `yaml:"custom_instructions"`
	DataDir            string `yaml:"data_dir"`
	LogLevel           string `yaml:"log_level"`
	LogFormat          string `yaml:"log_format"` // text or json

	Listen    ListenConfig              `yaml:"listen"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Models    ModelsConfig              `yaml:"models"`
	Context   ContextConfig             `yaml:"context"`
	Agent     AgentConfig               `yaml:"agent"`
	Autonomy  AutonomyConfig            `yaml:"autonomy"`
	ShellExec ShellExecConfig           `yaml:"shell_exec"`
	Workspace WorkspaceConfig           `yaml:"workspace"`
	Search    SearchConfig              `yaml:"search"`
	Notify    NotifyConfig              `yaml:"notify"`
	Usage     StoreConfig               `yaml:"usage"`
	Archive   StoreConfig               `yaml:"archive"`
	Prefs     StoreConfig               `yaml:"prefs"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProviderConfig describes one OpenAI-compatible inference endpoint.
type ProviderConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// Configured reports whether the provider has an endpoint to talk to.
func (p ProviderConfig) Configured() bool {
	return p.BaseURL != ""
}

// ModelsConfig defines the model registry and routing settings.
type ModelsConfig struct {
	// Mode is the initial selection mode: auto, thinking, fast, code, browsing.
	Mode string `yaml:"mode"`
	// Override pins every turn to one model when non-empty.
	Override string `yaml:"override"`
	// ModeDefaults maps a category (thinking, fast, code, browsing,
	// general, vision) to the model that serves it.
	ModeDefaults map[string]string `yaml:"mode_defaults"`
	// FallbackChain is the step-down order tried when a model call fails.
	FallbackChain []string         `yaml:"fallback_chain"`
	Classifier    ClassifierConfig `yaml:"classifier"`
	Available     []ModelConfig    `yaml:"available"`
}

// ClassifierConfig controls the remote routing classification call.
type ClassifierConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Model     string `yaml:"model"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// ModelConfig defines a single model's capabilities.
type ModelConfig struct {
	Name          string   `yaml:"name"`
	ID            string   `yaml:"id"`       // transport identifier, defaults to Name
	Provider      string   `yaml:"provider"` // key into providers
	ContextWindow int      `yaml:"context_window"`
	SupportsTools bool     `yaml:"supports_tools"`
	Vision        bool     `yaml:"vision"`
	Categories    []string `yaml:"categories"`
}

// ContextConfig tunes the conversation window.
type ContextConfig struct {
	DefaultWindow    int     `yaml:"default_window"`
	ResponseReserve  int     `yaml:"response_reserve"`
	CompactThreshold float64 `yaml:"compact_threshold"`
	KeepRecent       int     `yaml:"keep_recent"`
	MinMessages      int     `yaml:"min_messages"`
	PreviewChars     int     `yaml:"preview_chars"`
	MaxSummaryChars  int     `yaml:"max_summary_chars"`
}

// AgentConfig tunes the turn loop.
type AgentConfig struct {
	MaxIterations int  `yaml:"max_iterations"`
	Stream        bool `yaml:"stream"`
}

// AutonomyConfig defines the tool-approval policy.
type AutonomyConfig struct {
	TrustLevel          string   `yaml:"trust_level"`
	AutoApprovePatterns []string `yaml:"auto_approve_patterns"`
	// ReadOnlyCommands overrides the built-in read-only verb allowlist.
	ReadOnlyCommands []string `yaml:"read_only_commands"`
	// HardBlocks overrides the built-in categorically dangerous
	// command expressions. Entries are regular expressions.
	HardBlocks      []string `yaml:"hard_blocks"`
	ScopeDir        string   `yaml:"scope_dir"`
	AutoSession     bool     `yaml:"auto_session"`
	NotifyOnPending bool     `yaml:"notify_on_pending"`
	// QueueTimeoutMinutes rejects a pending approval after this long.
	// Zero waits indefinitely.
	QueueTimeoutMinutes int `yaml:"queue_timeout_minutes"`
	// GatedTools maps a tool name to its risk class: command or sandboxed.
	GatedTools map[string]string `yaml:"gated_tools"`
}

// ShellExecConfig defines shell execution capabilities.
type ShellExecConfig struct {
	Enabled bool `yaml:"enabled"`
	// WorkingDir sets the default working directory for commands.
	WorkingDir string `yaml:"working_dir"`
	// DeniedPatterns are command substrings the executor refuses in
	// addition to the approval hard blocks.
	DeniedPatterns []string `yaml:"denied_patterns"`
	// DefaultTimeoutSec is the default timeout in seconds (default 30).
	DefaultTimeoutSec int `yaml:"default_timeout_sec"`
	// MaxOutputBytes caps each of stdout and stderr (default 8000).
	MaxOutputBytes int `yaml:"max_output_bytes"`
}

// WorkspaceConfig defines the root for file tools.
type WorkspaceConfig struct {
	// Path is the root directory for file operations. If empty, file
	// tools are disabled.
	Path string `yaml:"path"`
}

// SearchConfig selects the web search backend.
type SearchConfig struct {
	Provider   string           `yaml:"provider"`
	Brave      BraveConfig      `yaml:"brave"`
	LangSearch LangSearchConfig `yaml:"langsearch"`
}

// BraveConfig holds configuration for the Brave Search provider.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether a Brave API key is set.
func (c BraveConfig) Configured() bool {
	return c.APIKey != ""
}

// LangSearchConfig holds configuration for the LangSearch provider.
type LangSearchConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether a LangSearch API key is set.
func (c LangSearchConfig) Configured() bool {
	return c.APIKey != ""
}

// NotifyConfig lists the channels told about pending approvals.
type NotifyConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// TelegramConfig defines the Telegram bot used for notifications.
type TelegramConfig struct {
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// Configured reports whether both token and chat are set.
func (c TelegramConfig) Configured() bool {
	return c.BotToken != "" && c.ChatID != ""
}

// MQTTConfig defines the broker used for notifications.
type MQTTConfig struct {
	Broker   string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Topic    string `yaml:"topic"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	ClientID string `yaml:"client_id"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// StoreConfig toggles a sqlite-backed store under DataDir.
type StoreConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Load reads configuration from a YAML file. Values in the file are
// layered over [Default], so a config only needs the keys it changes.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	cfg.Finalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Finalize fills zero values left by a partial config and expands
// paths. [Load] calls it; code that builds a Config by hand calls it
// before [Config.Validate].
func (c *Config) Finalize() {
	d := Default()
	if c.AgentName == "" {
		c.AgentName = d.AgentName
	}
	if c.UserName == "" {
		c.UserName = d.UserName
	}
	if c.DataDir == "" {
		c.DataDir = d.DataDir
	}
	c.DataDir = expandHome(c.DataDir)
	if c.Listen.Port == 0 {
		c.Listen.Port = d.Listen.Port
	}
	if c.Models.Mode == "" {
		c.Models.Mode = "auto"
	}
	if c.Models.Classifier.TimeoutMS <= 0 {
		c.Models.Classifier.TimeoutMS = d.Models.Classifier.TimeoutMS
	}
	for i := range c.Models.Available {
		m := &c.Models.Available[i]
		if m.ID == "" {
			m.ID = m.Name
		}
		if m.Provider == "" {
			m.Provider = "nvidia"
		}
	}
	if c.Context.DefaultWindow <= 0 {
		c.Context.DefaultWindow = d.Context.DefaultWindow
	}
	if c.Context.ResponseReserve <= 0 {
		c.Context.ResponseReserve = d.Context.ResponseReserve
	}
	if c.Context.CompactThreshold == 0 {
		c.Context.CompactThreshold = d.Context.CompactThreshold
	}
	if c.Context.KeepRecent <= 0 {
		c.Context.KeepRecent = d.Context.KeepRecent
	}
	if c.Context.MinMessages <= 0 {
		c.Context.MinMessages = d.Context.MinMessages
	}
	if c.Context.PreviewChars <= 0 {
		c.Context.PreviewChars = d.Context.PreviewChars
	}
	if c.Agent.MaxIterations <= 0 {
		c.Agent.MaxIterations = d.Agent.MaxIterations
	}
	if c.Autonomy.TrustLevel == "" {
		c.Autonomy.TrustLevel = d.Autonomy.TrustLevel
	}
	if c.Autonomy.QueueTimeoutMinutes < 0 {
		c.Autonomy.QueueTimeoutMinutes = d.Autonomy.QueueTimeoutMinutes
	}
	if c.ShellExec.DefaultTimeoutSec <= 0 {
		c.ShellExec.DefaultTimeoutSec = d.ShellExec.DefaultTimeoutSec
	}
	if c.ShellExec.MaxOutputBytes <= 0 {
		c.ShellExec.MaxOutputBytes = d.ShellExec.MaxOutputBytes
	}
	if c.Search.Provider == "" {
		c.Search.Provider = "brave"
	}
	if c.Notify.MQTT.Topic == "" {
		c.Notify.MQTT.Topic = d.Notify.MQTT.Topic
	}
}

// Validate checks cross-field consistency. It is called by [Load] after
// defaults are applied.
func (c *Config) Validate() error {
	if !slices.Contains(TrustLevels, c.Autonomy.TrustLevel) {
		return fmt.Errorf("autonomy.trust_level %q is not one of %s", c.Autonomy.TrustLevel, strings.Join(TrustLevels, ", "))
	}
	if !slices.Contains(Modes, c.Models.Mode) {
		return fmt.Errorf("models.mode %q is not one of %s", c.Models.Mode, strings.Join(Modes, ", "))
	}
	if t := c.Context.CompactThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("context.compact_threshold %v must be in (0, 1]", t)
	}
	if c.Context.ResponseReserve >= c.Context.DefaultWindow {
		return fmt.Errorf("context.response_reserve (%d) must be smaller than context.default_window (%d)",
			c.Context.ResponseReserve, c.Context.DefaultWindow)
	}

	known := make(map[string]bool, len(c.Models.Available))
	for _, m := range c.Models.Available {
		if m.Name == "" {
			return fmt.Errorf("models.available: entry with empty name")
		}
		if known[m.Name] {
			return fmt.Errorf("models.available: duplicate model %q", m.Name)
		}
		known[m.Name] = true
		if _, ok := c.Providers[m.Provider]; !ok {
			return fmt.Errorf("model %q references unknown provider %q", m.Name, m.Provider)
		}
	}
	for category, name := range c.Models.ModeDefaults {
		if !known[name] {
			return fmt.Errorf("models.mode_defaults.%s names unknown model %q", category, name)
		}
	}
	for _, name := range c.Models.FallbackChain {
		if !known[name] {
			return fmt.Errorf("models.fallback_chain names unknown model %q", name)
		}
	}
	if c.Models.Override != "" && !known[c.Models.Override] {
		return fmt.Errorf("models.override names unknown model %q", c.Models.Override)
	}
	for tool, risk := range c.Autonomy.GatedTools {
		if risk != "command" && risk != "sandboxed" {
			return fmt.Errorf("autonomy.gated_tools.%s: risk %q must be command or sandboxed", tool, risk)
		}
	}
	return nil
}

// UsagePath returns the usage database location.
func (c *Config) UsagePath() string {
	return filepath.Join(c.DataDir, "usage.db")
}

// PrefsPath returns the session preference database location.
func (c *Config) PrefsPath() string {
	return filepath.Join(c.DataDir, "prefs.db")
}

// ArchivePath returns the chat archive database location.
func (c *Config) ArchivePath() string {
	return filepath.Join(c.DataDir, "chats.db")
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Default returns a default configuration targeting the NVIDIA NIM
// free tier.
func Default() *Config {
	return &Config{
		AgentName: "MRAgent",
		UserName:  "User",
		DataDir:   "~/.mragent",
		LogLevel:  "info",
		LogFormat: "text",
		Listen:    ListenConfig{Port: 16226},
		Providers: map[string]ProviderConfig{
			"nvidia": {
				BaseURL: "https://integrate.api.nvidia.com/v1",
				APIKey:  os.Getenv("NVIDIA_API_KEY"),
			},
		},
		Models: ModelsConfig{
			Mode: "auto",
			ModeDefaults: map[string]string{
				"thinking": "gpt-oss-120b",
				"fast":     "gemma-3n",
				"code":     "qwen3-coder",
				"browsing": "llama-3.3-70b",
				"general":  "gpt-oss-120b",
				"vision":   "llama-3.2-11b-vision",
			},
			FallbackChain: []string{"gpt-oss-120b", "llama-3.3-70b", "glm5", "kimi-k2.5", "qwen3-coder", "gemma-3n"},
			Classifier: ClassifierConfig{
				Enabled:   true,
				Model:     "llama-3.1-8b",
				TimeoutMS: 3000,
			},
			Available: []ModelConfig{
				{Name: "kimi-k2.5", ID: "moonshotai/kimi-k2.5", Provider: "nvidia", ContextWindow: 32000, SupportsTools: true, Categories: []string{"thinking", "code"}},
				{Name: "glm5", ID: "z-ai/glm5", Provider: "nvidia", ContextWindow: 128000, SupportsTools: true, Categories: []string{"thinking", "code"}},
				{Name: "gemma-3n", ID: "google/gemma-3n-e4b-it", Provider: "nvidia", ContextWindow: 32000, Categories: []string{"fast"}},
				{Name: "qwen3-coder", ID: "qwen/qwen3-coder-480b-a35b-instruct", Provider: "nvidia", ContextWindow: 262144, SupportsTools: true, Categories: []string{"code"}},
				{Name: "qwen3-235b", ID: "qwen/qwen3-235b-a22b", Provider: "nvidia", ContextWindow: 128000, SupportsTools: true, Categories: []string{"thinking"}},
				{Name: "llama-3.3-70b", ID: "meta/llama-3.3-70b-instruct", Provider: "nvidia", ContextWindow: 128000, SupportsTools: true, Categories: []string{"thinking", "fast", "browsing"}},
				{Name: "llama-3.1-8b", ID: "meta/llama-3.1-8b-instruct", Provider: "nvidia", ContextWindow: 128000, SupportsTools: true, Categories: []string{"fast"}},
				{Name: "gpt-oss-120b", ID: "openai/gpt-oss-120b", Provider: "nvidia", ContextWindow: 128000, SupportsTools: true, Categories: []string{"thinking", "fast", "code", "browsing"}},
				{Name: "llama-3.2-11b-vision", ID: "meta/llama-3.2-11b-vision-instruct", Provider: "nvidia", ContextWindow: 128000, Vision: true, Categories: []string{"vision"}},
			},
		},
		Context: ContextConfig{
			DefaultWindow:    32000,
			ResponseReserve:  8000,
			CompactThreshold: 0.8,
			KeepRecent:       6,
			MinMessages:      4,
			PreviewChars:     200,
			MaxSummaryChars:  8000,
		},
		Agent: AgentConfig{
			MaxIterations: 10,
			Stream:        true,
		},
		Autonomy: AutonomyConfig{
			TrustLevel: "balanced",
			AutoApprovePatterns: []string{
				"git *", "python *.py", "python -c *", "pip install *", "pip list*",
				"npm *", "node *", "mkdir *", "touch *", "cp *", "mv *",
				"cat *", "head *", "tail *", "wc *", "sort *", "grep *", "find *",
				"ls *", "pwd", "echo *", "which *", "whoami", "date", "tree *",
				"curl *", "brew *",
			},
			NotifyOnPending:     true,
			QueueTimeoutMinutes: 30,
			GatedTools: map[string]string{
				"execute_terminal": "command",
				"run_code":         "sandboxed",
				"write_file":       "command",
				"delete_file":      "command",
				"move_file":        "command",
			},
		},
		ShellExec: ShellExecConfig{
			Enabled:           true,
			DefaultTimeoutSec: 30,
			MaxOutputBytes:    8000,
		},
		Workspace: WorkspaceConfig{Path: "."},
		Search: SearchConfig{
			Provider:   "brave",
			Brave:      BraveConfig{APIKey: os.Getenv("BRAVE_SEARCH_API_KEY")},
			LangSearch: LangSearchConfig{APIKey: os.Getenv("LANGSEARCH_API_KEY")},
		},
		Notify: NotifyConfig{
			MQTT: MQTTConfig{Topic: "mragent/approvals"},
		},
		Usage:   StoreConfig{Enabled: true},
		Archive: StoreConfig{Enabled: true},
		Prefs:   StoreConfig{Enabled: true},
	}
}
