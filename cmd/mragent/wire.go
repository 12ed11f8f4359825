package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	"github.com/bonzainsights/mragent/internal/agent"
	"github.com/bonzainsights/mragent/internal/approval"
	"github.com/bonzainsights/mragent/internal/config"
	"github.com/bonzainsights/mragent/internal/connwatch"
	"github.com/bonzainsights/mragent/internal/events"
	"github.com/bonzainsights/mragent/internal/fetch"
	"github.com/bonzainsights/mragent/internal/llm"
	"github.com/bonzainsights/mragent/internal/memory"
	"github.com/bonzainsights/mragent/internal/models"
	"github.com/bonzainsights/mragent/internal/notify"
	"github.com/bonzainsights/mragent/internal/prefs"
	"github.com/bonzainsights/mragent/internal/prompts"
	"github.com/bonzainsights/mragent/internal/router"
	"github.com/bonzainsights/mragent/internal/sanitize"
	"github.com/bonzainsights/mragent/internal/search"
	"github.com/bonzainsights/mragent/internal/tools"
	"github.com/bonzainsights/mragent/internal/usage"
)

// app holds every long-lived component of a running agent.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	catalog   *models.Catalog
	multi     *llm.MultiClient
	providers map[string]llm.Client
	router    *router.Router
	registry  *tools.Registry
	gate      *approval.Gate
	loop      *agent.Loop
	session   *session
	bus       *events.Bus

	archive *memory.ArchiveStore // nil when disabled
	usage   *usage.Store         // nil when disabled
	prefs   *prefs.Store         // nil when disabled
	mqtt    *notify.MQTT         // nil when unconfigured
	health  *connwatch.Manager
}

// newCatalog builds the model catalog from the models section.
func newCatalog(cfg *config.Config) (*models.Catalog, error) {
	descs := make([]models.Descriptor, 0, len(cfg.Models.Available))
	for _, m := range cfg.Models.Available {
		cats := make([]models.Category, 0, len(m.Categories))
		for _, c := range m.Categories {
			cats = append(cats, models.Category(c))
		}
		descs = append(descs, models.Descriptor{
			Name:          m.Name,
			ID:            m.ID,
			Provider:      m.Provider,
			ContextWindow: m.ContextWindow,
			SupportsTools: m.SupportsTools,
			Vision:        m.Vision,
			Categories:    cats,
		})
	}
	defaults := make(map[models.Category]string, len(cfg.Models.ModeDefaults))
	for c, name := range cfg.Models.ModeDefaults {
		defaults[models.Category(c)] = name
	}
	return models.NewCatalog(descs, defaults)
}

// newLLMClient registers one OpenAI-compatible client per configured
// provider and maps every model to its provider.
func newLLMClient(cfg *config.Config, logger *slog.Logger) (*llm.MultiClient, map[string]llm.Client) {
	multi := llm.NewMultiClient(nil)
	providers := make(map[string]llm.Client)
	for name, p := range cfg.Providers {
		if !p.Configured() {
			continue
		}
		if p.APIKey == "" {
			logger.Warn("provider has no API key", "provider", name)
		}
		c := llm.NewOpenAIClient(name, p.BaseURL, p.APIKey, logger)
		multi.AddProvider(name, c)
		providers[name] = c
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider, m.ID)
	}
	return multi, providers
}

// newApp wires the agent from configuration. override and mode take
// precedence over the config when non-empty.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, override, mode string) (_ *app, err error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	a := &app{cfg: cfg, logger: logger, bus: events.New(), health: connwatch.NewManager(logger)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.catalog, err = newCatalog(cfg)
	if err != nil {
		return nil, fmt.Errorf("model catalog: %w", err)
	}
	a.multi, a.providers = newLLMClient(cfg, logger)
	if len(a.providers) == 0 {
		return nil, errors.New("no inference provider configured (set providers.<name>.base_url)")
	}

	// --- Persistence ---
	if cfg.Usage.Enabled {
		a.usage, err = usage.NewStore(cfg.UsagePath())
		if err != nil {
			return nil, fmt.Errorf("open usage store: %w", err)
		}
		logger.Debug("usage store opened", "path", cfg.UsagePath())
	}
	if cfg.Archive.Enabled {
		a.archive, err = memory.NewArchiveStore(cfg.ArchivePath())
		if err != nil {
			return nil, fmt.Errorf("open chat archive: %w", err)
		}
		logger.Debug("chat archive opened", "path", cfg.ArchivePath())
	}
	var saved prefs.Session
	if cfg.Prefs.Enabled {
		a.prefs, err = prefs.NewStore(cfg.PrefsPath())
		if err != nil {
			return nil, fmt.Errorf("open preferences: %w", err)
		}
		saved, err = a.prefs.Session(ctx)
		if err != nil {
			return nil, err
		}
	}

	// --- Routing ---
	var classifier router.Classifier
	if cfg.Models.Classifier.Enabled && a.catalog.Has(cfg.Models.Classifier.Model) {
		var client llm.Client = a.multi
		if a.usage != nil {
			client = &recordingClient{Client: a.multi, store: a.usage, role: usage.RoleClassifier, catalog: a.catalog, logger: logger}
		}
		classifier = router.NewLLMClassifier(client, cfg.Models.Classifier.Model)
	} else if cfg.Models.Classifier.Enabled {
		logger.Warn("classifier model not in catalog, using keyword routing", "model", cfg.Models.Classifier.Model)
	}
	// Flags win over the last session, which wins over the config.
	if mode == "" && router.ValidMode(saved.Mode) {
		mode = saved.Mode
	}
	if mode == "" {
		mode = cfg.Models.Mode
	}
	a.router, err = router.NewRouter(logger, router.Config{
		Catalog:           a.catalog,
		Mode:              mode,
		Classifier:        classifier,
		ClassifierTimeout: time.Duration(cfg.Models.Classifier.TimeoutMS) * time.Millisecond,
		MaxAuditLog:       200,
	})
	if err != nil {
		return nil, fmt.Errorf("router: %w", err)
	}

	fallback := llm.NewFallbackClient(a.multi, cfg.Models.FallbackChain, a.catalog.SupportsTools, logger)

	policy, err := approval.PolicyFromConfig(cfg.Autonomy, cfg.ShellExec.WorkingDir)
	if err != nil {
		return nil, fmt.Errorf("autonomy policy: %w", err)
	}
	blocked, err := approval.CompileHardBlocks(policy.HardBlocks)
	if err != nil {
		return nil, fmt.Errorf("autonomy policy: %w", err)
	}

	// --- Tools ---
	a.registry, err = newRegistry(cfg, a.usage, blocked, logger)
	if err != nil {
		return nil, err
	}

	// --- Approval gate ---
	a.gate, err = approval.NewGate(policy, logger)
	if err != nil {
		return nil, fmt.Errorf("approval gate: %w", err)
	}
	if saved.TrustLevel != "" {
		if level, err := approval.ParseTrustLevel(saved.TrustLevel); err == nil {
			if err := a.gate.SetTrustLevel(level); err != nil {
				logger.Warn("restore trust level failed", "error", err)
			}
		}
	}
	if n := a.notifiers(ctx); len(n) > 0 {
		a.gate.SetNotifier(n)
	}

	// --- Agent loop ---
	ctxOpts := memory.Options{
		DefaultWindow:   cfg.Context.DefaultWindow,
		ResponseReserve: cfg.Context.ResponseReserve,
		Threshold:       cfg.Context.CompactThreshold,
		KeepRecent:      cfg.Context.KeepRecent,
		MinMessages:     cfg.Context.MinMessages,
		PreviewChars:    cfg.Context.PreviewChars,
		MaxSummaryChars: cfg.Context.MaxSummaryChars,
	}
	if override == "" && a.catalog.Has(saved.Model) {
		override = saved.Model
	}
	if override == "" {
		override = cfg.Models.Override
	}
	if override == "auto" {
		override = ""
	}

	deps := agent.Deps{
		LLM:     fallback,
		Router:  a.router,
		Window:  memory.NewWindow(ctxOpts, a.catalog, logger),
		Prompts: prompts.NewBuilder(cfg.AgentName, cfg.UserName, cfg.CustomInstructions, logger),
		Tools:   a.registry,
		Catalog: a.catalog,
		Gate:    a.gate,
		Bus:     a.bus,
	}
	// Optional stores go in only when open; a nil pointer in an
	// interface field is not nil.
	if a.archive != nil {
		deps.Archive = a.archive
	}
	if a.usage != nil {
		deps.Usage = a.usage
	}

	a.loop, err = agent.NewLoop(logger, deps, agent.Config{
		MaxIterations: cfg.Agent.MaxIterations,
		Stream:        cfg.Agent.Stream,
		Override:      override,
	})
	if err != nil {
		return nil, err
	}
	fallback.OnStepDown = a.loop.StepDown
	a.session = &session{Loop: a.loop, app: a}

	logger.Info("agent ready",
		"models", len(a.catalog.Names()),
		"tools", len(a.registry.Names()),
		"mode", a.router.Mode(),
		"override", override,
		"trust_level", cfg.Autonomy.TrustLevel,
	)
	return a, nil
}

// newRegistry registers every tool the configuration enables.
// blocked is shared with the approval gate so an approved command is
// never refused by the executor.
func newRegistry(cfg *config.Config, store *usage.Store, blocked []*regexp.Regexp, logger *slog.Logger) (*tools.Registry, error) {
	reg := tools.NewRegistry(logger)
	var list []*tools.Tool

	timeout := time.Duration(cfg.ShellExec.DefaultTimeoutSec) * time.Second
	if cfg.ShellExec.Enabled {
		shell := tools.NewShellExec(tools.ShellExecConfig{
			WorkingDir:     cfg.ShellExec.WorkingDir,
			Blocked:        blocked,
			DeniedCmds:     cfg.ShellExec.DeniedPatterns,
			DefaultTimeout: timeout,
			MaxOutputBytes: cfg.ShellExec.MaxOutputBytes,
		}, logger)
		list = append(list, shell.Tool())
		list = append(list, tools.NewCodeRunner("", timeout, cfg.ShellExec.MaxOutputBytes, logger).Tool())
	}

	if ft := tools.NewFileTools(cfg.Workspace.Path); ft.Enabled() {
		list = append(list, ft.Tools()...)
	}

	san := sanitize.New(logger)
	mgr := search.NewManager(cfg.Search.Provider)
	if cfg.Search.Brave.Configured() {
		mgr.Register(search.NewBrave(cfg.Search.Brave.APIKey))
	}
	if cfg.Search.LangSearch.Configured() {
		mgr.Register(search.NewLangSearch(cfg.Search.LangSearch.APIKey))
	}
	if mgr.Configured() {
		list = append(list, search.Tool(mgr, san))
	} else {
		logger.Info("web search disabled: no search provider key set")
	}
	list = append(list, fetch.Tool(fetch.New(logger), san))

	if store != nil {
		list = append(list, tools.UsageTool(store))
	}
	if tg := cfg.Notify.Telegram; tg.Configured() {
		list = append(list, notify.NewTelegram(tg.BotToken, tg.ChatID, logger).Tool())
	}

	for _, t := range list {
		if err := reg.Register(t); err != nil {
			return nil, fmt.Errorf("register tool %s: %w", t.Name, err)
		}
	}
	return reg, nil
}

// notifiers returns the side channels told about pending approvals.
// The MQTT connection is started in the background.
func (a *app) notifiers(ctx context.Context) notify.Multi {
	var out notify.Multi
	if tg := a.cfg.Notify.Telegram; tg.Configured() {
		out = append(out, notify.NewTelegram(tg.BotToken, tg.ChatID, a.logger))
	}
	if a.cfg.Notify.MQTT.Configured() {
		a.mqtt = notify.NewMQTT(a.cfg.Notify.MQTT, a.logger)
		go func() {
			if err := a.mqtt.Start(ctx); err != nil {
				a.logger.Error("mqtt start failed", "error", err)
			}
		}()
		out = append(out, a.mqtt)
	}
	return out
}

// watchProviders probes each provider in the background and reports
// reachability changes on the event bus.
func (a *app) watchProviders(ctx context.Context) {
	a.health.OnChange(func(name string, ready bool, err error) {
		text := "Provider " + name + " is reachable."
		if !ready {
			text = fmt.Sprintf("Provider %s is unreachable: %v", name, err)
		}
		a.bus.Publish(events.Event{
			ChatID: a.loop.ChatID(),
			Kind:   events.KindInfo,
			Text:   text,
			Data:   map[string]any{"provider": name, "ready": ready},
		})
	})
	for name, c := range a.providers {
		a.health.Watch(ctx, name, c.Ping, connwatch.DefaultBackoff())
	}
}

// Close releases stores and connections. Safe on a partially built app.
func (a *app) Close() {
	a.health.Stop()
	if a.mqtt != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.mqtt.Stop(ctx); err != nil {
			a.logger.Debug("mqtt stop failed", "error", err)
		}
		cancel()
	}
	if a.archive != nil {
		a.archive.Close()
	}
	if a.usage != nil {
		a.usage.Close()
	}
	if a.prefs != nil {
		a.prefs.Close()
	}
}

// remember saves a session preference, logging failures.
func (a *app) remember(key, value string) {
	if a.prefs == nil {
		return
	}
	if err := a.prefs.Set(context.Background(), key, value); err != nil {
		a.logger.Warn("save preference failed", "key", key, "error", err)
	}
}

// setTrustLevel changes the gate's trust level and remembers it.
func (a *app) setTrustLevel(name string) (approval.TrustLevel, error) {
	level, err := approval.ParseTrustLevel(name)
	if err != nil {
		return "", err
	}
	if err := a.gate.SetTrustLevel(level); err != nil {
		return "", err
	}
	a.remember(prefs.KeyTrustLevel, string(level))
	return level, nil
}

// session is the agent as a user drives it: mode and model changes
// are remembered for the next start.
type session struct {
	*agent.Loop
	app *app
}

// SetMode changes the router mode and remembers it.
func (s *session) SetMode(mode string) error {
	if err := s.Loop.SetMode(mode); err != nil {
		return err
	}
	s.app.remember(prefs.KeyMode, mode)
	return nil
}

// SetModel pins a model, or clears the pin for "auto", and remembers
// the choice.
func (s *session) SetModel(name string) error {
	if err := s.Loop.SetModel(name); err != nil {
		return err
	}
	s.app.remember(prefs.KeyModel, s.Loop.Override())
	return nil
}

// recordingClient records token usage for calls made outside the agent
// loop, such as routing classification.
type recordingClient struct {
	llm.Client
	store   *usage.Store
	role    string
	catalog *models.Catalog
	logger  *slog.Logger
}

func (c *recordingClient) Chat(ctx context.Context, model string, msgs []llm.Message, toolDefs []map[string]any) (*llm.ChatResponse, error) {
	start := time.Now()
	resp, err := c.Client.Chat(ctx, model, msgs, toolDefs)
	if err != nil {
		return nil, err
	}
	var provider string
	if d, ok := c.catalog.Lookup(model); ok {
		provider = d.Provider
	}
	rec := usage.Record{
		RequestID:    "cls_" + memory.NewChatID(),
		Model:        model,
		Provider:     provider,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
		Duration:     time.Since(start),
		Role:         c.role,
	}
	if err := c.store.Record(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Warn("record classifier usage failed", "error", err)
	}
	return resp, nil
}
