package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"

	"github.com/kohtravel/agentd/internal/agent"
	"github.com/kohtravel/agentd/internal/agent/providers"
	"github.com/kohtravel/agentd/internal/config"
	"github.com/kohtravel/agentd/internal/gateway"
	"github.com/kohtravel/agentd/internal/observability"
	"github.com/kohtravel/agentd/internal/sessions"
	"github.com/kohtravel/agentd/internal/tools/external"
	"github.com/kohtravel/agentd/internal/tools/files"
	"github.com/kohtravel/agentd/internal/tools/travel"
)

// runtime is the assembled agent stack shared by serve and chat.
type runtime struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	store   sessions.Store
	locker  sessions.Locker
	sweeper *sessions.Sweeper
	agents  []*gateway.Agent
	prompts []*config.PromptFile
	closers []func(context.Context) error
}

type runtimeOptions struct {
	// provider replaces the configured vendor adapter.
	provider agent.LLMProvider
	// memoryStore forces the in-memory store and local locker.
	memoryStore bool
	// modelOverride replaces every agent's model.
	modelOverride string
}

func buildRuntime(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts runtimeOptions) (rt *runtime, err error) {
	rt = &runtime{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = rt.Close(context.Background())
		}
	}()

	if cfg.Metrics.Enabled {
		rt.metrics = observability.NewMetrics()
	}
	if cfg.Tracing.Enabled {
		tracer, shutdown, err := observability.NewTracer(observability.TraceConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: lo.CoalesceOrEmpty(cfg.Tracing.ServiceVersion, version),
			Environment:    cfg.Tracing.Environment,
			Endpoint:       cfg.Tracing.Endpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			Insecure:       cfg.Tracing.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
		rt.tracer = tracer
		rt.closers = append(rt.closers, shutdown)
	}

	if err := rt.openSessions(opts.memoryStore); err != nil {
		return nil, err
	}

	provider := opts.provider
	if provider == nil {
		provider, err = providers.New(providerConfig(cfg.LLM))
		if err != nil {
			return nil, err
		}
	}

	toolsets := newToolsets(cfg, logger)
	for _, ac := range cfg.Agents {
		a, err := rt.buildAgent(ctx, ac, provider, toolsets, opts.modelOverride)
		if err != nil {
			return nil, fmt.Errorf("agent %s: %w", ac.Name, err)
		}
		rt.agents = append(rt.agents, a)
	}
	return rt, nil
}

func (rt *runtime) openSessions(memory bool) error {
	cfg := rt.cfg.Session
	if memory {
		cfg.Store, cfg.Locker = "memory", "local"
	}

	switch cfg.Store {
	case "sqlite":
		store, err := sessions.NewSQLiteStore(cfg.SQLitePath, sessions.DefaultSQLConfig())
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		rt.store = store
	case "postgres":
		store, err := sessions.NewPostgresStore(cfg.PostgresDSN, sessions.DefaultSQLConfig())
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		rt.store = store
	default:
		rt.store = sessions.NewMemoryStore()
	}
	rt.closers = append(rt.closers, func(context.Context) error { return rt.store.Close() })

	if cfg.Locker == "db" {
		sqlStore, ok := rt.store.(*sessions.SQLStore)
		if !ok {
			return errors.New("db locker requires a sql session store")
		}
		locker, err := sessions.NewDBLocker(sqlStore.DB(), sessions.DBLockerConfig{
			OwnerID:         cfg.OwnerID,
			TTL:             cfg.LockTTL,
			RefreshInterval: cfg.LockTTL / 4,
		}, rt.logger)
		if err != nil {
			return fmt.Errorf("init db locker: %w", err)
		}
		rt.locker = locker
		// Release leases before the store closes.
		closeStore := rt.closers[len(rt.closers)-1]
		rt.closers[len(rt.closers)-1] = func(ctx context.Context) error {
			return errors.Join(locker.Close(), closeStore(ctx))
		}
	} else {
		rt.locker = sessions.NewLocalLocker()
	}

	var recorder sessions.SweepRecorder
	if rt.metrics != nil {
		recorder = rt.metrics
	}
	sweeper, err := sessions.NewSweeper(rt.store, rt.locker, sessions.SweeperConfig{
		Schedule: cfg.SweepSchedule,
		IdleTTL:  cfg.IdleTTL,
	}, rt.logger, recorder)
	if err != nil {
		return err
	}
	rt.sweeper = sweeper
	return nil
}

func (rt *runtime) buildAgent(ctx context.Context, ac config.AgentConfig, provider agent.LLMProvider, toolsets *toolsets, modelOverride string) (*gateway.Agent, error) {
	set, err := toolsets.get(ctx, ac.ToolsURL)
	if err != nil {
		return nil, err
	}
	registry, err := selectTools(set.registry, ac.Tools, rt.logger.With("agent", ac.Name))
	if err != nil {
		return nil, err
	}

	runtimeCfg := rt.cfg.Runtime
	executor := agent.NewExecutor(registry, &agent.ExecutorConfig{
		MaxConcurrency: runtimeCfg.ToolConcurrency,
		DefaultTimeout: runtimeCfg.ToolTimeout,
		ToolTimeouts:   runtimeCfg.ToolTimeouts,
	},
		agent.WithExecutorLogger(rt.logger),
		agent.WithExecutorMetrics(rt.metrics),
		agent.WithExecutorTracer(rt.tracer),
	)

	contextProviders := []agent.ContextProvider{agent.CurrentDateTimeProvider(time.Now)}
	if set.summary != nil {
		contextProviders = append(contextProviders, set.summary)
	}
	builder := agent.NewPromptBuilder(contextProviders, ac.ContextKeys, rt.logger)

	systemPrompt, err := rt.systemPrompt(ac)
	if err != nil {
		return nil, err
	}

	orchCfg := agent.DefaultOrchestratorConfig()
	orchCfg.Agent = ac.Name
	orchCfg.Project = ac.Project
	orchCfg.SystemPrompt = systemPrompt
	orchCfg.Model = lo.CoalesceOrEmpty(modelOverride, ac.Model, rt.cfg.LLM.Model)
	orchCfg.MaxTokens = rt.cfg.LLM.MaxTokens
	orchCfg.Temperature = rt.cfg.LLM.Temperature
	orchCfg.MaxRounds = runtimeCfg.MaxRounds
	orchCfg.TurnTimeout = runtimeCfg.TurnTimeout
	orchCfg.ProviderRetries = *runtimeCfg.ProviderRetries
	orchCfg.History = agent.HistoryPolicy{
		MaxMessages: runtimeCfg.History.MaxMessages,
		MaxChars:    runtimeCfg.History.MaxChars,
	}

	orch, err := agent.NewOrchestrator(provider, executor, rt.store, rt.locker, orchCfg,
		agent.WithLogger(rt.logger),
		agent.WithMetrics(rt.metrics),
		agent.WithTracer(rt.tracer),
		agent.WithPromptBuilder(builder),
	)
	if err != nil {
		return nil, err
	}
	rt.logger.Info("agent ready",
		"agent", ac.Name,
		"project", ac.Project,
		"provider", provider.Name(),
		"tools", registry.Len(),
	)
	return &gateway.Agent{
		Name:         ac.Name,
		Project:      ac.Project,
		Description:  ac.Description,
		Orchestrator: orch,
	}, nil
}

// systemPrompt returns the agent's prompt source. File prompts are tracked
// so serve can reload them.
func (rt *runtime) systemPrompt(ac config.AgentConfig) (func() string, error) {
	if ac.SystemPromptFile == "" {
		prompt := ac.SystemPrompt
		return func() string { return prompt }, nil
	}
	file, err := config.NewPromptFile(ac.SystemPromptFile, config.DefaultSystemPrompt)
	if err != nil {
		rt.logger.Warn("failed to load system prompt, using fallback", "agent", ac.Name, "path", ac.SystemPromptFile, "error", err)
	}
	rt.prompts = append(rt.prompts, file)
	return file.Text, nil
}

// Close releases everything buildRuntime opened, last opened first.
func (rt *runtime) Close(ctx context.Context) error {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i](ctx))
	}
	rt.closers = nil
	return errors.Join(errs...)
}

// agentFor returns the agent of project, or the first agent.
func (rt *runtime) agentFor(project string) (*gateway.Agent, error) {
	if project == "" {
		return rt.agents[0], nil
	}
	a, ok := lo.Find(rt.agents, func(a *gateway.Agent) bool { return a.Project == project })
	if !ok {
		return nil, fmt.Errorf("no agent configured for project %q", project)
	}
	return a, nil
}

func providerConfig(llm config.LLMConfig) providers.Config {
	active := llm.Active()
	return providers.Config{
		Name:            llm.Provider,
		APIKey:          active.APIKey,
		BaseURL:         active.BaseURL,
		DefaultModel:    llm.Model,
		MaxTokens:       llm.MaxTokens,
		Region:          llm.Bedrock.Region,
		AccessKeyID:     llm.Bedrock.AccessKeyID,
		SecretAccessKey: llm.Bedrock.SecretAccessKey,
		SessionToken:    llm.Bedrock.SessionToken,
	}
}

// toolset is the full tool catalog served for one collaborator url.
type toolset struct {
	client   *external.Client
	registry *agent.ToolRegistry
	summary  *travel.SummaryProvider
}

type toolsets struct {
	cfg    *config.Config
	logger *slog.Logger
	byURL  map[string]*toolset
}

func newToolsets(cfg *config.Config, logger *slog.Logger) *toolsets {
	return &toolsets{cfg: cfg, logger: logger, byURL: map[string]*toolset{}}
}

// get builds, once per url, a registry holding the local tools and every
// tool the collaborator serves. An unreachable collaborator leaves only the
// local tools.
func (t *toolsets) get(ctx context.Context, url string) (*toolset, error) {
	if set, ok := t.byURL[url]; ok {
		return set, nil
	}
	client, err := external.NewClient(external.Config{BaseURL: url, Timeout: t.cfg.Tools.Timeout})
	if err != nil {
		return nil, err
	}
	registry := agent.NewToolRegistry()
	if t.cfg.Tools.Calendar {
		if err := registry.Register(travel.NewExportCalendarTool(client)); err != nil {
			return nil, err
		}
	}
	if t.cfg.Files.Enabled {
		if err := registry.Register(files.NewReadTool(files.Config{
			AllowedPaths: t.cfg.Files.AllowedPaths,
			MaxChars:     t.cfg.Files.MaxChars,
		})); err != nil {
			return nil, err
		}
	}

	catalog := external.NewCatalog(client, t.cfg.Tools.DiscoveryTTL, external.WithCatalogLogger(t.logger))
	discoverCtx, cancel := context.WithTimeout(ctx, t.cfg.Tools.Timeout)
	defer cancel()
	if err := catalog.Register(discoverCtx, registry); err != nil {
		t.logger.Warn("tool discovery failed, serving local tools only", "tools_url", url, "error", err)
	}

	set := &toolset{client: client, registry: registry}
	if t.cfg.Tools.SummaryTTL > 0 {
		set.summary = travel.NewSummaryProvider(client, t.cfg.Tools.SummaryTTL, t.logger)
	}
	t.byURL[url] = set
	return set, nil
}

// selectTools narrows registry to names. Names the catalog lacks are logged
// and skipped so an agent still starts while the collaborator is down.
func selectTools(registry *agent.ToolRegistry, names []string, logger *slog.Logger) (*agent.ToolRegistry, error) {
	if len(names) == 0 {
		return registry, nil
	}
	present, missing := lo.FilterReject(lo.Uniq(names), func(name string, _ int) bool {
		_, err := registry.Resolve(name)
		return err == nil
	})
	if len(missing) > 0 {
		logger.Warn("configured tools are not available", "tools", missing)
	}
	return registry.Subset(present...)
}
