package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/runloop/internal/approvals"
	"github.com/haasonsaas/runloop/internal/auth"
	"github.com/haasonsaas/runloop/internal/config"
	"github.com/haasonsaas/runloop/internal/engine"
	"github.com/haasonsaas/runloop/internal/gateway"
	"github.com/haasonsaas/runloop/internal/maintenance"
	"github.com/haasonsaas/runloop/internal/memory"
	"github.com/haasonsaas/runloop/internal/observability"
	"github.com/haasonsaas/runloop/internal/providers"
	"github.com/haasonsaas/runloop/internal/tools"
)

// =============================================================================
// Runtime Assembly
// =============================================================================

// runtime is the assembled server: stores, model transports, engine, and the
// HTTP gateway, plus the background workers that keep them healthy.
type runtime struct {
	cfg *config.Config
	log *slog.Logger

	transports map[string]engine.ModelTransport
	builtins   map[string]*tools.Tool
	eng        *engine.Engine
	hub        *gateway.Hub
	server     *gateway.Server
	watcher    *config.Watcher
	sweeper    *maintenance.Sweeper

	traceShutdown func(context.Context) error
	closers       []func() error

	// mu serializes agent set swaps: startup registration and watcher
	// reloads.
	mu         sync.Mutex
	agentNames map[string]bool
}

// buildRuntime wires the configured stores, providers, agents, engine, and
// gateway into a startable runtime. configPath anchors relative paths such
// as the agents file.
func buildRuntime(cfg *config.Config, configPath string) (*runtime, error) {
	obsLogger := observability.NewLogger(observability.LogConfig{
		Level:          cfg.Observability.Logging.Level,
		Format:         cfg.Observability.Logging.Format,
		RedactPatterns: cfg.Observability.Logging.Redact,
	})
	log := obsLogger.Slog()
	slog.SetDefault(log)

	rt := &runtime{
		cfg:        cfg,
		log:        log,
		transports: make(map[string]engine.ModelTransport),
		builtins:   builtinTools(),
		agentNames: make(map[string]bool),
	}

	// Tracing. With no endpoint configured this installs a no-op provider;
	// span creation stays cheap either way.
	tracer, traceShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "runloop",
		ServiceVersion: version,
		Environment:    cfg.Observability.Tracing.Environment,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SampleRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	rt.traceShutdown = traceShutdown

	// Conversation store.
	var provider memory.Provider
	switch cfg.Stores.Memory.Driver {
	case "postgres":
		pg, err := memory.NewPostgresProviderFromDSN(cfg.Stores.Memory.DSN, nil)
		if err != nil {
			return nil, fmt.Errorf("open postgres conversation store: %w", err)
		}
		rt.closers = append(rt.closers, pg.Close)
		provider = pg
	case "sqlite":
		sq, err := memory.NewSQLiteProvider(cfg.Stores.Memory.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite conversation store: %w", err)
		}
		rt.closers = append(rt.closers, sq.Close)
		provider = sq
	default:
		provider = memory.NewInMemoryProvider()
	}

	// Credential store and flow. Redis expires its one-shot keys natively,
	// so only the in-memory store registers with the sweeper.
	var authStore auth.Store
	var authPruner maintenance.AuthPruner
	switch cfg.Stores.Auth.Driver {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Stores.Auth.RedisAddr,
			Password: cfg.Stores.Auth.RedisPassword,
			DB:       cfg.Stores.Auth.RedisDB,
		})
		rt.closers = append(rt.closers, client.Close)
		authStore = auth.NewRedisStore(client, auth.WithPrefix(cfg.Stores.Auth.RedisPrefix))
	default:
		store := auth.NewMemoryStore()
		authStore = store
		authPruner = store
	}
	flow := auth.NewFlow(authStore, &auth.FlowOptions{Logger: log})

	// Approval store. Durable conversation stores persist decisions in
	// conversation metadata; the in-memory provider pairs with the
	// in-memory approval store, which the sweeper prunes.
	var approvalStore approvals.Store
	var approvalPruner maintenance.ApprovalPruner
	if cfg.Stores.Memory.Driver == "memory" {
		store := approvals.NewMemoryStore()
		approvalStore = store
		approvalPruner = store
	} else {
		approvalStore = approvals.NewConversationStore(provider)
	}

	// Model transports. Built eagerly for every configured provider so a
	// reloaded agents file can reference any of them without a restart.
	if cfg.Providers.Anthropic.Configured() {
		transport, err := providers.NewAnthropicTransport(providers.AnthropicConfig{
			APIKey:       cfg.Providers.Anthropic.APIKey,
			BaseURL:      cfg.Providers.Anthropic.BaseURL,
			DefaultModel: cfg.Providers.Anthropic.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic transport: %w", err)
		}
		rt.transports["anthropic"] = transport
	}
	if cfg.Providers.OpenAI.Configured() {
		transport, err := providers.NewOpenAITransport(providers.OpenAIConfig{
			APIKey:       cfg.Providers.OpenAI.APIKey,
			BaseURL:      cfg.Providers.OpenAI.BaseURL,
			DefaultModel: cfg.Providers.OpenAI.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("openai transport: %w", err)
		}
		rt.transports["openai"] = transport
	}
	if cfg.Providers.Google.Configured() {
		transport, err := providers.NewGoogleTransport(providers.GoogleConfig{
			APIKey:       cfg.Providers.Google.APIKey,
			DefaultModel: cfg.Providers.Google.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("google transport: %w", err)
		}
		rt.transports["google"] = transport
	}
	if cfg.Providers.Bedrock.Configured() {
		transport, err := providers.NewBedrockTransport(providers.BedrockConfig{
			Region:          cfg.Providers.Bedrock.Region,
			AccessKeyID:     cfg.Providers.Bedrock.AccessKeyID,
			SecretAccessKey: cfg.Providers.Bedrock.SecretAccessKey,
			SessionToken:    cfg.Providers.Bedrock.SessionToken,
			DefaultModel:    cfg.Providers.Bedrock.DefaultModel,
		})
		if err != nil {
			return nil, fmt.Errorf("bedrock transport: %w", err)
		}
		rt.transports["bedrock"] = transport
	}

	// Event sinks: WebSocket/SSE fan-out, Prometheus, and the run timeline.
	rt.hub = gateway.NewHub(cfg.Server.StreamBuffer)
	sinks := []engine.Sink{rt.hub}

	var metrics *observability.Metrics
	if cfg.Observability.Metrics.On() {
		metrics = observability.NewMetrics()
		sinks = append(sinks, observability.NewMetricsSink(metrics))
	}

	var timeline *observability.TimelineStore
	if cfg.Server.TimelineRuns > 0 {
		timeline = observability.NewTimelineStore(cfg.Server.TimelineRuns)
		sinks = append(sinks, timeline)
	}

	rt.eng = engine.New(engine.Deps{
		Agents:    engine.NewAgentRegistry(),
		Tools:     tools.NewRegistry(),
		Memory:    provider,
		Approvals: approvalStore,
		Auth:      flow,
		Sinks:     sinks,
	}, &engine.Options{
		MaxTurns:      cfg.Engine.MaxTurns,
		ModelTimeout:  cfg.Engine.ModelTimeout,
		ToolTimeout:   cfg.Engine.ToolTimeout,
		CancelGrace:   cfg.Engine.CancelGrace,
		BufferSize:    cfg.Server.StreamBuffer,
		ParallelTools: cfg.Engine.ParallelTools,
		ParallelLimit: cfg.Engine.ParallelLimit,
		Logger:        log,
	})

	// Register agents: inline definitions overlaid with the agents file.
	defs := cfg.Agents.Definitions
	if cfg.Agents.File != "" {
		agentsPath := resolveAgentsPath(configPath, cfg.Agents.File)
		fileDefs, err := config.LoadAgentsFile(agentsPath)
		if err != nil {
			return nil, err
		}
		defs = config.MergeAgents(defs, fileDefs)
	}
	if err := rt.applyAgents(defs); err != nil {
		return nil, err
	}

	server, err := gateway.NewServer(gateway.Config{
		Addr:              cfg.Server.Addr(),
		Engine:            rt.eng,
		Hub:               rt.hub,
		Logger:            log,
		Metrics:           metrics,
		Timeline:          timeline,
		Tracer:            tracer,
		StreamBufferSize:  cfg.Server.StreamBuffer,
		MemoryMaxMessages: cfg.Stores.Memory.Retention.MaxMessages,
	})
	if err != nil {
		return nil, err
	}
	rt.server = server

	// Hot reload for the agents file. A reload that fails to parse or
	// validate keeps the running set.
	if cfg.Agents.File != "" {
		agentsPath := resolveAgentsPath(configPath, cfg.Agents.File)
		watcher, err := config.NewWatcher(config.WatcherConfig{
			Path:   agentsPath,
			Logger: log,
			OnChange: func(fileDefs []config.AgentDefinition) {
				merged := config.MergeAgents(cfg.Agents.Definitions, fileDefs)
				if err := rt.applyAgents(merged); err != nil {
					log.Warn("agents reload rejected", "error", err)
					return
				}
				log.Info("agents reloaded", "agents", len(merged))
			},
		})
		if err != nil {
			return nil, err
		}
		rt.watcher = watcher
	}

	if cfg.Maintenance.On() && (authPruner != nil || approvalPruner != nil) {
		sweeper, err := maintenance.NewSweeper(maintenance.SweeperConfig{
			Schedule:       cfg.Maintenance.Schedule,
			ApprovalMaxAge: cfg.Maintenance.ApprovalMaxAge,
			Auth:           authPruner,
			Approvals:      approvalPruner,
			Logger:         log,
		})
		if err != nil {
			return nil, err
		}
		rt.sweeper = sweeper
	}

	return rt, nil
}

// applyAgents swaps the registered agent set to defs. Everything fallible is
// resolved before the registries are touched, so a bad definition rejects
// the whole batch and keeps the running set.
func (rt *runtime) applyAgents(defs []config.AgentDefinition) error {
	if err := config.ValidateAgentRefs(defs); err != nil {
		return err
	}

	byName := make(map[string]*engine.Agent, len(defs))
	batch := make([]*engine.Agent, 0, len(defs))
	for i, def := range defs {
		providerName := def.Provider
		if providerName == "" {
			providerName = rt.cfg.Providers.Default
		}
		transport, ok := rt.transports[providerName]
		if !ok {
			return fmt.Errorf("agents.definitions[%d].provider: provider %q is not configured", i, providerName)
		}
		agent := &engine.Agent{
			Name:         def.Name,
			Description:  def.Description,
			Instructions: def.Instructions,
			Model:        def.Model,
			Transport:    transport,
			MaxTurns:     def.MaxTurns,
			MaxTokens:    def.MaxTokens,
		}
		byName[def.Name] = agent
		batch = append(batch, agent)
	}

	toolSets := make([][]*tools.Tool, len(defs))
	for i, def := range defs {
		seen := make(map[string]bool, len(def.Tools)+len(def.SubAgents))
		for _, name := range def.Tools {
			tool, ok := rt.builtins[name]
			if !ok {
				return fmt.Errorf("agents.definitions[%d].tools: unknown tool %q", i, name)
			}
			if seen[tool.Name] {
				return fmt.Errorf("agents.definitions[%d].tools: duplicate tool %q", i, tool.Name)
			}
			seen[tool.Name] = true
			toolSets[i] = append(toolSets[i], tool)
		}
		for _, sub := range def.SubAgents {
			tool, err := rt.eng.AgentTool(byName[sub])
			if err != nil {
				return fmt.Errorf("agents.definitions[%d].sub_agents: %w", i, err)
			}
			if seen[tool.Name] {
				return fmt.Errorf("agents.definitions[%d].sub_agents: tool name %q collides", i, tool.Name)
			}
			seen[tool.Name] = true
			toolSets[i] = append(toolSets[i], tool)
		}
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	agents := rt.eng.Agents()
	registry := rt.eng.Tools()

	// Drop agents that disappeared from the set, then replace the rest.
	next := make(map[string]bool, len(defs))
	for _, def := range defs {
		next[def.Name] = true
	}
	for name := range rt.agentNames {
		if !next[name] {
			agents.Unregister(name)
			registry.ClearAgent(name)
		}
	}

	for i, def := range defs {
		registry.ClearAgent(def.Name)
		if err := agents.Register(batch[i]); err != nil {
			return err
		}
		for _, tool := range toolSets[i] {
			if err := registry.Register(def.Name, tool); err != nil {
				return err
			}
		}
	}

	rt.agentNames = next
	return nil
}

// Start begins serving: the HTTP listener, the agents-file watcher, and the
// expiry sweeper. It returns once the listener is bound.
func (rt *runtime) Start(ctx context.Context) error {
	if err := rt.server.Start(ctx); err != nil {
		return err
	}
	if rt.watcher != nil {
		if err := rt.watcher.Start(ctx); err != nil {
			return err
		}
	}
	if rt.sweeper != nil {
		if err := rt.sweeper.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop shuts everything down: stop accepting requests, stop the background
// workers, close the event hub, flush traces, then close the stores.
func (rt *runtime) Stop(ctx context.Context) error {
	var errs []error

	if rt.server != nil {
		if err := rt.server.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.watcher != nil {
		if err := rt.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.sweeper != nil {
		if err := rt.sweeper.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if rt.hub != nil {
		rt.hub.Close()
	}
	if rt.traceShutdown != nil {
		if err := rt.traceShutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, closeFn := range rt.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
