package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/haasonsaas/agui/internal/agent"
	"github.com/haasonsaas/agui/internal/agent/providers"
	"github.com/haasonsaas/agui/internal/config"
	"github.com/haasonsaas/agui/internal/conversations"
	"github.com/haasonsaas/agui/internal/gateway"
	"github.com/haasonsaas/agui/internal/observability"
	"github.com/haasonsaas/agui/internal/pending"
	"github.com/haasonsaas/agui/internal/tools"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

// buildServeCmd creates the "serve" command that starts the HTTP server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agui server",
		Long: `Start the agui server.

The server will:
1. Load configuration from the specified file (defaults apply if agui.yaml is absent)
2. Build the tool registry and the configured LLM provider
3. Start the idle conversation sweep
4. Serve /chat, /tool_result, /threads, /health and /metrics

The configuration file is watched; log level changes apply without restart.
Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with defaults (scripted provider on :5100)
  agui serve

  # Start with custom config and address
  agui serve --config /etc/agui/production.yaml --addr 127.0.0.1:8080

  # Start with debug logging
  agui serve --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, addr, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfig(), "Path to YAML or JSON5 configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging (verbose output)")
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address host:port (overrides server.host and server.port)")
	return cmd
}

// runServe wires the stores, engine and HTTP server and blocks until a
// shutdown signal.
func runServe(ctx context.Context, configPath, addr string, debug bool) error {
	cfg, err := loadServeConfig(configPath)
	if err != nil {
		return err
	}
	if err := applyAddr(cfg, addr); err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(logger.Slog())
	logger.Info(ctx, "starting agui server",
		"version", version,
		"commit", commit,
		"config", configPath,
		"provider", cfg.LLM.Provider,
	)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var metrics *observability.Metrics
	var gatherer prometheus.Gatherer
	if cfg.Observability.Metrics.On() {
		metrics = observability.NewMetrics(registry)
		gatherer = registry
	}

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "agui",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.Tracing.Endpoint,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
		EnableInsecure: cfg.Observability.Tracing.Insecure,
	})
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn(ctx, "tracer shutdown failed", "error", err)
		}
	}()

	store := conversations.NewMemoryStore(conversations.Limits{
		MaxMessages:      cfg.Conversations.MaxMessages,
		MaxConversations: cfg.Conversations.MaxConversations,
	}, conversations.WithLogger(logger.Slog()))

	janitor, err := conversations.NewJanitor(store, cfg.Conversations.IdleTTL, cfg.Conversations.SweepSchedule, logger.Slog())
	if err != nil {
		return err
	}
	janitor.OnSweep(func(int) { metrics.SetActiveConversations(store.Count()) })
	if err := janitor.Start(); err != nil {
		return err
	}
	defer janitor.Stop()

	table := pending.NewTable(logger.Slog())
	if metrics != nil {
		table.SetObserver(metrics)
	}

	toolRegistry, err := tools.BuildDefault(cfg.Engine.DefaultToolTimeout, cfg.Tools.Enabled, cfg.Tools.Timeouts)
	if err != nil {
		return fmt.Errorf("failed to build tool registry: %w", err)
	}

	provider, err := buildProvider(cfg.LLM, logger.Slog())
	if err != nil {
		return fmt.Errorf("failed to initialize LLM provider: %w", err)
	}

	engine := agent.NewEngine(provider, store, toolRegistry, table, agent.EngineConfig{
		Model:            cfg.LLM.Model,
		SystemPrompt:     cfg.Engine.SystemPrompt,
		MaxIterations:    cfg.Engine.MaxIterations,
		MaxMessageLength: cfg.Engine.MaxMessageLength,
		MaxTokens:        cfg.LLM.MaxTokens,
		Temperature:      cfg.LLM.Temperature,
		AllowClientIDs:   cfg.Conversations.AllowClientIDs,
	},
		agent.WithLogger(logger.Slog()),
		agent.WithMetrics(metrics),
		agent.WithTracer(tracer),
	)

	server, err := gateway.NewServer(gateway.Options{
		Engine:   engine,
		Store:    store,
		Pending:  table,
		Config:   cfg.Server,
		Logger:   logger.Slog(),
		Metrics:  metrics,
		Gatherer: gatherer,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize gateway: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if _, err := os.Stat(configPath); err == nil {
		go func() {
			err := config.Watch(ctx, configPath, logger.Slog(), func(next *config.Config) {
				if debug {
					return
				}
				logger.SetLevel(next.Logging.Level)
				logger.Info(ctx, "log level updated", "level", next.Logging.Level)
			})
			if err != nil {
				logger.Warn(ctx, "config watch stopped", "error", err)
			}
		}()
	}

	logger.Info(ctx, "agui server listening", "addr", cfg.Server.Addr(), "tools", toolRegistry.Names())
	if err := server.Start(ctx); err != nil {
		return err
	}
	logger.Info(context.Background(), "agui server stopped gracefully")
	return nil
}

// loadServeConfig loads path, falling back to defaults when the default
// path does not exist.
func loadServeConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) && path == defaultConfig() {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func applyAddr(cfg *config.Config, addr string) error {
	if addr == "" {
		return nil
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid --addr %q: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid --addr %q: port must be 1-65535", addr)
	}
	cfg.Server.Host = host
	cfg.Server.Port = port
	return nil
}

// buildProvider creates the configured provider, wrapped for failover when
// a fallback is configured.
func buildProvider(cfg config.LLMConfig, logger *slog.Logger) (agent.LLMProvider, error) {
	primary, err := newProvider(cfg.Provider, cfg.Providers)
	if err != nil {
		return nil, err
	}
	if cfg.FallbackProvider == "" {
		return primary, nil
	}
	fallback, err := newProvider(cfg.FallbackProvider, cfg.Providers)
	if err != nil {
		return nil, fmt.Errorf("fallback: %w", err)
	}
	return agent.NewFailoverProvider(agent.DefaultFailoverConfig(), logger, primary, fallback), nil
}

func newProvider(name string, cfg config.ProvidersConfig) (agent.LLMProvider, error) {
	var (
		provider agent.LLMProvider
		err      error
	)
	switch name {
	case "", "scripted":
		provider = providers.NewScriptedProvider(providers.ScriptedConfig{ChunkDelay: cfg.Scripted.ChunkDelay})
	case "openai":
		provider, err = providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:       cfg.OpenAI.APIKey,
			BaseURL:      cfg.OpenAI.BaseURL,
			DefaultModel: cfg.OpenAI.DefaultModel,
		})
	case "azure":
		provider, err = providers.NewAzureOpenAIProvider(providers.AzureOpenAIConfig{
			Endpoint:     cfg.Azure.Endpoint,
			APIKey:       cfg.Azure.APIKey,
			APIVersion:   cfg.Azure.APIVersion,
			DefaultModel: cfg.Azure.Deployment,
		})
	case "anthropic":
		provider, err = providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:       cfg.Anthropic.APIKey,
			BaseURL:      cfg.Anthropic.BaseURL,
			DefaultModel: cfg.Anthropic.DefaultModel,
		})
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("%s provider: %w", name, err)
	}
	return provider, nil
}
