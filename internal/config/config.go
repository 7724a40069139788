// Package config loads the agui server configuration from YAML or JSON5
// files, with environment overrides and validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the main configuration structure for agui.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Conversations ConversationsConfig `yaml:"conversations"`
	Engine        EngineConfig        `yaml:"engine"`
	Tools         ToolsConfig         `yaml:"tools"`
	LLM           LLMConfig           `yaml:"llm"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`

	// Keepalive is the interval between SSE comment pings. Zero disables them.
	Keepalive       time.Duration `yaml:"keepalive"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type ConversationsConfig struct {
	MaxMessages      int           `yaml:"max_messages"`
	MaxConversations int           `yaml:"max_conversations"`
	IdleTTL          time.Duration `yaml:"idle_ttl"`

	// SweepSchedule is a cron expression for idle eviction.
	SweepSchedule string `yaml:"sweep_schedule"`

	AllowClientIDs bool `yaml:"allow_client_ids"`
}

type EngineConfig struct {
	SystemPrompt       string        `yaml:"system_prompt"`
	MaxIterations      int           `yaml:"max_iterations"`
	MaxMessageLength   int           `yaml:"max_message_length"`
	DefaultToolTimeout time.Duration `yaml:"default_tool_timeout"`
}

type ToolsConfig struct {
	// Enabled restricts the registered built-in tools. Empty enables all.
	Enabled  []string                 `yaml:"enabled"`
	Timeouts map[string]time.Duration `yaml:"timeouts"`
}

type LLMConfig struct {
	// Provider is one of scripted, openai, azure, anthropic.
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`

	// FallbackProvider is tried when the primary fails to open a stream.
	FallbackProvider string `yaml:"fallback_provider"`

	Providers ProvidersConfig `yaml:"providers"`
}

type ProvidersConfig struct {
	OpenAI    OpenAIConfig    `yaml:"openai"`
	Azure     AzureConfig     `yaml:"azure"`
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Scripted  ScriptedConfig  `yaml:"scripted"`
}

type OpenAIConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

type AzureConfig struct {
	Endpoint   string `yaml:"endpoint"`
	APIKey     string `yaml:"api_key"`
	APIVersion string `yaml:"api_version"`
	Deployment string `yaml:"deployment"`
}

type AnthropicConfig struct {
	APIKey       string `yaml:"api_key"`
	BaseURL      string `yaml:"base_url"`
	DefaultModel string `yaml:"default_model"`
}

type ScriptedConfig struct {
	ChunkDelay time.Duration `yaml:"chunk_delay"`
}

type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

type MetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// On reports whether /metrics is served. Metrics default to on.
func (m MetricsConfig) On() bool {
	return m.Enabled == nil || *m.Enabled
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// scheduleParser accepts the same cron dialect as the conversation janitor.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var knownProviders = map[string]bool{
	"scripted":  true,
	"openai":    true,
	"azure":     true,
	"anthropic": true,
}

// Load reads, parses, and validates the configuration file. Environment
// overrides are applied after parsing and before defaults.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	return finish(cfg)
}

// Default returns the configuration used when no file is given.
func Default() (*Config, error) {
	return finish(&Config{})
}

func finish(cfg *Config) (*Config, error) {
	applyEnvOverrides(cfg, os.LookupEnv)
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	az := &cfg.LLM.Providers.Azure
	if v, ok := get("AZURE_AI_PROJECT_ENDPOINT"); ok {
		az.Endpoint = v
		if cfg.LLM.Provider == "" {
			cfg.LLM.Provider = "azure"
		}
	}
	if v, ok := get("AZURE_AI_MODEL_DEPLOYMENT_NAME"); ok {
		az.Deployment = v
	}
	if v, ok := get("AZURE_OPENAI_API_VERSION"); ok {
		az.APIVersion = v
	}
	if v, ok := get("AZURE_OPENAI_API_KEY"); ok {
		az.APIKey = v
	}
	if v, ok := get("OPENAI_API_KEY"); ok && cfg.LLM.Providers.OpenAI.APIKey == "" {
		cfg.LLM.Providers.OpenAI.APIKey = v
	}
	if v, ok := get("ANTHROPIC_API_KEY"); ok && cfg.LLM.Providers.Anthropic.APIKey == "" {
		cfg.LLM.Providers.Anthropic.APIKey = v
	}
	if v, ok := get("CORS_ORIGINS"); ok {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.Server.CORSOrigins = origins
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 5100
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = []string{"http://localhost:5173", "http://127.0.0.1:5173"}
	}
	if cfg.Server.ReadHeaderTimeout == 0 {
		cfg.Server.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.Server.Keepalive == 0 {
		cfg.Server.Keepalive = 15 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}

	if cfg.Conversations.MaxMessages == 0 {
		cfg.Conversations.MaxMessages = 200
	}
	if cfg.Conversations.MaxConversations == 0 {
		cfg.Conversations.MaxConversations = 1000
	}
	if cfg.Conversations.IdleTTL == 0 {
		cfg.Conversations.IdleTTL = 24 * time.Hour
	}
	if cfg.Conversations.SweepSchedule == "" {
		cfg.Conversations.SweepSchedule = "@every 1m"
	}

	if cfg.Engine.MaxIterations == 0 {
		cfg.Engine.MaxIterations = 8
	}
	if cfg.Engine.MaxMessageLength == 0 {
		cfg.Engine.MaxMessageLength = 32 << 10
	}
	if cfg.Engine.DefaultToolTimeout == 0 {
		cfg.Engine.DefaultToolTimeout = 30 * time.Second
	}

	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "scripted"
	}
	if cfg.LLM.Temperature == 0 {
		cfg.LLM.Temperature = 0.7
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 1000
	}
	if cfg.LLM.Providers.Azure.APIVersion == "" {
		cfg.LLM.Providers.Azure.APIVersion = "2024-02-15-preview"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Observability.Tracing.SamplingRate == 0 {
		cfg.Observability.Tracing.SamplingRate = 1.0
	}
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port must be between 1 and 65535")
	}
	if c.Server.Keepalive < 0 {
		add("server.keepalive must not be negative")
	}
	if c.Conversations.MaxMessages < 1 {
		add("conversations.max_messages must be positive")
	}
	if c.Conversations.MaxConversations < 1 {
		add("conversations.max_conversations must be positive")
	}
	if _, err := scheduleParser.Parse(c.Conversations.SweepSchedule); err != nil {
		add("conversations.sweep_schedule: %v", err)
	}
	if c.Engine.MaxIterations < 1 {
		add("engine.max_iterations must be positive")
	}
	if c.Engine.DefaultToolTimeout < 0 {
		add("engine.default_tool_timeout must not be negative")
	}
	for name, d := range c.Tools.Timeouts {
		if d <= 0 {
			add("tools.timeouts.%s must be positive", name)
		}
	}

	if !knownProviders[c.LLM.Provider] {
		add("llm.provider %q is not one of scripted, openai, azure, anthropic", c.LLM.Provider)
	}
	if fb := c.LLM.FallbackProvider; fb != "" {
		if !knownProviders[fb] {
			add("llm.fallback_provider %q is not one of scripted, openai, azure, anthropic", fb)
		} else if fb == c.LLM.Provider {
			add("llm.fallback_provider must differ from llm.provider")
		}
	}
	for _, p := range []string{c.LLM.Provider, c.LLM.FallbackProvider} {
		switch p {
		case "openai":
			if c.LLM.Providers.OpenAI.APIKey == "" {
				add("llm.providers.openai.api_key is required (or set OPENAI_API_KEY)")
			}
		case "azure":
			if c.LLM.Providers.Azure.Endpoint == "" {
				add("llm.providers.azure.endpoint is required (or set AZURE_AI_PROJECT_ENDPOINT)")
			}
			if c.LLM.Providers.Azure.Deployment == "" && c.LLM.Model == "" {
				add("llm.providers.azure.deployment is required (or set AZURE_AI_MODEL_DEPLOYMENT_NAME)")
			}
		case "anthropic":
			if c.LLM.Providers.Anthropic.APIKey == "" {
				add("llm.providers.anthropic.api_key is required (or set ANTHROPIC_API_KEY)")
			}
		}
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		add("llm.temperature must be between 0 and 2")
	}
	if c.LLM.MaxTokens < 1 {
		add("llm.max_tokens must be positive")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text", "console":
	default:
		add("logging.format %q is not one of json, text, console", c.Logging.Format)
	}
	if r := c.Observability.Tracing.SamplingRate; r < 0 || r > 1 {
		add("observability.tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
