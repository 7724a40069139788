package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/agui/internal/agent"
	"github.com/haasonsaas/agui/internal/agent/providers"
	"github.com/haasonsaas/agui/internal/config"
	"github.com/haasonsaas/agui/internal/conversations"
	"github.com/haasonsaas/agui/internal/gateway"
	"github.com/haasonsaas/agui/internal/pending"
	"github.com/haasonsaas/agui/internal/tools"
	"github.com/haasonsaas/agui/pkg/models"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, name := range []string{"serve", "chat", "threads", "config"} {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestBuildProvider(t *testing.T) {
	base := config.ProvidersConfig{
		OpenAI:    config.OpenAIConfig{APIKey: "sk-test"},
		Azure:     config.AzureConfig{Endpoint: "https://example.openai.azure.com", APIKey: "k", Deployment: "gpt-4o"},
		Anthropic: config.AnthropicConfig{APIKey: "sk-ant-test"},
	}
	tests := []struct {
		name     string
		cfg      config.LLMConfig
		wantName string
		wantErr  bool
	}{
		{"default is scripted", config.LLMConfig{Providers: base}, "scripted", false},
		{"openai", config.LLMConfig{Provider: "openai", Providers: base}, "openai", false},
		{"azure", config.LLMConfig{Provider: "azure", Providers: base}, "azure", false},
		{"anthropic", config.LLMConfig{Provider: "anthropic", Providers: base}, "anthropic", false},
		{"failover", config.LLMConfig{Provider: "openai", FallbackProvider: "scripted", Providers: base}, "failover", false},
		{"unknown", config.LLMConfig{Provider: "mystery"}, "", true},
		{"missing key", config.LLMConfig{Provider: "openai"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := buildProvider(tt.cfg, nil)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got provider %v", p)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildProvider() error = %v", err)
			}
			if _, ok := p.(*agent.FailoverProvider); ok != (tt.wantName == "failover") {
				t.Fatalf("failover wrapping = %v", ok)
			}
			if tt.wantName != "failover" && p.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.wantName)
			}
		})
	}
}

func TestApplyAddr(t *testing.T) {
	cfg := &config.Config{}
	if err := applyAddr(cfg, "127.0.0.1:8080"); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 8080 {
		t.Errorf("server = %+v", cfg.Server)
	}
	for _, bad := range []string{"localhost", "host:0", "host:http"} {
		if err := applyAddr(cfg, bad); err == nil {
			t.Errorf("applyAddr(%q) expected error", bad)
		}
	}
}

func TestLoadServeConfigFallsBackToDefaults(t *testing.T) {
	t.Setenv("AGUI_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	cfg, err := loadServeConfig(defaultConfig())
	if err != nil {
		t.Fatalf("loadServeConfig() error = %v", err)
	}
	if cfg.Server.Port != 5100 {
		t.Errorf("port = %d", cfg.Server.Port)
	}

	if _, err := loadServeConfig(filepath.Join(t.TempDir(), "explicit.yaml")); err == nil {
		t.Error("expected error for a missing explicit path")
	}
}

func TestConfigValidateCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agui.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: 6001\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cmd := buildRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"config", "validate", "--config", path})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !strings.Contains(out.String(), ":6001") {
		t.Errorf("output = %q", out.String())
	}
}

func newTestServer(t *testing.T) string {
	t.Helper()
	store := conversations.NewMemoryStore(conversations.DefaultLimits())
	table := pending.NewTable(nil)
	registry, err := tools.BuildDefault(2*time.Second, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	engine := agent.NewEngine(providers.NewScriptedProvider(providers.ScriptedConfig{}), store, registry, table, agent.DefaultEngineConfig())
	server, err := gateway.NewServer(gateway.Options{Engine: engine, Store: store, Pending: table})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestChatSessionREPL(t *testing.T) {
	url := newTestServer(t)
	client, err := newChatClient(chatOptions{serverURL: url})
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	session := &chatSession{client: client, out: &out, verbose: true}

	in := strings.NewReader("hello\n\nWhat's the weather like in Paris?\nquit\nnever sent\n")
	if err := session.repl(context.Background(), in, false); err != nil {
		t.Fatalf("repl() error = %v", err)
	}
	got := out.String()
	for _, want := range []string{
		"Hello! How can I assist you today?",
		"[client tool] get_weather",
		"get_weather returned Partly cloudy, 65°F.",
		"Goodbye!",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if session.conversationID == "" {
		t.Fatal("conversation id not captured")
	}

	conv, err := client.Thread(context.Background(), session.conversationID)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(conv.Messages); n != 5 {
		t.Errorf("messages = %d, want 5 (two turns and one tool result)", n)
	}
}

func TestWriteThreadsTable(t *testing.T) {
	var out bytes.Buffer
	writeThreadsTable(&out, nil)
	if !strings.Contains(out.String(), "(no conversations)") {
		t.Errorf("empty table = %q", out.String())
	}

	out.Reset()
	now := time.Now()
	writeThreadsTable(&out, []models.ConversationSummary{{ID: "conv-1", CreatedAt: now, UpdatedAt: now, MessageCount: 3}})
	if !strings.Contains(out.String(), "conv-1") || !strings.Contains(out.String(), "3") {
		t.Errorf("table = %q", out.String())
	}
}
