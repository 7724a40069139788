package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config LogConfig
	}{
		{name: "json format", config: LogConfig{Level: "info", Format: "json"}},
		{name: "text format", config: LogConfig{Level: "debug", Format: "text"}},
		{name: "console format", config: LogConfig{Level: "debug", Format: "console", Output: &bytes.Buffer{}}},
		{name: "defaults", config: LogConfig{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewLogger(tt.config)
			if logger == nil || logger.Slog() == nil {
				t.Fatal("NewLogger() returned nil logger")
			}
		})
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "json", Output: &buf})
	ctx := context.Background()

	logger.Debug(ctx, "debug message")
	logger.Info(ctx, "info message")
	logger.Warn(ctx, "warn message")
	logger.Error(ctx, "error message")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 records at warn level, got %d", len(lines))
	}
}

func TestLoggerSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})
	ctx := context.Background()

	logger.Debug(ctx, "hidden")
	logger.SetLevel("debug")
	if logger.Level() != slog.LevelDebug {
		t.Fatalf("Level() = %v, want debug", logger.Level())
	}
	logger.Debug(ctx, "visible")

	// Component loggers share the level var.
	logger.Component("store").Debug("also visible")

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected 2 records, got %d: %s", len(lines), buf.String())
	}
	if lines[0]["msg"] != "visible" || lines[1]["component"] != "store" {
		t.Fatalf("unexpected records: %v", lines)
	}
}

func TestLoggerContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})

	ctx := AddRequestID(context.Background(), "req-123")
	ctx = AddConversationID(ctx, "conv-9")
	ctx = AddToolCallID(ctx, "call_1")

	logger.Info(ctx, "with context")
	logger.Slog().InfoContext(ctx, "through slog")

	for _, entry := range decodeLines(t, &buf) {
		if entry["request_id"] != "req-123" || entry["conversation_id"] != "conv-9" || entry["tool_call_id"] != "call_1" {
			t.Fatalf("missing correlation fields: %v", entry)
		}
	}
}

func TestLoggerWithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf}).WithFields("component", "gateway")
	logger.Info(context.Background(), "hello")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["component"] != "gateway" {
		t.Fatalf("unexpected records: %v", lines)
	}
}

func TestLoggerRedaction(t *testing.T) {
	tests := []struct {
		name   string
		args   []any
		secret string
	}{
		{name: "openai key in value", args: []any{"detail", "using sk-abcdefghijklmnopqrstuvwxyz0123456789ABCD"}, secret: "sk-abcdefghijklmnopqrstuvwxyz0123456789ABCD"},
		{name: "anthropic key in error", args: []any{"error", errors.New("bad key sk-ant-REDACTED")}, secret: "sk-ant-REDACTED"},
		{name: "sensitive key", args: []any{"api_key", "plain-value"}, secret: "plain-value"},
		{name: "password assignment", args: []any{"detail", "password=hunter2hunter2"}, secret: "hunter2hunter2"},
		{name: "grouped", args: []any{slog.Group("auth", "token", "abc")}, secret: "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(LogConfig{Format: "json", Output: &buf})
			logger.Info(context.Background(), "request", tt.args...)
			if strings.Contains(buf.String(), tt.secret) {
				t.Fatalf("secret leaked: %s", buf.String())
			}
			if !strings.Contains(buf.String(), "[REDACTED]") {
				t.Fatalf("expected redaction marker: %s", buf.String())
			}
		})
	}
}

func TestRedactCustomPatterns(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf, RedactPatterns: []string{`tenant-[0-9]+`}})
	logger.Info(context.Background(), "tenant-4242 connected")
	if strings.Contains(buf.String(), "tenant-4242") {
		t.Fatalf("custom pattern not applied: %s", buf.String())
	}
}

func TestLoggerAttributesSurvive(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "json", Output: &buf})
	logger.Info(context.Background(), "numbers", "count", 3, "ok", true)

	lines := decodeLines(t, &buf)
	if lines[0]["count"] != float64(3) || lines[0]["ok"] != true {
		t.Fatalf("non-string attrs mangled: %v", lines[0])
	}
}

func TestConsoleFormatNoColorForBuffers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Format: "console", Output: &buf})
	logger.Info(context.Background(), "console line", "tool", "calculator")
	if strings.Contains(buf.String(), "\x1b[") {
		t.Fatalf("expected no ANSI escapes for non-terminal output: %q", buf.String())
	}
	if !strings.Contains(buf.String(), "console line") {
		t.Fatalf("missing message: %q", buf.String())
	}
}

func TestContextGetters(t *testing.T) {
	ctx := context.Background()
	if GetRequestID(ctx) != "" || GetConversationID(ctx) != "" {
		t.Fatal("expected empty ids from bare context")
	}
	ctx = AddRequestID(ctx, "r")
	ctx = AddConversationID(ctx, "c")
	if GetRequestID(ctx) != "r" || GetConversationID(ctx) != "c" {
		t.Fatal("getters did not return stored ids")
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
		{"", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.in); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
