package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/agui/internal/tools"
)

// LLMProvider is the interface for the text-generation collaborator.
//
// Complete streams one generation pass. The returned channel is closed by the
// provider when the pass ends; a chunk with Error set means the pass failed
// and no further chunks follow.
type LLMProvider interface {
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name used in logs and traces.
	Name() string
}

// CompletionRequest is one generation pass.
type CompletionRequest struct {
	Model       string              `json:"model"`
	System      string              `json:"system,omitempty"`
	Messages    []CompletionMessage `json:"messages"`
	Tools       []tools.Definition  `json:"tools,omitempty"`
	MaxTokens   int                 `json:"max_tokens,omitempty"`
	Temperature float64             `json:"temperature,omitempty"`
}

// CompletionMessage is a provider-neutral conversation message.
//
// Role is "user", "assistant" or "tool". Assistant messages may carry
// ToolCalls; tool messages carry ToolResults answering the preceding
// assistant message.
type CompletionMessage struct {
	Role        string           `json:"role"`
	Content     string           `json:"content,omitempty"`
	ToolCalls   []ToolInvocation `json:"tool_calls,omitempty"`
	ToolResults []ToolOutput     `json:"tool_results,omitempty"`
}

// ToolInvocation is a tool call requested by the model.
type ToolInvocation struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolOutput is the outcome of a tool invocation fed back to the model.
type ToolOutput struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// CompletionChunk is a streaming piece of a generation pass.
type CompletionChunk struct {
	Text     string          `json:"text,omitempty"`
	ToolCall *ToolInvocation `json:"tool_call,omitempty"`
	Done     bool            `json:"done,omitempty"`
	Error    error           `json:"-"`

	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}
