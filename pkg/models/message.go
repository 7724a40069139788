// Package models provides domain types shared by the agui server and client.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem, RoleTool:
		return true
	}
	return false
}

// ToolSite says where a tool executes.
type ToolSite string

const (
	// SiteLocal tools run in-process on the server.
	SiteLocal ToolSite = "local"
	// SiteRemote tools are delegated to the connected client.
	SiteRemote ToolSite = "remote"
)

// ToolStatus tracks a tool call through its lifecycle.
type ToolStatus string

const (
	ToolPending   ToolStatus = "pending"
	ToolExecuting ToolStatus = "executing"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s ToolStatus) Terminal() bool {
	return s == ToolCompleted || s == ToolFailed
}

// ToolCall represents an LLM's request to execute a tool and its outcome.
type ToolCall struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Site        ToolSite        `json:"site,omitempty"`
	Status      ToolStatus      `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Duration    time.Duration   `json:"duration,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
}

// Start moves a pending call to executing.
func (tc *ToolCall) Start() {
	if tc.Status == "" || tc.Status == ToolPending {
		tc.Status = ToolExecuting
	}
}

// Complete records a successful result. Result is present iff completed.
func (tc *ToolCall) Complete(result json.RawMessage, d time.Duration) {
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	tc.Status = ToolCompleted
	tc.Result = result
	tc.Error = ""
	tc.Duration = d
}

// Fail records an error. Error is present iff failed.
func (tc *ToolCall) Fail(err string, d time.Duration) {
	if err == "" {
		err = "tool failed"
	}
	tc.Status = ToolFailed
	tc.Error = err
	tc.Result = nil
	tc.Duration = d
}

// Output returns the text fed back to the LLM for this call.
func (tc ToolCall) Output() string {
	if tc.Status == ToolFailed {
		return "error: " + tc.Error
	}
	if len(tc.Result) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(tc.Result, &s); err == nil {
		return s
	}
	return string(tc.Result)
}

// MessageMetadata holds optional generation statistics.
type MessageMetadata struct {
	TokenCount         int           `json:"token_count,omitempty"`
	GenerationDuration time.Duration `json:"generation_duration,omitempty"`
}

// Message is one entry in a conversation.
type Message struct {
	ID        string           `json:"id"`
	Role      Role             `json:"role"`
	Content   string           `json:"content"`
	Timestamp time.Time        `json:"timestamp"`
	ToolCalls []ToolCall       `json:"tool_calls,omitempty"`
	Metadata  *MessageMetadata `json:"metadata,omitempty"`
}

// Validate checks the per-role tool call invariants.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("invalid role %q", m.Role)
	}
	switch m.Role {
	case RoleUser:
		if len(m.ToolCalls) > 0 {
			return errors.New("user message must not carry tool calls")
		}
	case RoleTool:
		if len(m.ToolCalls) != 1 {
			return fmt.Errorf("tool message must carry exactly one tool call, got %d", len(m.ToolCalls))
		}
		if !m.ToolCalls[0].Status.Terminal() {
			return fmt.Errorf("tool message call %s is %s", m.ToolCalls[0].ID, m.ToolCalls[0].Status)
		}
	}
	for _, tc := range m.ToolCalls {
		if tc.Status == ToolCompleted && len(tc.Result) == 0 {
			return fmt.Errorf("tool call %s completed without result", tc.ID)
		}
		if tc.Status == ToolFailed && tc.Error == "" {
			return fmt.Errorf("tool call %s failed without error", tc.ID)
		}
	}
	return nil
}

// Conversation is an ordered exchange between a client and the agent.
type Conversation struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Messages  []Message `json:"messages"`
}

// Summary returns the listing view of the conversation.
func (c *Conversation) Summary() ConversationSummary {
	return ConversationSummary{
		ID:           c.ID,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		MessageCount: len(c.Messages),
	}
}

// ConversationSummary is returned by thread listings.
type ConversationSummary struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}
