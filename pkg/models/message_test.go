package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestToolCallTransitions(t *testing.T) {
	tc := ToolCall{ID: "call_1", Name: "get_time_zone", Status: ToolPending}
	tc.Start()
	if tc.Status != ToolExecuting {
		t.Fatalf("status = %q, want executing", tc.Status)
	}

	tc.Complete(json.RawMessage(`"Pacific Time (UTC-8)"`), time.Second)
	if tc.Status != ToolCompleted || tc.Error != "" || len(tc.Result) == 0 {
		t.Fatalf("unexpected completed call: %+v", tc)
	}
	if got := tc.Output(); got != "Pacific Time (UTC-8)" {
		t.Errorf("Output() = %q", got)
	}

	tc.Fail("boom", time.Second)
	if tc.Status != ToolFailed || tc.Result != nil || tc.Error != "boom" {
		t.Fatalf("unexpected failed call: %+v", tc)
	}
	if got := tc.Output(); got != "error: boom" {
		t.Errorf("Output() = %q", got)
	}
}

func TestToolCallCompleteEmptyResult(t *testing.T) {
	var tc ToolCall
	tc.Complete(nil, 0)
	if string(tc.Result) != "null" {
		t.Errorf("Result = %s, want null", tc.Result)
	}
}

func TestMessageValidate(t *testing.T) {
	done := ToolCall{ID: "c", Name: "x", Status: ToolCompleted, Result: json.RawMessage(`1`)}
	tests := []struct {
		name    string
		msg     Message
		wantErr string
	}{
		{name: "plain user", msg: Message{Role: RoleUser, Content: "hi"}},
		{name: "user with tool calls", msg: Message{Role: RoleUser, ToolCalls: []ToolCall{done}}, wantErr: "must not carry"},
		{name: "tool with one call", msg: Message{Role: RoleTool, ToolCalls: []ToolCall{done}}},
		{name: "tool with none", msg: Message{Role: RoleTool}, wantErr: "exactly one"},
		{name: "tool with pending", msg: Message{Role: RoleTool, ToolCalls: []ToolCall{{ID: "p", Status: ToolPending}}}, wantErr: "is pending"},
		{name: "completed without result", msg: Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c", Status: ToolCompleted}}}, wantErr: "without result"},
		{name: "bad role", msg: Message{Role: "robot"}, wantErr: "invalid role"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestProtocolEventWireShape(t *testing.T) {
	recoverable := false
	evt := ProtocolEvent{
		Event:          EventFailure,
		ConversationID: "conv-1",
		Timestamp:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		ErrorKind:      "remote_disconnect",
		Message:        "client disconnected",
		Recoverable:    &recoverable,
	}
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if raw["event"] != "failure" || raw["conversation_id"] != "conv-1" {
		t.Errorf("unexpected envelope: %v", raw)
	}
	if raw["recoverable"] != false {
		t.Errorf("recoverable = %v, want false", raw["recoverable"])
	}
	if _, ok := raw["delta"]; ok {
		t.Error("delta should be omitted on failure events")
	}
}

func TestProtocolEventClone(t *testing.T) {
	evt := ProtocolEvent{Event: EventRemoteToolRequested, Arguments: json.RawMessage(`{"a":1}`)}
	cp := evt.Clone()
	cp.Arguments[2] = 'b'
	if string(evt.Arguments) != `{"a":1}` {
		t.Errorf("Clone shares argument bytes: %s", evt.Arguments)
	}
	if !EventTurnComplete.Valid() || EventType("bogus").Valid() {
		t.Error("EventType.Valid mismatch")
	}
}
