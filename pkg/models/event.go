package models

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of protocol event.
type EventType string

const (
	EventTextFragment           EventType = "text-fragment"
	EventToolStarted            EventType = "tool-started"
	EventToolFinished           EventType = "tool-finished"
	EventRemoteToolRequested    EventType = "remote-tool-requested"
	EventRemoteToolAcknowledged EventType = "remote-tool-acknowledged"
	EventTurnComplete           EventType = "turn-complete"
	EventFailure                EventType = "failure"
)

// Valid reports whether t is part of the closed event set.
func (t EventType) Valid() bool {
	switch t {
	case EventTextFragment, EventToolStarted, EventToolFinished,
		EventRemoteToolRequested, EventRemoteToolAcknowledged,
		EventTurnComplete, EventFailure:
		return true
	}
	return false
}

// ProtocolEvent is one unit of the outbound turn stream.
//
// The wire form is a flat JSON object: the event discriminator, the
// conversation and timestamp, then variant-specific fields. Only the fields
// relevant to Event are populated.
type ProtocolEvent struct {
	Event          EventType `json:"event"`
	ConversationID string    `json:"conversation_id"`
	Timestamp      time.Time `json:"timestamp"`

	// Sequence is monotonic within a turn.
	Sequence uint64 `json:"sequence"`

	// text-fragment
	Delta string `json:"delta,omitempty"`

	// tool-started, tool-finished, remote-tool-requested, remote-tool-acknowledged
	ToolCallID  string          `json:"tool_call_id,omitempty"`
	ToolName    string          `json:"tool_name,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`

	// turn-complete
	MessageID string `json:"message_id,omitempty"`

	// failure
	ErrorKind   string `json:"error_kind,omitempty"`
	Message     string `json:"message,omitempty"`
	Recoverable *bool  `json:"recoverable,omitempty"`
}

// IsRecoverable returns the failure recoverable flag, false when unset.
func (e ProtocolEvent) IsRecoverable() bool {
	return e.Recoverable != nil && *e.Recoverable
}

// Clone returns a copy that shares no mutable state with e.
func (e ProtocolEvent) Clone() ProtocolEvent {
	out := e
	if e.Arguments != nil {
		out.Arguments = append(json.RawMessage(nil), e.Arguments...)
	}
	if e.Result != nil {
		out.Result = append(json.RawMessage(nil), e.Result...)
	}
	if e.Recoverable != nil {
		v := *e.Recoverable
		out.Recoverable = &v
	}
	return out
}
