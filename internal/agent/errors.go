package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/haasonsaas/agui/internal/conversations"
	"github.com/haasonsaas/agui/internal/pending"
)

// Common sentinel errors for turn processing
var (
	// ErrValidation indicates a malformed request rejected before streaming.
	ErrValidation = errors.New("validation failed")

	// ErrMaxIterations indicates the generation never stopped requesting tools.
	ErrMaxIterations = errors.New("max iterations exceeded")

	// ErrNoProvider indicates no LLM provider is configured
	ErrNoProvider = errors.New("no provider configured")

	// ErrToolTimeout indicates a tool execution timed out
	ErrToolTimeout = errors.New("tool execution timed out")

	// ErrToolPanic indicates a tool panicked during execution
	ErrToolPanic = errors.New("tool panicked")

	// ErrDisconnected indicates the event consumer went away mid-turn.
	ErrDisconnected = errors.New("client disconnected")
)

// ErrorKind is the closed, client-visible error taxonomy.
type ErrorKind string

const (
	KindValidation              ErrorKind = "validation"
	KindUnknownTool             ErrorKind = "unknown_tool"
	KindToolTimeout             ErrorKind = "tool_timeout"
	KindToolError               ErrorKind = "tool_error"
	KindRemoteDisconnect        ErrorKind = "remote_disconnect"
	KindCollaboratorUnavailable ErrorKind = "collaborator_unavailable"
	KindNotFound                ErrorKind = "not_found"
)

// Recoverable reports whether errors of this kind are folded back into the
// generation instead of terminating the turn.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case KindUnknownTool, KindToolTimeout, KindToolError:
		return true
	default:
		return false
	}
}

// TurnError is a classified turn failure. Message is safe to show clients;
// Cause is for logs only.
type TurnError struct {
	Kind        ErrorKind
	Message     string
	Recoverable bool
	Cause       error
}

// Error implements the error interface.
func (e *TurnError) Error() string {
	if e.Cause != nil && e.Message != "" {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	if e.Message != "" {
		return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("[%s]", e.Kind)
}

// Unwrap returns the underlying error.
func (e *TurnError) Unwrap() error {
	return e.Cause
}

// NewTurnError builds a TurnError whose recoverable flag follows kind.
func NewTurnError(kind ErrorKind, message string, cause error) *TurnError {
	return &TurnError{Kind: kind, Message: message, Recoverable: kind.Recoverable(), Cause: cause}
}

// ValidationError builds a validation failure.
func ValidationError(format string, args ...any) *TurnError {
	msg := fmt.Sprintf(format, args...)
	return &TurnError{Kind: KindValidation, Message: msg, Cause: ErrValidation}
}

// GetTurnError extracts a TurnError from an error chain.
func GetTurnError(err error) (*TurnError, bool) {
	var te *TurnError
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// ClassifyError maps an arbitrary error onto the taxonomy.
func ClassifyError(err error) *TurnError {
	if err == nil {
		return nil
	}
	if te, ok := GetTurnError(err); ok {
		return te
	}
	switch {
	case errors.Is(err, ErrValidation):
		return &TurnError{Kind: KindValidation, Message: "invalid request", Cause: err}
	case errors.Is(err, conversations.ErrNotFound):
		return &TurnError{Kind: KindNotFound, Message: "conversation not found", Cause: err}
	case errors.Is(err, ErrDisconnected), errors.Is(err, context.Canceled), errors.Is(err, pending.ErrCancelled):
		return &TurnError{Kind: KindRemoteDisconnect, Message: "client disconnected", Cause: err}
	case errors.Is(err, ErrToolTimeout), errors.Is(err, pending.ErrTimeout):
		return NewTurnError(KindToolTimeout, "tool execution timed out", err)
	case errors.Is(err, ErrMaxIterations):
		return &TurnError{Kind: KindCollaboratorUnavailable, Message: "generation did not converge", Cause: err}
	case errors.Is(err, ErrNoProvider):
		return &TurnError{Kind: KindCollaboratorUnavailable, Message: "language model unavailable", Cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &TurnError{Kind: KindCollaboratorUnavailable, Message: "language model timed out", Cause: err}
	}
	return &TurnError{Kind: KindCollaboratorUnavailable, Message: "language model unavailable", Cause: err}
}

// toolFailureKind classifies a tool execution error into a recoverable kind.
func toolFailureKind(err error) ErrorKind {
	if err == nil {
		return KindToolError
	}
	if errors.Is(err, ErrToolTimeout) || errors.Is(err, pending.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return KindToolTimeout
	}
	if strings.Contains(strings.ToLower(err.Error()), "timed out") {
		return KindToolTimeout
	}
	return KindToolError
}

// TurnState is a state of the turn state machine.
type TurnState string

const (
	StateFetching           TurnState = "fetching"
	StateGenerating         TurnState = "generating"
	StateAwaitingLocalTool  TurnState = "awaiting_local_tool"
	StateAwaitingRemoteTool TurnState = "awaiting_remote_tool"
	StateCompleting         TurnState = "completing"
	StateDone               TurnState = "done"
	StateFailed             TurnState = "failed"
)

// Terminal reports whether the state has no successors.
func (s TurnState) Terminal() bool {
	return s == StateDone || s == StateFailed
}
