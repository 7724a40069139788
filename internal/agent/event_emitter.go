package agent

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/agui/internal/observability"
	"github.com/haasonsaas/agui/pkg/models"
)

// EventEmitter stamps and dispatches ProtocolEvents for one turn.
//
// Sequencing and sink delivery happen under one lock, so concurrently
// executing tools observe a single total order and the sink never sees
// sequence numbers out of order.
type EventEmitter struct {
	mu             sync.Mutex
	conversationID string
	sequence       uint64
	sink           EventSink
	metrics        *observability.Metrics
	now            func() time.Time
}

// NewEventEmitter creates an emitter for one turn.
func NewEventEmitter(conversationID string, sink EventSink, metrics *observability.Metrics) *EventEmitter {
	if sink == nil {
		sink = NopSink{}
	}
	return &EventEmitter{
		conversationID: conversationID,
		sink:           sink,
		metrics:        metrics,
		now:            time.Now,
	}
}

// Count returns how many events were emitted.
func (e *EventEmitter) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return int(e.sequence)
}

func (e *EventEmitter) emit(ctx context.Context, event models.ProtocolEvent) models.ProtocolEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sequence++
	event.Sequence = e.sequence
	event.ConversationID = e.conversationID
	event.Timestamp = e.now().UTC()
	e.sink.Emit(ctx, event.Clone())
	e.metrics.EventEmitted(string(event.Event))
	return event
}

// TextFragment emits a text-fragment event.
func (e *EventEmitter) TextFragment(ctx context.Context, delta string) models.ProtocolEvent {
	return e.emit(ctx, models.ProtocolEvent{Event: models.EventTextFragment, Delta: delta})
}

// ToolStarted emits a tool-started event.
func (e *EventEmitter) ToolStarted(ctx context.Context, call models.ToolCall) models.ProtocolEvent {
	return e.emit(ctx, models.ProtocolEvent{
		Event:      models.EventToolStarted,
		ToolCallID: call.ID,
		ToolName:   call.Name,
		Arguments:  call.Arguments,
	})
}

// ToolFinished emits a tool-finished event carrying the call's outcome.
func (e *EventEmitter) ToolFinished(ctx context.Context, call models.ToolCall, kind ErrorKind) models.ProtocolEvent {
	return e.emit(ctx, outcomeEvent(models.EventToolFinished, call, kind))
}

// RemoteToolRequested emits a remote-tool-requested event.
func (e *EventEmitter) RemoteToolRequested(ctx context.Context, call models.ToolCall) models.ProtocolEvent {
	return e.emit(ctx, models.ProtocolEvent{
		Event:       models.EventRemoteToolRequested,
		ToolCallID:  call.ID,
		ToolName:    call.Name,
		ExecutionID: call.ExecutionID,
		Arguments:   call.Arguments,
	})
}

// RemoteToolAcknowledged emits a remote-tool-acknowledged event.
func (e *EventEmitter) RemoteToolAcknowledged(ctx context.Context, call models.ToolCall, kind ErrorKind) models.ProtocolEvent {
	return e.emit(ctx, outcomeEvent(models.EventRemoteToolAcknowledged, call, kind))
}

// TurnComplete emits the terminal turn-complete event.
func (e *EventEmitter) TurnComplete(ctx context.Context, messageID string) models.ProtocolEvent {
	return e.emit(ctx, models.ProtocolEvent{Event: models.EventTurnComplete, MessageID: messageID})
}

// Failure emits a failure event.
func (e *EventEmitter) Failure(ctx context.Context, te *TurnError) models.ProtocolEvent {
	recoverable := te.Recoverable
	return e.emit(ctx, models.ProtocolEvent{
		Event:       models.EventFailure,
		ErrorKind:   string(te.Kind),
		Message:     te.Message,
		Recoverable: &recoverable,
	})
}

func outcomeEvent(t models.EventType, call models.ToolCall, kind ErrorKind) models.ProtocolEvent {
	event := models.ProtocolEvent{
		Event:       t,
		ToolCallID:  call.ID,
		ToolName:    call.Name,
		ExecutionID: call.ExecutionID,
	}
	if call.Status == models.ToolFailed {
		event.Error = call.Error
		event.ErrorKind = string(kind)
	} else {
		event.Result = call.Result
	}
	return event
}
