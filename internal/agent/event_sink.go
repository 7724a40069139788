package agent

import (
	"context"
	"sync"

	"github.com/haasonsaas/agui/pkg/models"
)

// EventSink receives protocol events during a turn.
// Implementations must be safe to call from multiple goroutines; the engine
// serializes its own calls but sinks may be shared.
type EventSink interface {
	Emit(ctx context.Context, e models.ProtocolEvent)
}

// ChanSink sends events to a channel, blocking until the event is accepted
// or ctx is done.
type ChanSink struct {
	ch chan<- models.ProtocolEvent
}

// NewChanSink creates a sink that sends to a channel.
func NewChanSink(ch chan<- models.ProtocolEvent) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit sends the event to the channel.
func (s *ChanSink) Emit(ctx context.Context, e models.ProtocolEvent) {
	select {
	case s.ch <- e:
	case <-ctx.Done():
	}
}

// MultiSink fans out events to multiple sinks.
type MultiSink struct {
	sinks []EventSink
}

// NewMultiSink creates a sink that dispatches events to multiple sinks.
// Nil sinks are filtered out.
func NewMultiSink(sinks ...EventSink) *MultiSink {
	filtered := make([]EventSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit dispatches the event to all sinks.
func (s *MultiSink) Emit(ctx context.Context, e models.ProtocolEvent) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, e)
	}
}

// CallbackSink wraps a function as an EventSink.
type CallbackSink struct {
	fn func(ctx context.Context, e models.ProtocolEvent)
}

// NewCallbackSink creates a sink that calls fn for each event.
func NewCallbackSink(fn func(ctx context.Context, e models.ProtocolEvent)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, e models.ProtocolEvent) {
	if s.fn != nil {
		s.fn(ctx, e)
	}
}

// NopSink discards all events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(ctx context.Context, e models.ProtocolEvent) {}

// CollectSink records every event in memory. The non-streaming chat path
// uses it to run a turn without a live transport.
type CollectSink struct {
	mu     sync.Mutex
	events []models.ProtocolEvent
}

// Emit appends the event.
func (s *CollectSink) Emit(ctx context.Context, e models.ProtocolEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e.Clone())
}

// Events returns a copy of the recorded events.
func (s *CollectSink) Events() []models.ProtocolEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ProtocolEvent, len(s.events))
	copy(out, s.events)
	return out
}

// Types returns the recorded event types in order.
func (s *CollectSink) Types() []models.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.EventType, len(s.events))
	for i, e := range s.events {
		out[i] = e.Event
	}
	return out
}
