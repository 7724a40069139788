// Package pending correlates delegated (remote) tool executions with the
// results clients post back.
//
// A turn registers a tool call and receives an execution id, emits the id to
// the client, then blocks in Await. An independent HTTP handler calls Resolve
// when the client reports back. Late or duplicate reports resolve to
// ErrUnknownID and are otherwise ignored.
//
// The table lock only covers map bookkeeping; waiting happens on a per-entry
// channel outside the lock.
package pending

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/agui/pkg/models"
)

var (
	// ErrUnknownID is returned for ids that were never registered or are
	// already settled.
	ErrUnknownID = errors.New("unknown execution id")

	// ErrTimeout is returned by Await when the deadline elapses.
	ErrTimeout = errors.New("remote tool execution timed out")

	// ErrCancelled is returned by Await when the entry is cancelled.
	ErrCancelled = errors.New("remote tool execution cancelled")
)

// Outcome labels reported to observers.
const (
	OutcomeResolved  = "resolved"
	OutcomeUnknownID = "unknown_id"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
)

// Result is what the client reported for an execution.
type Result struct {
	Value json.RawMessage
	Error string
}

// IsError reports whether the client reported a failure.
func (r Result) IsError() bool {
	return r.Error != ""
}

// Observer receives table activity, typically to export metrics.
type Observer interface {
	PendingChanged(active int)
	ExecutionSettled(outcome string)
}

// Stats tracks table counters.
type Stats struct {
	Registered int64
	Resolved   int64
	UnknownIDs int64
	TimedOut   int64
	Cancelled  int64
	Active     int64
}

type signal struct {
	result    Result
	cancelled bool
	reason    string
}

type entry struct {
	executionID    string
	conversationID string
	turnID         string
	call           models.ToolCall
	registeredAt   time.Time
	deadline       time.Time

	// settled is guarded by Table.mu. The first settle wins; done is
	// buffered so the single send never blocks.
	settled bool
	done    chan signal
}

// Table tracks in-flight remote executions.
type Table struct {
	mu       sync.Mutex
	entries  map[string]*entry
	stats    Stats
	logger   *slog.Logger
	observer Observer
	now      func() time.Time
}

// NewTable creates an empty table.
func NewTable(logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		entries: make(map[string]*entry),
		logger:  logger.With("component", "pending"),
		now:     time.Now,
	}
}

// SetObserver attaches an observer. Call before use.
func (t *Table) SetObserver(o Observer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observer = o
}

// Register records a delegated call made by turnID on the conversation and
// returns its fresh execution id.
func (t *Table) Register(conversationID, turnID string, call models.ToolCall) string {
	execID := uuid.New().String()
	e := &entry{
		executionID:    execID,
		conversationID: conversationID,
		turnID:         turnID,
		call:           call,
		registeredAt:   t.now(),
		done:           make(chan signal, 1),
	}

	t.mu.Lock()
	t.entries[execID] = e
	t.stats.Registered++
	t.stats.Active++
	active := len(t.entries)
	obs := t.observer
	t.mu.Unlock()

	if obs != nil {
		obs.PendingChanged(active)
	}
	t.logger.Debug("remote execution registered",
		"execution_id", execID,
		"conversation_id", conversationID,
		"turn_id", turnID,
		"tool", call.Name,
	)
	return execID
}

// Await blocks until the execution is resolved, cancelled, times out, or
// ctx is done. The entry is always removed on return.
func (t *Table) Await(ctx context.Context, execID string, timeout time.Duration) (Result, error) {
	t.mu.Lock()
	e, ok := t.entries[execID]
	if ok && timeout > 0 {
		e.deadline = t.now().Add(timeout)
	}
	t.mu.Unlock()
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnknownID, execID)
	}

	var timer <-chan time.Time
	if timeout > 0 {
		tm := time.NewTimer(timeout)
		defer tm.Stop()
		timer = tm.C
	}

	select {
	case sig := <-e.done:
		t.remove(e)
		return t.finish(e, sig)

	case <-timer:
		if sig, won := t.settleLocal(e); !won {
			// A result or cancel raced the timer and already settled the entry.
			t.remove(e)
			return t.finish(e, sig)
		}
		t.remove(e)
		t.count(OutcomeTimeout)
		t.logger.Info("remote execution timed out",
			"execution_id", execID,
			"tool", e.call.Name,
			"timeout", timeout,
		)
		return Result{}, fmt.Errorf("%w after %v", ErrTimeout, timeout)

	case <-ctx.Done():
		if sig, won := t.settleLocal(e); !won {
			t.remove(e)
			return t.finish(e, sig)
		}
		t.remove(e)
		t.count(OutcomeCancelled)
		return Result{}, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

// Resolve delivers a client result. ErrUnknownID means the execution is
// gone (never existed, already resolved, cancelled, or timed out); callers
// treat it as a no-op.
func (t *Table) Resolve(execID string, result Result) error {
	t.mu.Lock()
	e, ok := t.entries[execID]
	if ok && e.settled {
		ok = false
	}
	if ok {
		e.settled = true
	}
	t.mu.Unlock()

	if !ok {
		t.count(OutcomeUnknownID)
		t.logger.Debug("received result for unknown execution", "execution_id", execID)
		return fmt.Errorf("%w: %s", ErrUnknownID, execID)
	}
	e.done <- signal{result: result}
	return nil
}

// Cancel settles one execution as cancelled. It reports whether the entry
// was still pending.
func (t *Table) Cancel(execID, reason string) bool {
	t.mu.Lock()
	e, ok := t.entries[execID]
	if ok && e.settled {
		ok = false
	}
	if ok {
		e.settled = true
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	e.done <- signal{cancelled: true, reason: reason}
	return true
}

// CancelConversation cancels every pending execution registered for the
// conversation, across all of its turns, and returns how many were cancelled.
func (t *Table) CancelConversation(conversationID, reason string) int {
	n := t.cancelWhere(reason, func(e *entry) bool { return e.conversationID == conversationID })
	if n > 0 {
		t.logger.Info("cancelled pending executions",
			"conversation_id", conversationID,
			"count", n,
			"reason", reason,
		)
	}
	return n
}

// CancelTurn cancels the pending executions registered by one turn. Other
// turns on the same conversation are untouched.
func (t *Table) CancelTurn(turnID, reason string) int {
	if turnID == "" {
		return 0
	}
	n := t.cancelWhere(reason, func(e *entry) bool { return e.turnID == turnID })
	if n > 0 {
		t.logger.Info("cancelled pending executions",
			"turn_id", turnID,
			"count", n,
			"reason", reason,
		)
	}
	return n
}

func (t *Table) cancelWhere(reason string, match func(*entry) bool) int {
	t.mu.Lock()
	var victims []*entry
	for _, e := range t.entries {
		if match(e) && !e.settled {
			e.settled = true
			victims = append(victims, e)
		}
	}
	t.mu.Unlock()

	for _, e := range victims {
		e.done <- signal{cancelled: true, reason: reason}
	}
	return len(victims)
}

// Len returns the number of in-flight executions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Stats returns a snapshot of the counters.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// settleLocal claims the entry for a timeout or ctx path. If another party
// settled first, it returns the signal they sent and won=false.
func (t *Table) settleLocal(e *entry) (signal, bool) {
	t.mu.Lock()
	if !e.settled {
		e.settled = true
		t.mu.Unlock()
		return signal{}, true
	}
	t.mu.Unlock()
	return <-e.done, false
}

func (t *Table) finish(e *entry, sig signal) (Result, error) {
	if sig.cancelled {
		t.count(OutcomeCancelled)
		if sig.reason == "" {
			return Result{}, ErrCancelled
		}
		return Result{}, fmt.Errorf("%w: %s", ErrCancelled, sig.reason)
	}
	t.count(OutcomeResolved)
	t.logger.Debug("remote execution resolved",
		"execution_id", e.executionID,
		"tool", e.call.Name,
		"is_error", sig.result.IsError(),
		"duration", t.now().Sub(e.registeredAt),
	)
	return sig.result, nil
}

func (t *Table) remove(e *entry) {
	t.mu.Lock()
	if _, ok := t.entries[e.executionID]; ok {
		delete(t.entries, e.executionID)
		t.stats.Active--
	}
	active := len(t.entries)
	obs := t.observer
	t.mu.Unlock()
	if obs != nil {
		obs.PendingChanged(active)
	}
}

func (t *Table) count(outcome string) {
	t.mu.Lock()
	switch outcome {
	case OutcomeResolved:
		t.stats.Resolved++
	case OutcomeUnknownID:
		t.stats.UnknownIDs++
	case OutcomeTimeout:
		t.stats.TimedOut++
	case OutcomeCancelled:
		t.stats.Cancelled++
	}
	obs := t.observer
	t.mu.Unlock()
	if obs != nil {
		obs.ExecutionSettled(outcome)
	}
}
