package pending

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/agui/pkg/models"
)

type recordingObserver struct {
	mu       sync.Mutex
	active   []int
	outcomes map[string]int
}

func (r *recordingObserver) PendingChanged(active int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = append(r.active, active)
}

func (r *recordingObserver) ExecutionSettled(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[string]int{}
	}
	r.outcomes[outcome]++
}

func weatherCall() models.ToolCall {
	return models.ToolCall{ID: "call_1", Name: "get_weather", Site: models.SiteRemote, Status: models.ToolPending}
}

func TestRegisterGeneratesUniqueIDs(t *testing.T) {
	table := NewTable(nil)
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := table.Register("conv", "turn-1", weatherCall())
		if id == "" || seen[id] {
			t.Fatalf("duplicate or empty execution id %q", id)
		}
		seen[id] = true
	}
	if table.Len() != 100 {
		t.Fatalf("Len() = %d, want 100", table.Len())
	}
}

func TestAwaitResolved(t *testing.T) {
	table := NewTable(nil)
	id := table.Register("conv", "turn-1", weatherCall())

	go func() {
		time.Sleep(10 * time.Millisecond)
		if err := table.Resolve(id, Result{Value: json.RawMessage(`"Rainy, 55°F"`)}); err != nil {
			t.Errorf("Resolve() error = %v", err)
		}
	}()

	res, err := table.Await(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if string(res.Value) != `"Rainy, 55°F"` || res.IsError() {
		t.Fatalf("unexpected result: %+v", res)
	}
	if table.Len() != 0 {
		t.Fatalf("entry not removed, Len() = %d", table.Len())
	}
}

func TestResolveBeforeAwait(t *testing.T) {
	table := NewTable(nil)
	id := table.Register("conv", "turn-1", weatherCall())
	if err := table.Resolve(id, Result{Error: "client exploded"}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	res, err := table.Await(context.Background(), id, time.Second)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if !res.IsError() || res.Error != "client exploded" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAwaitTimeoutThenLateResolve(t *testing.T) {
	table := NewTable(nil)
	id := table.Register("conv", "turn-1", weatherCall())

	start := time.Now()
	_, err := table.Await(context.Background(), id, 20*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Await() error = %v, want ErrTimeout", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("Await() did not honor the deadline")
	}
	if table.Len() != 0 {
		t.Fatalf("timed out entry not removed")
	}

	if err := table.Resolve(id, Result{Value: json.RawMessage(`1`)}); !errors.Is(err, ErrUnknownID) {
		t.Fatalf("late Resolve() error = %v, want ErrUnknownID", err)
	}
}

func TestResolveTwiceIsNoop(t *testing.T) {
	table := NewTable(nil)
	id := table.Register("conv", "turn-1", weatherCall())

	if err := table.Resolve(id, Result{Value: json.RawMessage(`"first"`)}); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if err := table.Resolve(id, Result{Value: json.RawMessage(`"second"`)}); !errors.Is(err, ErrUnknownID) {
		t.Fatalf("second Resolve() error = %v, want ErrUnknownID", err)
	}
	res, err := table.Await(context.Background(), id, time.Second)
	if err != nil || string(res.Value) != `"first"` {
		t.Fatalf("Await() = %+v, %v", res, err)
	}
}

func TestResolveUnknown(t *testing.T) {
	table := NewTable(nil)
	if err := table.Resolve("nope", Result{}); !errors.Is(err, ErrUnknownID) {
		t.Fatalf("Resolve() error = %v, want ErrUnknownID", err)
	}
	if table.Stats().UnknownIDs != 1 {
		t.Fatalf("UnknownIDs = %d", table.Stats().UnknownIDs)
	}
}

func TestCancelConversationUnblocksWaiters(t *testing.T) {
	table := NewTable(nil)
	a := table.Register("conv-a", "turn-1", weatherCall())
	b := table.Register("conv-a", "turn-2", weatherCall())
	other := table.Register("conv-b", "turn-3", weatherCall())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{a, b} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = table.Await(context.Background(), id, time.Minute)
		}(i, id)
	}

	time.Sleep(10 * time.Millisecond)
	start := time.Now()
	if n := table.CancelConversation("conv-a", "client disconnected"); n != 2 {
		t.Fatalf("CancelConversation() = %d, want 2", n)
	}
	wg.Wait()
	if time.Since(start) > time.Second {
		t.Fatal("cancellation did not unblock waiters promptly")
	}
	for _, err := range errs {
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("Await() error = %v, want ErrCancelled", err)
		}
	}
	if table.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 (other conversation untouched)", table.Len())
	}
	if !table.Cancel(other, "test") {
		t.Fatal("Cancel() on pending entry returned false")
	}
	if table.Cancel(other, "test") {
		t.Fatal("second Cancel() returned true")
	}
}

func TestCancelTurnLeavesSiblingTurns(t *testing.T) {
	table := NewTable(nil)
	mine := table.Register("conv", "turn-a", weatherCall())
	mine2 := table.Register("conv", "turn-a", weatherCall())
	sibling := table.Register("conv", "turn-b", weatherCall())

	done := make(chan error, 1)
	go func() {
		_, err := table.Await(context.Background(), mine, time.Minute)
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)

	if n := table.CancelTurn("turn-a", "client disconnected"); n != 2 {
		t.Fatalf("CancelTurn() = %d, want 2", n)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("Await() error = %v, want ErrCancelled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("CancelTurn did not unblock the waiter")
	}
	if table.Cancel(mine2, "again") {
		t.Fatal("second entry of the cancelled turn is still pending")
	}
	if err := table.Resolve(sibling, Result{Value: json.RawMessage(`"Clear, 70°F"`)}); err != nil {
		t.Fatalf("Resolve() on sibling turn = %v", err)
	}
	if n := table.CancelTurn("", "empty"); n != 0 {
		t.Fatalf("CancelTurn(\"\") = %d", n)
	}
}

func TestAwaitContextCancelled(t *testing.T) {
	table := NewTable(nil)
	id := table.Register("conv", "turn-1", weatherCall())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := table.Await(ctx, id, time.Minute)
	if !errors.Is(err, ErrCancelled) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Await() error = %v", err)
	}
	if table.Len() != 0 {
		t.Fatal("entry not removed after ctx cancel")
	}
}

func TestAwaitUnknown(t *testing.T) {
	table := NewTable(nil)
	if _, err := table.Await(context.Background(), "missing", time.Second); !errors.Is(err, ErrUnknownID) {
		t.Fatalf("Await() error = %v, want ErrUnknownID", err)
	}
}

func TestObserverReceivesOutcomes(t *testing.T) {
	obs := &recordingObserver{}
	table := NewTable(nil)
	table.SetObserver(obs)

	id := table.Register("conv", "turn-1", weatherCall())
	_ = table.Resolve(id, Result{Value: json.RawMessage(`1`)})
	_, _ = table.Await(context.Background(), id, time.Second)
	_ = table.Resolve(id, Result{})

	timeoutID := table.Register("conv", "turn-1", weatherCall())
	_, _ = table.Await(context.Background(), timeoutID, time.Millisecond)

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.outcomes[OutcomeResolved] != 1 || obs.outcomes[OutcomeUnknownID] != 1 || obs.outcomes[OutcomeTimeout] != 1 {
		t.Fatalf("unexpected outcomes: %v", obs.outcomes)
	}
	if last := obs.active[len(obs.active)-1]; last != 0 {
		t.Fatalf("last active = %d, want 0", last)
	}
}

func TestConcurrentResolveAndTimeout(t *testing.T) {
	table := NewTable(nil)
	for i := 0; i < 200; i++ {
		id := table.Register("conv", "turn-1", weatherCall())
		go func() { _ = table.Resolve(id, Result{Value: json.RawMessage(`1`)}) }()
		res, err := table.Await(context.Background(), id, time.Millisecond)
		if err != nil && !errors.Is(err, ErrTimeout) {
			t.Fatalf("Await() error = %v", err)
		}
		if err == nil && string(res.Value) != "1" {
			t.Fatalf("unexpected result %+v", res)
		}
	}
	if table.Len() != 0 {
		t.Fatalf("Len() = %d after all awaits", table.Len())
	}
}
