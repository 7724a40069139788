package observability

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsIsolatedRegistry(t *testing.T) {
	// Two registries must not collide on metric names.
	a := NewMetrics(prometheus.NewRegistry())
	b := NewMetrics(prometheus.NewRegistry())
	if a == nil || b == nil {
		t.Fatal("NewMetrics() returned nil")
	}
}

func TestTurnFinished(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.TurnFinished("completed", 200*time.Millisecond)
	m.TurnFinished("completed", time.Second)
	m.TurnFinished("failed", time.Second)

	expected := `
		# HELP agui_turns_total Total number of turns by final status
		# TYPE agui_turns_total counter
		agui_turns_total{status="completed"} 2
		agui_turns_total{status="failed"} 1
	`
	if err := testutil.CollectAndCompare(m.TurnCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
	if n := testutil.CollectAndCount(m.TurnDuration); n != 1 {
		t.Errorf("expected one histogram series, got %d", n)
	}
}

func TestToolExecuted(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.ToolExecuted("get_time_zone", "local", "completed", 5*time.Millisecond)
	m.ToolExecuted("get_weather", "remote", "failed", 30*time.Second)

	if got := testutil.ToFloat64(m.ToolExecutionCounter.WithLabelValues("get_weather", "remote", "failed")); got != 1 {
		t.Errorf("remote failed count = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.ToolExecutionDuration); n != 2 {
		t.Errorf("expected 2 duration series, got %d", n)
	}
}

func TestPendingObserver(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.PendingChanged(3)
	m.PendingChanged(1)
	m.ExecutionSettled("resolved")
	m.ExecutionSettled("unknown_id")
	m.ExecutionSettled("unknown_id")

	if got := testutil.ToFloat64(m.PendingExecutions); got != 1 {
		t.Errorf("pending gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.ToolResultCounter.WithLabelValues("unknown_id")); got != 2 {
		t.Errorf("unknown_id count = %v, want 2", got)
	}
}

func TestRecordLLMRequest(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordLLMRequest("openai", "gpt-4o", "success", time.Second, 100, 40)
	m.RecordLLMRequest("openai", "gpt-4o", "error", time.Second, 0, 0)

	expected := `
		# HELP agui_llm_tokens_total Total number of tokens used by provider, model, and type
		# TYPE agui_llm_tokens_total counter
		agui_llm_tokens_total{model="gpt-4o",provider="openai",type="completion"} 40
		agui_llm_tokens_total{model="gpt-4o",provider="openai",type="prompt"} 100
	`
	if err := testutil.CollectAndCompare(m.LLMTokensUsed, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected token metrics: %v", err)
	}
}

func TestHTTPAndGauges(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	m.RecordHTTPRequest("POST", "/chat", "200", 10*time.Millisecond)
	m.SetActiveConversations(7)
	m.EventEmitted("text-fragment")

	if got := testutil.ToFloat64(m.HTTPRequestCounter.WithLabelValues("POST", "/chat", "200")); got != 1 {
		t.Errorf("http count = %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveConversations); got != 7 {
		t.Errorf("active conversations = %v", got)
	}
	if got := testutil.ToFloat64(m.EventCounter.WithLabelValues("text-fragment")); got != 1 {
		t.Errorf("event count = %v", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.TurnFinished("completed", time.Second)
	m.ToolExecuted("x", "local", "completed", time.Second)
	m.EventEmitted("failure")
	m.RecordLLMRequest("p", "m", "success", time.Second, 1, 1)
	m.RecordHTTPRequest("GET", "/health", "200", time.Second)
	m.SetActiveConversations(1)
	m.PendingChanged(1)
	m.ExecutionSettled("timeout")
}

func TestConcurrentMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.EventEmitted("text-fragment")
			}
		}()
	}
	wg.Wait()
	if got := testutil.ToFloat64(m.EventCounter.WithLabelValues("text-fragment")); got != 400 {
		t.Errorf("event count = %v, want 400", got)
	}
}
