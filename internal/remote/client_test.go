package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/haasonsaas/agui/internal/agent"
	"github.com/haasonsaas/agui/internal/agent/providers"
	"github.com/haasonsaas/agui/internal/config"
	"github.com/haasonsaas/agui/internal/conversations"
	"github.com/haasonsaas/agui/internal/gateway"
	"github.com/haasonsaas/agui/internal/pending"
	"github.com/haasonsaas/agui/internal/tools"
	"github.com/haasonsaas/agui/pkg/models"
)

func TestParseSSEStream(t *testing.T) {
	input := ": ping\n\n" +
		"event: text-fragment\ndata: {\"a\":1}\n\n" +
		"id: 7\nretry: 10\ndata: line1\ndata: line2\n\n" +
		"event: empty\n\n" +
		"data:trailing"

	type got struct{ typ, data string }
	var events []got
	err := ParseSSEStream(strings.NewReader(input), func(typ, data string) error {
		events = append(events, got{typ, data})
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []got{
		{"text-fragment", `{"a":1}`},
		{"", "line1\nline2"},
		{"", "trailing"},
	}
	if fmt.Sprint(events) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", events, want)
	}

	stop := errors.New("stop")
	if err := ParseSSEStream(strings.NewReader("data: x\n\ndata: y\n\n"), func(string, string) error { return stop }); !errors.Is(err, stop) {
		t.Fatalf("handler error = %v", err)
	}
}

func TestNewClientValidatesURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{ServerURL: "ftp://x"}, nil); err == nil {
		t.Error("expected scheme error")
	}
	c, err := NewClient(ClientConfig{}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := c.endpoint("chat"); got != "http://127.0.0.1:5100/chat" {
		t.Errorf("endpoint = %q", got)
	}
}

// fakeServer streams scripted frames and records tool results.
type fakeServer struct {
	frames []string

	mu      sync.Mutex
	results []map[string]any
	fail    int32
}

func (f *fakeServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /chat", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range f.frames {
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
		// Wait for the results so the stream ends after reporting, as the
		// real server does.
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			f.mu.Lock()
			n := len(f.results)
			f.mu.Unlock()
			if n > 0 {
				break
			}
			time.Sleep(5 * time.Millisecond)
		}
	})
	mux.HandleFunc("POST /tool_result", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&f.fail, -1) >= 0 {
			http.Error(w, `{"error_kind":"internal","message":"try again"}`, http.StatusServiceUnavailable)
			return
		}
		var body map[string]any
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
		f.mu.Lock()
		f.results = append(f.results, body)
		f.mu.Unlock()
		fmt.Fprint(w, `{"status":"accepted"}`)
	})
	return mux
}

func frame(e models.ProtocolEvent) string {
	data, _ := json.Marshal(e)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", e.Event, data)
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(ClientConfig{ServerURL: url, RetryDelay: time.Millisecond, ToolTimeout: 200 * time.Millisecond}, nil)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestChatRunsToolOnceAndRetriesPost(t *testing.T) {
	req := models.ProtocolEvent{
		Event:          models.EventRemoteToolRequested,
		ConversationID: "conv-1",
		ToolCallID:     "call_1",
		ToolName:       tools.WeatherTool,
		ExecutionID:    "exec-1",
		Arguments:      json.RawMessage(`{"location":"Seattle"}`),
	}
	fake := &fakeServer{
		fail: 2,
		frames: []string{
			frame(models.ProtocolEvent{Event: models.EventTextFragment, ConversationID: "conv-1", Delta: "Checking. "}),
			frame(req),
			frame(req),
			": ping\n\n",
		},
	}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	var calls int32
	c.RegisterTool(tools.WeatherTool, func(ctx context.Context, r *ToolRequest) (any, error) {
		atomic.AddInt32(&calls, 1)
		return WeatherHandler(ctx, r)
	})
	var texts []string
	c.OnText = func(s string) { texts = append(texts, s) }

	result, err := c.Chat(context.Background(), "weather?", "")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if result.ConversationID != "conv-1" || result.Text != "Checking. " || len(texts) != 1 {
		t.Errorf("result = %+v texts=%v", result, texts)
	}
	if calls != 1 {
		t.Errorf("handler ran %d times, want 1", calls)
	}
	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.results) != 1 || fake.results[0]["result"] != "Rainy, 55°F" || fake.results[0]["execution_id"] != "exec-1" {
		t.Fatalf("results = %v", fake.results)
	}
}

func TestChatReportsHandlerFailures(t *testing.T) {
	tests := []struct {
		name    string
		tool    string
		handler ToolHandler
		want    string
	}{
		{"unknown tool", "mystery", nil, "tool not found: mystery"},
		{"handler error", "flaky", func(context.Context, *ToolRequest) (any, error) { return nil, errors.New("no signal") }, "no signal"},
		{"panic", "boom", func(context.Context, *ToolRequest) (any, error) { panic("kaboom") }, "tool panicked: kaboom"},
		{"timeout", "slow", func(ctx context.Context, _ *ToolRequest) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, "tool timed out after 200ms"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeServer{frames: []string{frame(models.ProtocolEvent{
				Event:          models.EventRemoteToolRequested,
				ConversationID: "c",
				ToolName:       tt.tool,
				ExecutionID:    "exec-" + tt.tool,
				Arguments:      json.RawMessage(`{}`),
			})}}
			srv := httptest.NewServer(fake.handler(t))
			defer srv.Close()

			c := newTestClient(t, srv.URL)
			if tt.handler != nil {
				c.RegisterTool(tt.tool, tt.handler)
			}
			if _, err := c.Chat(context.Background(), "go", "c"); err != nil {
				t.Fatalf("Chat() error = %v", err)
			}
			fake.mu.Lock()
			defer fake.mu.Unlock()
			if len(fake.results) != 1 || fake.results[0]["error"] != tt.want {
				t.Fatalf("results = %v", fake.results)
			}
			if _, ok := fake.results[0]["result"]; ok {
				t.Error("failure also carried a result")
			}
		})
	}
}

func TestChatSurfacesFailureEvent(t *testing.T) {
	no := false
	fake := &fakeServer{frames: []string{frame(models.ProtocolEvent{
		Event:          models.EventFailure,
		ConversationID: "c",
		ErrorKind:      "collaborator_unavailable",
		Message:        "language model unavailable",
		Recoverable:    &no,
	})}}
	fake.results = []map[string]any{{}}
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	result, err := newTestClient(t, srv.URL).Chat(context.Background(), "hi", "c")
	if !errors.Is(err, ErrTurnFailed) || result.Failure == nil || result.Failure.ErrorKind != "collaborator_unavailable" {
		t.Fatalf("Chat() = %+v, %v", result, err)
	}
}

func TestAPIErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/tool_result":
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error_kind":"validation","message":"exactly one of result or error must be set"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error_kind":"not_found","message":"conversation not found"}`)
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv.URL)

	_, err := c.Chat(context.Background(), "hi", "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound || apiErr.ErrorKind != "not_found" {
		t.Fatalf("Chat() error = %v", err)
	}
	if _, err := c.Thread(context.Background(), "missing"); !errors.As(err, &apiErr) {
		t.Fatalf("Thread() error = %v", err)
	}
	// 4xx is not retried.
	if err := c.ReportResult(context.Background(), "x", 1, ""); !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("ReportResult() error = %v", err)
	}
}

func TestEndToEndHybridTools(t *testing.T) {
	store := conversations.NewMemoryStore(conversations.DefaultLimits())
	table := pending.NewTable(nil)
	registry, err := tools.BuildDefault(2*time.Second, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	engine := agent.NewEngine(providers.NewScriptedProvider(providers.ScriptedConfig{}), store, registry, table, agent.DefaultEngineConfig())
	server, err := gateway.NewServer(gateway.Options{Engine: engine, Store: store, Pending: table, Config: config.ServerConfig{}})
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(server.Handler())
	defer srv.Close()

	c := newTestClient(t, srv.URL+"/")
	c.RegisterBuiltins()
	if got := c.Tools(); len(got) != 1 || got[0] != tools.WeatherTool {
		t.Fatalf("Tools() = %v", got)
	}

	first, err := c.Chat(context.Background(), "What's the weather and time zone in Tokyo?", "")
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	want := "get_time_zone returned Japan Standard Time (UTC+9). get_weather returned Clear, 70°F."
	if first.Text != want {
		t.Errorf("text = %q\nwant %q", first.Text, want)
	}

	second, err := c.Chat(context.Background(), "Hello", first.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if second.ConversationID != first.ConversationID {
		t.Errorf("conversation changed: %s -> %s", first.ConversationID, second.ConversationID)
	}

	threads, err := c.Threads(context.Background())
	if err != nil || len(threads) != 1 {
		t.Fatalf("Threads() = %v, %v", threads, err)
	}
	conv, err := c.Thread(context.Background(), first.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	roles := make([]string, len(conv.Messages))
	for i, m := range conv.Messages {
		roles[i] = string(m.Role)
	}
	if got := strings.Join(roles, ","); got != "user,tool,tool,assistant,user,assistant" {
		t.Errorf("roles = %s", got)
	}
}
