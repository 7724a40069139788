// Package remote is the client side of the agui protocol. It submits chat
// turns, consumes the event stream, executes delegated tools locally and
// posts their results back to the server.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/agui/pkg/models"
)

// DefaultServerURL is used when no server URL is configured.
const DefaultServerURL = "http://127.0.0.1:5100/"

// ErrTurnFailed is returned by Chat when the server ends the turn with a
// failure event.
var ErrTurnFailed = errors.New("turn failed")

// ClientConfig configures the remote client.
type ClientConfig struct {
	// ServerURL is the base URL of the agui server.
	ServerURL string

	// HTTPClient defaults to a client without an overall timeout, since
	// event streams are long-lived.
	HTTPClient *http.Client

	// ToolTimeout bounds each local tool execution (default 30s).
	ToolTimeout time.Duration

	// MaxConcurrentExecutions limits parallel tool executions (default 4).
	MaxConcurrentExecutions int

	// PostAttempts is how many times a tool result is sent before giving up
	// (default 3). RetryDelay is the linear backoff step (default 200ms).
	PostAttempts int
	RetryDelay   time.Duration
}

// ToolRequest is one delegated execution announced by the server.
type ToolRequest struct {
	ExecutionID    string
	ToolCallID     string
	ToolName       string
	Arguments      json.RawMessage
	ConversationID string
}

// ToolHandler executes a client-side tool. The returned value is sent as
// the JSON result.
type ToolHandler func(ctx context.Context, req *ToolRequest) (any, error)

// TurnResult is the outcome of one Chat call.
type TurnResult struct {
	ConversationID string
	Text           string
	Events         []models.ProtocolEvent

	// Failure is the terminal failure event, if the turn failed.
	Failure *models.ProtocolEvent
}

// APIError is a non-2xx response from the server.
type APIError struct {
	Status    int
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

func (e *APIError) Error() string {
	if e.ErrorKind == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s: %s", e.Status, e.ErrorKind, e.Message)
}

// Client talks to one agui server. It is safe for concurrent use, though a
// conversation should only have one Chat in flight.
type Client struct {
	config ClientConfig
	base   *url.URL
	http   *http.Client
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]ToolHandler
	reported map[string]bool

	// OnEvent, if set, observes every event in arrival order.
	OnEvent func(models.ProtocolEvent)

	// OnText, if set, receives text fragments as they arrive.
	OnText func(string)
}

// NewClient creates a client.
func NewClient(config ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(config.ServerURL) == "" {
		config.ServerURL = DefaultServerURL
	}
	base, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid server url %q: scheme must be http or https", config.ServerURL)
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if config.ToolTimeout <= 0 {
		config.ToolTimeout = 30 * time.Second
	}
	if config.MaxConcurrentExecutions <= 0 {
		config.MaxConcurrentExecutions = 4
	}
	if config.PostAttempts <= 0 {
		config.PostAttempts = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 200 * time.Millisecond
	}

	return &Client{
		config:   config,
		base:     base,
		http:     config.HTTPClient,
		logger:   logger.With("component", "remote"),
		handlers: make(map[string]ToolHandler),
		reported: make(map[string]bool),
	}, nil
}

// RegisterTool registers a handler for a client-side tool.
func (c *Client) RegisterTool(name string, handler ToolHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[name] = handler
}

// Tools returns the registered tool names.
func (c *Client) Tools() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.handlers))
	for name := range c.handlers {
		names = append(names, name)
	}
	return names
}

// Chat submits message and consumes the resulting event stream. An empty
// conversationID starts a new conversation; its id is captured from the
// first event. Delegated tools run concurrently with the stream and Chat
// returns once the stream ends and every execution has reported.
func (c *Client) Chat(ctx context.Context, message, conversationID string) (*TurnResult, error) {
	payload := map[string]any{"message": message, "stream": true, "conversation_id": nil}
	if conversationID != "" {
		payload["conversation_id"] = conversationID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("chat"), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()
	var (
		wg   sync.WaitGroup
		sem  = make(chan struct{}, c.config.MaxConcurrentExecutions)
		text strings.Builder
	)
	result := &TurnResult{ConversationID: conversationID}

	streamErr := ParseSSEStream(resp.Body, func(eventType, data string) error {
		var e models.ProtocolEvent
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return fmt.Errorf("decode %s event: %w", eventType, err)
		}
		result.Events = append(result.Events, e)
		if result.ConversationID == "" {
			result.ConversationID = e.ConversationID
		}
		if c.OnEvent != nil {
			c.OnEvent(e)
		}

		switch e.Event {
		case models.EventTextFragment:
			text.WriteString(e.Delta)
			if c.OnText != nil {
				c.OnText(e.Delta)
			}
		case models.EventRemoteToolRequested:
			if !c.claim(e.ExecutionID) {
				c.logger.Debug("ignoring duplicate tool request", "execution_id", e.ExecutionID)
				return nil
			}
			tr := &ToolRequest{
				ExecutionID:    e.ExecutionID,
				ToolCallID:     e.ToolCallID,
				ToolName:       e.ToolName,
				Arguments:      e.Arguments,
				ConversationID: e.ConversationID,
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				select {
				case sem <- struct{}{}:
				case <-execCtx.Done():
					return
				}
				defer func() { <-sem }()
				c.execute(execCtx, tr)
			}()
		case models.EventFailure:
			failure := e
			result.Failure = &failure
		}
		return nil
	})

	// Once the stream is over the turn is settled; anything still running
	// would only produce a late result.
	cancelExec()
	wg.Wait()
	result.Text = text.String()

	if streamErr != nil && ctx.Err() == nil {
		return result, fmt.Errorf("read event stream: %w", streamErr)
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if result.Failure != nil {
		return result, fmt.Errorf("%w: %s: %s", ErrTurnFailed, result.Failure.ErrorKind, result.Failure.Message)
	}
	return result, nil
}

// claim marks an execution as handled and reports whether it was new.
func (c *Client) claim(execID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if execID == "" || c.reported[execID] {
		return false
	}
	c.reported[execID] = true
	return true
}

func (c *Client) execute(ctx context.Context, req *ToolRequest) {
	start := time.Now()
	c.mu.RLock()
	handler, ok := c.handlers[req.ToolName]
	c.mu.RUnlock()

	var (
		value any
		err   error
	)
	if !ok {
		err = fmt.Errorf("tool not found: %s", req.ToolName)
	} else {
		value, err = c.runHandler(ctx, handler, req)
	}

	logger := c.logger.With("execution_id", req.ExecutionID, "tool", req.ToolName, "duration", time.Since(start))
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
		logger.Warn("client tool failed", "error", err)
	} else {
		logger.Debug("client tool completed")
	}

	// Reporting outlives the turn context so a result computed just before
	// the stream closed still reaches the server.
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := c.ReportResult(postCtx, req.ExecutionID, value, errMsg); err != nil {
		logger.Error("failed to send tool result", "error", err)
	}
}

func (c *Client) runHandler(ctx context.Context, handler ToolHandler, req *ToolRequest) (value any, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.ToolTimeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		v, err := handler(ctx, req)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		return out.value, out.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("tool timed out after %s", c.config.ToolTimeout)
		}
		return nil, ctx.Err()
	}
}

// ReportResult posts one execution outcome. A non-empty errMsg reports a
// failure; otherwise value is sent as the result. Transport errors and 5xx
// responses are retried with linear backoff.
func (c *Client) ReportResult(ctx context.Context, execID string, value any, errMsg string) error {
	payload := map[string]any{"execution_id": execID}
	if errMsg != "" {
		payload["error"] = errMsg
	} else {
		if value == nil {
			value = ""
		}
		raw, err := json.Marshal(value)
		if err != nil {
			payload["error"] = fmt.Sprintf("unencodable result: %v", err)
		} else {
			payload["result"] = json.RawMessage(raw)
		}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= c.config.PostAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt-1) * c.config.RetryDelay):
			}
		}
		retry, err := c.postOnce(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry {
			return err
		}
		c.logger.Debug("retrying tool result", "execution_id", execID, "attempt", attempt, "error", err)
	}
	return fmt.Errorf("after %d attempts: %w", c.config.PostAttempts, lastErr)
}

func (c *Client) postOnce(ctx context.Context, body []byte) (retry bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint("tool_result"), bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	}
	return resp.StatusCode >= 500, decodeAPIError(resp)
}

// Threads lists the server's conversations.
func (c *Client) Threads(ctx context.Context) ([]models.ConversationSummary, error) {
	var out []models.ConversationSummary
	if err := c.getJSON(ctx, "threads", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Thread fetches one conversation.
func (c *Client) Thread(ctx context.Context, id string) (*models.Conversation, error) {
	var out models.Conversation
	if err := c.getJSON(ctx, "threads/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeAPIError(resp)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *Client) endpoint(path string) string {
	return c.base.JoinPath(path).String()
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(data, apiErr)
	return apiErr
}
