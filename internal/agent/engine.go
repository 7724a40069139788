package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/haasonsaas/agui/internal/conversations"
	"github.com/haasonsaas/agui/internal/observability"
	"github.com/haasonsaas/agui/internal/pending"
	"github.com/haasonsaas/agui/internal/tools"
	"github.com/haasonsaas/agui/pkg/models"
)

// DefaultSystemPrompt is used when no prompt is configured.
const DefaultSystemPrompt = "You are a helpful AI assistant. " +
	"Use get_time_zone for time zone information about locations, " +
	"get_weather for current weather, and calculator for arithmetic."

// fallbackResponse replaces a generation that produced no text at all.
const fallbackResponse = "I apologize, but I cannot provide a response at this time."

// EngineConfig configures the turn engine.
type EngineConfig struct {
	Model        string
	SystemPrompt string

	// MaxIterations bounds generation passes per turn.
	MaxIterations int

	// MaxMessageLength bounds the user message in bytes.
	MaxMessageLength int

	MaxTokens   int
	Temperature float64

	// AllowClientIDs lets a turn start a new conversation under an unknown
	// client-supplied id instead of failing with not_found.
	AllowClientIDs bool
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		SystemPrompt:     DefaultSystemPrompt,
		MaxIterations:    8,
		MaxMessageLength: 32 << 10,
		MaxTokens:        1000,
		Temperature:      0.7,
	}
}

// Engine runs turns: it drives the LLM, dispatches tool calls locally or to
// the client, and commits finished turns to the conversation store.
//
// An Engine is safe for concurrent use. Turns on different conversations
// share nothing but the store and the pending table.
type Engine struct {
	provider LLMProvider
	store    conversations.Store
	tools    *tools.Registry
	pending  *pending.Table
	config   EngineConfig

	logger  *slog.Logger
	metrics *observability.Metrics
	tracer  *observability.Tracer
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observability.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer sets the tracer.
func WithTracer(t *observability.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine creates an engine. Zero config fields take their defaults.
func NewEngine(provider LLMProvider, store conversations.Store, registry *tools.Registry, table *pending.Table, config EngineConfig, opts ...Option) *Engine {
	defaults := DefaultEngineConfig()
	if config.SystemPrompt == "" {
		config.SystemPrompt = defaults.SystemPrompt
	}
	if config.MaxIterations <= 0 {
		config.MaxIterations = defaults.MaxIterations
	}
	if config.MaxMessageLength <= 0 {
		config.MaxMessageLength = defaults.MaxMessageLength
	}
	if config.MaxTokens <= 0 {
		config.MaxTokens = defaults.MaxTokens
	}
	if table == nil {
		table = pending.NewTable(nil)
	}
	e := &Engine{
		provider: provider,
		store:    store,
		tools:    registry,
		pending:  table,
		config:   config,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() EngineConfig {
	return e.config
}

// TurnRequest is one user message submitted to a conversation. An empty
// ConversationID starts a new conversation.
type TurnRequest struct {
	ConversationID string
	Message        string
}

// TurnResult describes a completed turn.
type TurnResult struct {
	ConversationID string
	Message        models.Message
	Iterations     int
	Events         int
}

// RunTurn begins and runs a turn in one call.
func (e *Engine) RunTurn(ctx context.Context, req TurnRequest, sink EventSink) (*TurnResult, error) {
	turn, err := e.Begin(ctx, req)
	if err != nil {
		return nil, err
	}
	return turn.Run(ctx, sink)
}

// Begin performs the fetching step: it validates the request and resolves
// the conversation. Errors returned here precede any event, so transports
// can still answer with a plain error response.
func (e *Engine) Begin(ctx context.Context, req TurnRequest) (*Turn, error) {
	if strings.TrimSpace(req.Message) == "" {
		e.metrics.TurnFinished("rejected", 0)
		return nil, ValidationError("message cannot be empty")
	}
	if len(req.Message) > e.config.MaxMessageLength {
		e.metrics.TurnFinished("rejected", 0)
		return nil, ValidationError("message exceeds maximum length of %d bytes", e.config.MaxMessageLength)
	}
	if e.provider == nil {
		return nil, ClassifyError(ErrNoProvider)
	}

	conv, err := e.resolveConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, ClassifyError(err)
	}

	t := &Turn{
		engine:         e,
		id:             uuid.NewString(),
		conversationID: conv.ID,
		history:        conv.Messages,
		user: models.Message{
			ID:        uuid.NewString(),
			Role:      models.RoleUser,
			Content:   req.Message,
			Timestamp: e.now().UTC(),
		},
	}
	t.setState(StateFetching)
	return t, nil
}

func (e *Engine) resolveConversation(ctx context.Context, id string) (*models.Conversation, error) {
	if id == "" {
		newID, err := e.store.Create(ctx)
		if err != nil {
			return nil, err
		}
		return e.store.Get(ctx, newID)
	}
	conv, err := e.store.Get(ctx, id)
	if err == nil || !errors.Is(err, conversations.ErrNotFound) || !e.config.AllowClientIDs {
		return conv, err
	}
	if _, err := e.store.Create(ctx, conversations.WithID(id)); err != nil && !errors.Is(err, conversations.ErrExists) {
		return nil, err
	}
	return e.store.Get(ctx, id)
}

// Turn is one user message being processed. It is created by Begin and
// consumed by a single call to Run.
type Turn struct {
	engine         *Engine
	id             string
	conversationID string
	history        []models.Message
	user           models.Message

	mu    sync.Mutex
	state TurnState

	localInFlight  atomic.Int32
	remoteInFlight atomic.Int32
}

// ID identifies this turn. Remote executions the turn delegates are
// registered under it.
func (t *Turn) ID() string {
	return t.id
}

// ConversationID returns the resolved conversation id.
func (t *Turn) ConversationID() string {
	return t.conversationID
}

// State returns the current state. While tools are outstanding it reports
// AwaitingRemoteTool if any remote call is pending, else AwaitingLocalTool.
func (t *Turn) State() TurnState {
	t.mu.Lock()
	state := t.state
	t.mu.Unlock()
	if state != StateGenerating {
		return state
	}
	if t.remoteInFlight.Load() > 0 {
		return StateAwaitingRemoteTool
	}
	if t.localInFlight.Load() > 0 {
		return StateAwaitingLocalTool
	}
	return state
}

func (t *Turn) setState(s TurnState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return
	}
	t.state = s
}

// Run drives the turn to Done or Failed, emitting events to sink. On
// failure a single non-recoverable failure event is emitted best-effort and
// nothing from this turn is committed.
func (t *Turn) Run(ctx context.Context, sink EventSink) (*TurnResult, error) {
	e := t.engine
	start := e.now()
	ctx = observability.AddConversationID(ctx, t.conversationID)
	ctx, span := e.tracer.TraceTurn(ctx, t.conversationID)
	defer span.End()

	emitter := NewEventEmitter(t.conversationID, sink, e.metrics)
	result, err := t.run(ctx, emitter)
	if err != nil {
		failure := *ClassifyError(err)
		failure.Recoverable = false
		t.setState(StateFailed)
		emitter.Failure(context.WithoutCancel(ctx), &failure)
		e.tracer.RecordError(span, err)
		e.metrics.TurnFinished("failed", e.now().Sub(start))
		e.logger.WarnContext(ctx, "turn failed",
			"error_kind", failure.Kind,
			"error", err,
			"duration", e.now().Sub(start),
		)
		return nil, &failure
	}

	result.Events = emitter.Count()
	e.metrics.TurnFinished("completed", e.now().Sub(start))
	e.logger.InfoContext(ctx, "turn completed",
		"iterations", result.Iterations,
		"tool_calls", len(result.Message.ToolCalls),
		"events", result.Events,
		"duration", e.now().Sub(start),
	)
	return result, nil
}

type passResult struct {
	text         string
	calls        []ToolInvocation
	inputTokens  int
	outputTokens int
}

func (t *Turn) run(ctx context.Context, emitter *EventEmitter) (*TurnResult, error) {
	e := t.engine
	start := e.now()

	messages, system := buildHistory(t.history)
	messages = append(messages, CompletionMessage{Role: string(models.RoleUser), Content: t.user.Content})
	if system != "" {
		system = e.config.SystemPrompt + "\n\n" + system
	} else {
		system = e.config.SystemPrompt
	}

	var (
		text         strings.Builder
		records      []models.ToolCall
		toolMessages []models.Message
		outputTokens int
		iterations   int
	)
	for {
		if iterations >= e.config.MaxIterations {
			return nil, fmt.Errorf("%w: %d passes", ErrMaxIterations, iterations)
		}
		iterations++
		t.setState(StateGenerating)

		pass, err := t.generate(ctx, emitter, system, messages, iterations)
		if err != nil {
			return nil, err
		}
		text.WriteString(pass.text)
		outputTokens += pass.outputTokens
		if len(pass.calls) == 0 {
			break
		}

		calls, err := t.dispatch(ctx, emitter, pass.calls)
		if err != nil {
			return nil, err
		}

		outputs := make([]ToolOutput, len(calls))
		for i, call := range calls {
			outputs[i] = ToolOutput{ToolCallID: call.ID, Content: call.Output(), IsError: call.Status == models.ToolFailed}
			toolMessages = append(toolMessages, models.Message{
				ID:        uuid.NewString(),
				Role:      models.RoleTool,
				Content:   call.Output(),
				Timestamp: e.now().UTC(),
				ToolCalls: []models.ToolCall{call},
			})
		}
		messages = append(messages,
			CompletionMessage{Role: string(models.RoleAssistant), Content: pass.text, ToolCalls: pass.calls},
			CompletionMessage{Role: string(models.RoleTool), ToolResults: outputs},
		)
		records = append(records, calls...)
	}

	t.setState(StateCompleting)
	content := text.String()
	if strings.TrimSpace(content) == "" {
		content = fallbackResponse
		emitter.TextFragment(ctx, content)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	assistant := models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   content,
		Timestamp: e.now().UTC(),
		ToolCalls: records,
		Metadata: &models.MessageMetadata{
			TokenCount:         outputTokens,
			GenerationDuration: e.now().Sub(start),
		},
	}
	batch := make([]models.Message, 0, len(toolMessages)+2)
	batch = append(batch, t.user)
	batch = append(batch, toolMessages...)
	batch = append(batch, assistant)
	if err := e.store.Append(ctx, t.conversationID, batch...); err != nil {
		return nil, err
	}

	t.setState(StateDone)
	emitter.TurnComplete(ctx, assistant.ID)
	return &TurnResult{
		ConversationID: t.conversationID,
		Message:        assistant,
		Iterations:     iterations,
	}, nil
}

// generate runs one generation pass, streaming text as it arrives.
func (t *Turn) generate(ctx context.Context, emitter *EventEmitter, system string, messages []CompletionMessage, iteration int) (*passResult, error) {
	e := t.engine
	req := &CompletionRequest{
		Model:       e.config.Model,
		System:      system,
		Messages:    messages,
		Tools:       e.tools.Definitions(),
		MaxTokens:   e.config.MaxTokens,
		Temperature: e.config.Temperature,
	}

	ctx, span := e.tracer.TraceLLMRequest(ctx, e.provider.Name(), e.config.Model, iteration)
	defer span.End()
	start := e.now()

	fail := func(err error) (*passResult, error) {
		e.tracer.RecordError(span, err)
		e.metrics.RecordLLMRequest(e.provider.Name(), e.config.Model, "error", e.now().Sub(start), 0, 0)
		return nil, err
	}

	chunks, err := e.provider.Complete(ctx, req)
	if err != nil {
		return fail(err)
	}

	pass := &passResult{}
	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			return fail(ctx.Err())
		case chunk, ok := <-chunks:
			if !ok {
				pass.text = text.String()
				e.metrics.RecordLLMRequest(e.provider.Name(), e.config.Model, "success", e.now().Sub(start), pass.inputTokens, pass.outputTokens)
				return pass, nil
			}
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				return fail(chunk.Error)
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				emitter.TextFragment(ctx, chunk.Text)
			}
			if chunk.ToolCall != nil {
				inv := *chunk.ToolCall
				if inv.ID == "" {
					inv.ID = "call_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
				}
				if len(inv.Input) == 0 {
					inv.Input = json.RawMessage("{}")
				}
				pass.calls = append(pass.calls, inv)
			}
			if chunk.InputTokens > 0 {
				pass.inputTokens = chunk.InputTokens
			}
			if chunk.OutputTokens > 0 {
				pass.outputTokens = chunk.OutputTokens
			}
		}
	}
}

// toolJob is a call that passed resolution and validation and is now
// executing.
type toolJob struct {
	index int
	desc  tools.Descriptor
	start time.Time
}

// dispatch resolves, validates and announces every call in generation
// order, then runs the admitted ones concurrently. The returned calls are in
// generation order and all terminal. A non-nil error is fatal for the turn.
func (t *Turn) dispatch(ctx context.Context, emitter *EventEmitter, invocations []ToolInvocation) ([]models.ToolCall, error) {
	e := t.engine
	calls := make([]models.ToolCall, len(invocations))
	var jobs []toolJob

	for i, inv := range invocations {
		call := models.ToolCall{ID: inv.ID, Name: inv.Name, Arguments: inv.Input, Status: models.ToolPending}

		desc, ok := e.tools.Resolve(inv.Name)
		if !ok {
			call.Fail("unknown tool: "+inv.Name, 0)
			emitter.ToolStarted(ctx, call)
			emitter.ToolFinished(ctx, call, KindUnknownTool)
			e.metrics.ToolExecuted(inv.Name, "unknown", "failed", 0)
			e.logger.WarnContext(ctx, "unknown tool requested", "tool", inv.Name, "tool_call_id", inv.ID)
			calls[i] = call
			continue
		}
		call.Site = desc.Site

		if err := desc.Validate(inv.Input); err != nil {
			call.Fail(err.Error(), 0)
			emitter.ToolStarted(ctx, call)
			emitter.ToolFinished(ctx, call, KindToolError)
			e.metrics.ToolExecuted(desc.Name, string(desc.Site), "failed", 0)
			calls[i] = call
			continue
		}

		call.Start()
		switch desc.Site {
		case models.SiteRemote:
			call.ExecutionID = e.pending.Register(t.conversationID, t.id, call)
			t.remoteInFlight.Add(1)
			emitter.RemoteToolRequested(ctx, call)
		default:
			t.localInFlight.Add(1)
			emitter.ToolStarted(ctx, call)
		}
		calls[i] = call
		jobs = append(jobs, toolJob{index: i, desc: desc, start: e.now()})
	}

	errs := make([]error, len(jobs))
	var wg sync.WaitGroup
	for j, job := range jobs {
		wg.Add(1)
		go func(j int, job toolJob) {
			defer wg.Done()
			if job.desc.Site == models.SiteRemote {
				defer t.remoteInFlight.Add(-1)
				errs[j] = t.awaitRemote(ctx, emitter, &calls[job.index], job)
				return
			}
			defer t.localInFlight.Add(-1)
			errs[j] = t.runLocal(ctx, emitter, &calls[job.index], job)
		}(j, job)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return calls, nil
}

func (t *Turn) runLocal(ctx context.Context, emitter *EventEmitter, call *models.ToolCall, job toolJob) error {
	e := t.engine
	toolCtx := observability.AddToolCallID(ctx, call.ID)
	toolCtx, span := e.tracer.TraceToolExecution(toolCtx, call.Name, string(models.SiteLocal))
	defer span.End()

	value, err := executeLocal(toolCtx, job.desc, call.Arguments, e.logger)
	elapsed := e.now().Sub(job.start)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}

	kind := ErrorKind("")
	if err != nil {
		kind = toolFailureKind(err)
		call.Fail(err.Error(), elapsed)
		e.tracer.RecordError(span, err)
	} else {
		if !json.Valid(value) {
			value, _ = json.Marshal(string(value))
		}
		call.Complete(value, elapsed)
	}
	e.metrics.ToolExecuted(call.Name, string(models.SiteLocal), string(call.Status), elapsed)
	emitter.ToolFinished(ctx, *call, kind)
	return nil
}

func (t *Turn) awaitRemote(ctx context.Context, emitter *EventEmitter, call *models.ToolCall, job toolJob) error {
	e := t.engine
	toolCtx, span := e.tracer.TraceToolExecution(ctx, call.Name, string(models.SiteRemote))
	defer span.End()
	e.tracer.SetAttributes(span, "tool.execution_id", call.ExecutionID)

	res, err := e.pending.Await(toolCtx, call.ExecutionID, job.desc.Timeout)
	elapsed := e.now().Sub(job.start)

	kind := ErrorKind("")
	switch {
	case err == nil && res.IsError():
		kind = KindToolError
		call.Fail(res.Error, elapsed)
	case err == nil:
		value := res.Value
		if len(value) > 0 && !json.Valid(value) {
			value, _ = json.Marshal(string(value))
		}
		call.Complete(value, elapsed)
	case errors.Is(err, pending.ErrTimeout):
		kind = KindToolTimeout
		call.Fail(fmt.Sprintf("remote tool execution timed out after %v", job.desc.Timeout), elapsed)
		e.logger.WarnContext(ctx, "remote tool timed out",
			"tool", call.Name,
			"execution_id", call.ExecutionID,
			"timeout", job.desc.Timeout,
		)
	default:
		// Cancelled or disconnected: no acknowledgement, the turn fails.
		e.tracer.RecordError(span, err)
		e.metrics.ToolExecuted(call.Name, string(models.SiteRemote), "cancelled", elapsed)
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}

	if kind != "" {
		e.tracer.RecordError(span, errors.New(call.Error))
	}
	e.metrics.ToolExecuted(call.Name, string(models.SiteRemote), string(call.Status), elapsed)
	emitter.RemoteToolAcknowledged(ctx, *call, kind)
	return nil
}

// buildHistory converts stored messages into provider messages. Stored
// system messages are returned separately for the system prompt. Stored
// tool-result messages are skipped; each assistant message's ToolCall
// records are expanded into a call/result pair instead.
func buildHistory(stored []models.Message) ([]CompletionMessage, string) {
	var (
		out    []CompletionMessage
		system []string
	)
	for _, m := range stored {
		switch m.Role {
		case models.RoleSystem:
			system = append(system, m.Content)
		case models.RoleUser:
			out = append(out, CompletionMessage{Role: string(models.RoleUser), Content: m.Content})
		case models.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				invs := make([]ToolInvocation, len(m.ToolCalls))
				outs := make([]ToolOutput, len(m.ToolCalls))
				for i, tc := range m.ToolCalls {
					args := tc.Arguments
					if len(args) == 0 {
						args = json.RawMessage("{}")
					}
					invs[i] = ToolInvocation{ID: tc.ID, Name: tc.Name, Input: args}
					outs[i] = ToolOutput{ToolCallID: tc.ID, Content: tc.Output(), IsError: tc.Status == models.ToolFailed}
				}
				out = append(out,
					CompletionMessage{Role: string(models.RoleAssistant), ToolCalls: invs},
					CompletionMessage{Role: string(models.RoleTool), ToolResults: outs},
				)
			}
			if m.Content != "" {
				out = append(out, CompletionMessage{Role: string(models.RoleAssistant), Content: m.Content})
			}
		}
	}
	return out, strings.Join(system, "\n\n")
}
