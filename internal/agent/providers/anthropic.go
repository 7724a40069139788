package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/haasonsaas/agui/internal/agent"
	"github.com/haasonsaas/agui/internal/tools"
)

// maxEmptyStreamEvents is the number of consecutive events without output
// after which a stream is treated as malformed.
const maxEmptyStreamEvents = 300

// AnthropicProvider implements agent.LLMProvider for the Anthropic Messages
// API. It is safe for concurrent use.
type AnthropicProvider struct {
	client       anthropic.Client
	defaultModel string
	base         BaseProvider
}

// AnthropicConfig holds configuration for the Anthropic provider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// NewAnthropicProvider creates an Anthropic provider.
func NewAnthropicProvider(config AnthropicConfig) (*AnthropicProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	// Retries are handled here so errors can be classified first.
	options := []option.RequestOption{
		option.WithAPIKey(config.APIKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicProvider{
		client:       anthropic.NewClient(options...),
		defaultModel: config.DefaultModel,
		base:         NewBaseProvider("anthropic", config.MaxRetries, config.RetryDelay),
	}, nil
}

// Name returns the provider identifier.
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete opens a streaming Messages request.
//
// The SDK connects lazily, so the first event is read before returning:
// connection and HTTP errors surface from Complete rather than the channel.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.getModel(req.Model)
	params, err := p.buildParams(req, model)
	if err != nil {
		return nil, NewProviderError("anthropic", model, err).WithStatus(400)
	}

	var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
	err = p.base.Retry(ctx, IsRetryable, func() error {
		stream = p.client.Messages.NewStreaming(ctx, params)
		if stream.Next() {
			return nil
		}
		err := stream.Err()
		_ = stream.Close()
		if err == nil {
			err = errors.New("stream ended before any event")
		}
		return p.wrapError(err, model)
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("convert messages: %w", err)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		converted, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("convert tools: %w", err)
		}
		params.Tools = converted
	}
	return params, nil
}

// processStream translates SSE events into chunks. The stream has already
// been advanced to its first event.
func (p *AnthropicProvider) processStream(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	send := func(c *agent.CompletionChunk) bool {
		select {
		case chunks <- c:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var (
		current      *agent.ToolInvocation
		currentInput strings.Builder
		inputTokens  int
		outputTokens int
		emptyEvents  int
	)

	for ok := true; ok; ok = stream.Next() {
		event := stream.Current()
		processed := true

		switch event.Type {
		case "message_start":
			if n := event.AsMessageStart().Message.Usage.InputTokens; n > 0 {
				inputTokens = int(n)
			}

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				current = &agent.ToolInvocation{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text == "" {
					processed = false
				} else if !send(&agent.CompletionChunk{Text: delta.Text}) {
					return
				}
			case "input_json_delta":
				currentInput.WriteString(delta.PartialJSON)
			default:
				processed = false
			}

		case "content_block_stop":
			if current != nil {
				input := currentInput.String()
				if strings.TrimSpace(input) == "" {
					input = "{}"
				}
				current.Input = json.RawMessage(input)
				if !send(&agent.CompletionChunk{ToolCall: current}) {
					return
				}
				current = nil
			}

		case "message_delta":
			if n := event.AsMessageDelta().Usage.OutputTokens; n > 0 {
				outputTokens = int(n)
			}

		case "message_stop":
			send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
			return

		default:
			processed = false
		}

		if processed {
			emptyEvents = 0
			continue
		}
		emptyEvents++
		if emptyEvents >= maxEmptyStreamEvents {
			send(&agent.CompletionChunk{Error: p.wrapError(
				fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyEvents), model)})
			return
		}
	}

	if err := stream.Err(); err != nil {
		send(&agent.CompletionChunk{Error: p.wrapError(err, model)})
		return
	}
	send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
}

// convertAnthropicMessages maps provider-neutral messages onto Anthropic's
// alternating user/assistant form. Tool results travel as user content and
// adjacent same-role messages are merged.
func convertAnthropicMessages(messages []agent.CompletionMessage) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	var lastRole anthropic.MessageParamRole

	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}
		for _, tc := range msg.ToolCalls {
			var input map[string]any
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("invalid tool call input for %s: %w", tc.Name, err)
				}
			}
			if input == nil {
				input = map[string]any{}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(content) == 0 {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if msg.Role == "assistant" {
			role = anthropic.MessageParamRoleAssistant
		}
		if len(result) > 0 && role == lastRole {
			result[len(result)-1].Content = append(result[len(result)-1].Content, content...)
			continue
		}
		if role == anthropic.MessageParamRoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
		lastRole = role
	}
	return result, nil
}

func convertAnthropicTools(defs []tools.Definition) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(d.Parameters, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", d.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, d.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", d.Name)
		}
		param.OfTool.Description = anthropic.String(d.Description)
		result = append(result, param)
	}
	return result, nil
}

func (p *AnthropicProvider) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}

	pe := (&ProviderError{Provider: "anthropic", Model: model, Cause: err, Reason: FailoverUnknown}).
		WithStatus(apiErr.StatusCode).
		WithRequestID(apiErr.RequestID)
	var payload anthropicErrorPayload
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &payload) == nil {
		if payload.Error.Message != "" {
			pe = pe.WithMessage(payload.Error.Message)
		}
		if payload.Error.Type != "" {
			pe = pe.WithCode(payload.Error.Type)
		}
		if payload.RequestID != "" {
			pe = pe.WithRequestID(payload.RequestID)
		}
	}
	if pe.Message == "" {
		pe.Message = "anthropic request failed"
	}
	return pe
}
