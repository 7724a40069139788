package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/agui/internal/agent"
	"github.com/haasonsaas/agui/internal/tools"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements agent.LLMProvider for the OpenAI chat
// completions API and Azure OpenAI deployments.
//
// It is safe for concurrent use.
type OpenAIProvider struct {
	client       *openai.Client
	name         string
	defaultModel string
	includeUsage bool
	base         BaseProvider
}

// OpenAIConfig holds configuration for the OpenAI provider.
type OpenAIConfig struct {
	APIKey string

	// BaseURL overrides the API endpoint, e.g. for compatible gateways.
	BaseURL string

	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// AzureOpenAIConfig holds configuration for an Azure OpenAI resource.
type AzureOpenAIConfig struct {
	// Endpoint is https://{resource-name}.openai.azure.com
	Endpoint string
	APIKey   string

	// APIVersion defaults to 2024-02-15-preview.
	APIVersion string

	// DefaultModel is the deployment name.
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// NewOpenAIProvider creates an OpenAI provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = openai.GPT4oMini
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		name:         "openai",
		defaultModel: cfg.DefaultModel,
		includeUsage: true,
		base:         NewBaseProvider("openai", cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// NewAzureOpenAIProvider creates a provider for an Azure OpenAI resource.
func NewAzureOpenAIProvider(cfg AzureOpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("azure: endpoint is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New("azure: API key is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-02-15-preview"
	}
	clientConfig := openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	clientConfig.APIVersion = cfg.APIVersion
	return &OpenAIProvider{
		client:       openai.NewClientWithConfig(clientConfig),
		name:         "azure",
		defaultModel: cfg.DefaultModel,
		base:         NewBaseProvider("azure", cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

// Name returns the provider identifier.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Complete opens a streaming chat completion. Errors opening the stream are
// returned directly so a failover wrapper can act on them.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, NewProviderError(p.name, "", errors.New("model/deployment name is required"))
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    convertOpenAIMessages(req.Messages, req.System),
		Stream:      true,
		Temperature: float32(req.Temperature),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}
	if p.includeUsage {
		chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}

	var stream *openai.ChatCompletionStream
	err := p.base.Retry(ctx, IsRetryable, func() error {
		var err error
		stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			return p.wrapError(err, model)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, model)
	return chunks, nil
}

// pendingCall accumulates a streamed tool call by its index.
type pendingCall struct {
	id, name string
	args     strings.Builder
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
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

	calls := make(map[int]*pendingCall)
	flush := func() bool {
		indexes := make([]int, 0, len(calls))
		for i := range calls {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			c := calls[i]
			if c.name == "" {
				continue
			}
			args := c.args.String()
			if strings.TrimSpace(args) == "" {
				args = "{}"
			}
			if !send(&agent.CompletionChunk{ToolCall: &agent.ToolInvocation{ID: c.id, Name: c.name, Input: []byte(args)}}) {
				return false
			}
		}
		calls = make(map[int]*pendingCall)
		return true
	}

	var inputTokens, outputTokens int
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			if flush() {
				send(&agent.CompletionChunk{Done: true, InputTokens: inputTokens, OutputTokens: outputTokens})
			}
			return
		}
		if err != nil {
			send(&agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			if !send(&agent.CompletionChunk{Text: choice.Delta.Content}) {
				return
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			c := calls[index]
			if c == nil {
				c = &pendingCall{}
				calls[index] = c
			}
			if tc.ID != "" {
				c.id = tc.ID
			}
			if tc.Function.Name != "" {
				c.name = tc.Function.Name
			}
			c.args.WriteString(tc.Function.Arguments)
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return
			}
		}
	}
}

// convertOpenAIMessages maps provider-neutral messages to chat messages.
// Tool results expand to one tool message per call.
func convertOpenAIMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	for _, msg := range messages {
		switch msg.Role {
		case "tool":
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
		case "assistant":
			m := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Content}
			for _, tc := range msg.ToolCalls {
				m.ToolCalls = append(m.ToolCalls, openai.ToolCall{
					ID:       tc.ID,
					Type:     openai.ToolTypeFunction,
					Function: openai.FunctionCall{Name: tc.Name, Arguments: string(tc.Input)},
				})
			}
			result = append(result, m)
		default:
			result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: msg.Content})
		}
	}
	return result
}

func convertOpenAITools(defs []tools.Definition) []openai.Tool {
	out := make([]openai.Tool, 0, len(defs))
	for _, d := range defs {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return out
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := &ProviderError{Provider: p.name, Model: model, Cause: err, Reason: ClassifyError(err)}
		pe = pe.WithStatus(apiErr.HTTPStatusCode).WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			pe = pe.WithCode(code)
		} else if apiErr.Type != "" {
			pe = pe.WithCode(apiErr.Type)
		}
		return pe
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		pe := NewProviderError(p.name, model, err)
		return pe.WithStatus(reqErr.HTTPStatusCode)
	}
	return NewProviderError(p.name, model, fmt.Errorf("%s: %w", p.name, err))
}
