package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/agui/internal/agent"
	"github.com/haasonsaas/agui/internal/tools"
)

// ScriptedConfig configures the offline provider.
type ScriptedConfig struct {
	// ChunkDelay is slept between streamed words. Zero streams at once.
	ChunkDelay time.Duration
}

// ScriptedProvider is a deterministic offline model. It answers greetings
// and simple questions from fixed rules and requests the built-in tools on
// keywords, which makes the whole turn pipeline runnable without an API key.
type ScriptedProvider struct {
	config ScriptedConfig
}

// NewScriptedProvider creates the offline provider.
func NewScriptedProvider(config ScriptedConfig) *ScriptedProvider {
	return &ScriptedProvider{config: config}
}

// Name returns the provider identifier.
func (p *ScriptedProvider) Name() string {
	return "scripted"
}

var (
	arithmeticPattern = regexp.MustCompile(`(-?\d+(?:\.\d+)?)\s*([-+*/x×÷])\s*(-?\d+(?:\.\d+)?)`)
	inLocationPattern = regexp.MustCompile(`(?i)\bin ([a-z][a-z .'-]*?)\s*[?.!]*$`)
	wordPattern       = regexp.MustCompile(`[a-z']+`)
)

// Complete streams the scripted reply for the last message.
func (p *ScriptedProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	var last agent.CompletionMessage
	if n := len(req.Messages); n > 0 {
		last = req.Messages[n-1]
	}

	var (
		text  string
		calls []agent.ToolInvocation
	)
	if last.Role == "tool" {
		text = summarizeResults(req.Messages)
	} else {
		calls = planToolCalls(last.Content, advertised(req.Tools))
		if len(calls) == 0 {
			text = reply(last.Content)
		}
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)
		send := func(c *agent.CompletionChunk) bool {
			select {
			case chunks <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		words := strings.SplitAfter(text, " ")
		for i, w := range words {
			if w == "" {
				continue
			}
			if i > 0 && p.config.ChunkDelay > 0 {
				select {
				case <-time.After(p.config.ChunkDelay):
				case <-ctx.Done():
					return
				}
			}
			if !send(&agent.CompletionChunk{Text: w}) {
				return
			}
		}
		for i := range calls {
			if !send(&agent.CompletionChunk{ToolCall: &calls[i]}) {
				return
			}
		}
		send(&agent.CompletionChunk{
			Done:         true,
			InputTokens:  countWords(last.Content),
			OutputTokens: countWords(text),
		})
	}()
	return chunks, nil
}

// reply applies the greeting rules.
func reply(message string) string {
	msg := strings.ToLower(message)
	words := map[string]bool{}
	for _, w := range wordPattern.FindAllString(msg, -1) {
		words[w] = true
	}
	switch {
	case strings.Contains(msg, "hello") || words["hi"] || words["hey"]:
		return "Hello! How can I assist you today?"
	case strings.Contains(msg, "how are you"):
		return "I'm functioning well, thank you! Ready to help."
	case words["help"]:
		return "I'm an AI assistant. I can answer questions and assist with tasks."
	}
	return fmt.Sprintf("I understand: '%s'. This is a demo response.", message)
}

func advertised(defs []tools.Definition) map[string]bool {
	out := make(map[string]bool, len(defs))
	for _, d := range defs {
		out[d.Name] = true
	}
	return out
}

// planToolCalls picks built-in tools from keywords in the message.
func planToolCalls(message string, available map[string]bool) []agent.ToolInvocation {
	msg := strings.ToLower(message)
	var calls []agent.ToolInvocation
	add := func(name string, args any) {
		if !available[name] {
			return
		}
		raw, err := json.Marshal(args)
		if err != nil {
			return
		}
		calls = append(calls, agent.ToolInvocation{
			ID:    fmt.Sprintf("call_scripted_%d", len(calls)+1),
			Name:  name,
			Input: raw,
		})
	}

	locations := findLocations(message)
	if strings.Contains(msg, "time zone") || strings.Contains(msg, "timezone") {
		for _, loc := range locations {
			add(tools.TimeZoneTool, tools.LocationArgs{Location: loc})
		}
	}
	if strings.Contains(msg, "weather") {
		for _, loc := range locations {
			add(tools.WeatherTool, tools.LocationArgs{Location: loc})
		}
	}
	if m := arithmeticPattern.FindStringSubmatch(msg); m != nil {
		a, errA := strconv.ParseFloat(m[1], 64)
		b, errB := strconv.ParseFloat(m[3], 64)
		if errA == nil && errB == nil {
			add(tools.CalculatorTool, tools.CalculatorArgs{Operation: operationFor(m[2]), A: a, B: b})
		}
	}
	return calls
}

// findLocations returns the known cities mentioned in message, falling back
// to a trailing "in <place>" phrase.
func findLocations(message string) []string {
	msg := strings.ToLower(message)
	var out []string
	for _, city := range tools.KnownLocations() {
		if strings.Contains(msg, city) {
			out = append(out, titleCase(city))
		}
	}
	if len(out) > 0 {
		return out
	}
	if m := inLocationPattern.FindStringSubmatch(strings.TrimSpace(message)); m != nil {
		return []string{strings.TrimSpace(m[1])}
	}
	return nil
}

func operationFor(op string) string {
	switch op {
	case "+":
		return "add"
	case "-":
		return "subtract"
	case "*", "x", "×":
		return "multiply"
	default:
		return "divide"
	}
}

func titleCase(s string) string {
	parts := strings.Fields(s)
	for i, p := range parts {
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, " ")
}

// summarizeResults describes the most recent batch of tool results.
func summarizeResults(messages []agent.CompletionMessage) string {
	results := messages[len(messages)-1].ToolResults
	names := map[string]string{}
	if len(messages) >= 2 {
		for _, tc := range messages[len(messages)-2].ToolCalls {
			names[tc.ID] = tc.Name
		}
	}

	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString(" ")
		}
		name := names[r.ToolCallID]
		if name == "" {
			name = "the tool"
		}
		if r.IsError {
			fmt.Fprintf(&b, "Sorry, %s failed: %s.", name, strings.TrimPrefix(r.Content, "error: "))
			continue
		}
		fmt.Fprintf(&b, "%s returned %s.", name, r.Content)
	}
	if b.Len() == 0 {
		return "I have no results to report."
	}
	return b.String()
}

func countWords(s string) int {
	return len(strings.Fields(s))
}
