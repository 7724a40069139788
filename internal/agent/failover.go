package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// FailoverConfig configures the failover provider.
type FailoverConfig struct {
	// MaxRetries is the maximum number of retry attempts per provider
	MaxRetries int

	// RetryBackoff is the initial backoff between retries
	RetryBackoff time.Duration

	// MaxRetryBackoff is the maximum backoff duration
	MaxRetryBackoff time.Duration

	// CircuitBreakerThreshold is the number of failures before opening circuit
	CircuitBreakerThreshold int

	// CircuitBreakerTimeout is how long to wait before trying a failed provider
	CircuitBreakerTimeout time.Duration
}

// DefaultFailoverConfig returns the default failover configuration.
func DefaultFailoverConfig() FailoverConfig {
	return FailoverConfig{
		MaxRetries:              2,
		RetryBackoff:            100 * time.Millisecond,
		MaxRetryBackoff:         5 * time.Second,
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

// ClassifiedError is implemented by provider errors that know whether they
// are worth retrying or failing over. Errors that do not implement it are
// classified from their message text.
type ClassifiedError interface {
	error
	Retryable() bool
	Failover() bool
}

// ProviderState tracks the health of a provider.
type ProviderState struct {
	Name          string
	Failures      int
	LastFailure   time.Time
	CircuitOpen   bool
	CircuitOpenAt time.Time
}

func (s *ProviderState) available(cfg FailoverConfig, now time.Time) bool {
	if !s.CircuitOpen {
		return true
	}
	return now.Sub(s.CircuitOpenAt) > cfg.CircuitBreakerTimeout
}

// FailoverProvider tries a primary provider and then fallbacks.
//
// Failover happens only while opening a stream. Once a provider has
// returned a chunk channel, errors inside the stream belong to the turn.
type FailoverProvider struct {
	providers []LLMProvider
	config    FailoverConfig
	logger    *slog.Logger

	mu     sync.Mutex
	states map[string]*ProviderState
	stats  FailoverStats
	now    func() time.Time
}

// FailoverStats counts failover activity.
type FailoverStats struct {
	TotalRequests  int64
	TotalFailovers int64
	TotalRetries   int64
	CircuitBreaks  int64
}

// NewFailoverProvider wraps primary with fallbacks tried in order.
func NewFailoverProvider(config FailoverConfig, logger *slog.Logger, primary LLMProvider, fallbacks ...LLMProvider) *FailoverProvider {
	defaults := DefaultFailoverConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = defaults.RetryBackoff
	}
	if config.MaxRetryBackoff <= 0 {
		config.MaxRetryBackoff = defaults.MaxRetryBackoff
	}
	if config.CircuitBreakerThreshold <= 0 {
		config.CircuitBreakerThreshold = defaults.CircuitBreakerThreshold
	}
	if config.CircuitBreakerTimeout <= 0 {
		config.CircuitBreakerTimeout = defaults.CircuitBreakerTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	providers := []LLMProvider{primary}
	for _, f := range fallbacks {
		if f != nil {
			providers = append(providers, f)
		}
	}
	return &FailoverProvider{
		providers: providers,
		config:    config,
		logger:    logger.With("component", "failover"),
		states:    make(map[string]*ProviderState),
		now:       time.Now,
	}
}

// Name implements LLMProvider.
func (o *FailoverProvider) Name() string {
	return o.providers[0].Name()
}

// Complete implements LLMProvider with retries and failover.
func (o *FailoverProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	o.mu.Lock()
	o.stats.TotalRequests++
	o.mu.Unlock()

	var lastErr error
	for i, provider := range o.providers {
		if !o.isAvailable(provider.Name()) {
			continue
		}

		ch, err := o.tryProvider(ctx, provider, req)
		if err == nil {
			o.recordSuccess(provider.Name())
			return ch, nil
		}
		lastErr = err
		o.recordFailure(provider.Name())

		if ctx.Err() != nil || !shouldFailover(err) {
			return nil, err
		}
		if i < len(o.providers)-1 {
			o.mu.Lock()
			o.stats.TotalFailovers++
			o.mu.Unlock()
			o.logger.WarnContext(ctx, "failing over to next provider",
				"from", provider.Name(),
				"to", o.providers[i+1].Name(),
				"error", err,
			)
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("%w: all providers have open circuits", ErrNoProvider)
	}
	return nil, lastErr
}

func (o *FailoverProvider) tryProvider(ctx context.Context, provider LLMProvider, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	var lastErr error
	backoff := o.config.RetryBackoff

	for attempt := 0; attempt <= o.config.MaxRetries; attempt++ {
		ch, err := provider.Complete(ctx, req)
		if err == nil {
			return ch, nil
		}
		lastErr = err

		if !isRetryable(err) || ctx.Err() != nil || attempt >= o.config.MaxRetries {
			break
		}

		o.mu.Lock()
		o.stats.TotalRetries++
		o.mu.Unlock()

		select {
		case <-time.After(backoff):
			backoff *= 2
			if backoff > o.config.MaxRetryBackoff {
				backoff = o.config.MaxRetryBackoff
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func isRetryable(err error) bool {
	var ce ClassifiedError
	if errors.As(err, &ce) {
		return ce.Retryable()
	}
	switch classifyMessage(err) {
	case "rate_limit", "timeout", "server_error":
		return true
	}
	return false
}

func shouldFailover(err error) bool {
	var ce ClassifiedError
	if errors.As(err, &ce) {
		return ce.Failover() || ce.Retryable()
	}
	switch classifyMessage(err) {
	case "rate_limit", "timeout", "server_error", "auth", "billing", "model_unavailable":
		return true
	}
	return false
}

// classifyMessage guesses an error class from its text.
func classifyMessage(err error) string {
	if err == nil {
		return "unknown"
	}
	s := strings.ToLower(err.Error())
	switch {
	case strings.Contains(s, "timeout"), strings.Contains(s, "deadline exceeded"):
		return "timeout"
	case strings.Contains(s, "rate limit"), strings.Contains(s, "rate_limit"),
		strings.Contains(s, "too many requests"), strings.Contains(s, "429"):
		return "rate_limit"
	case strings.Contains(s, "unauthorized"), strings.Contains(s, "invalid api key"),
		strings.Contains(s, "authentication"), strings.Contains(s, "401"), strings.Contains(s, "403"):
		return "auth"
	case strings.Contains(s, "billing"), strings.Contains(s, "quota"), strings.Contains(s, "402"):
		return "billing"
	case strings.Contains(s, "internal server"), strings.Contains(s, "server error"),
		strings.Contains(s, "500"), strings.Contains(s, "502"),
		strings.Contains(s, "503"), strings.Contains(s, "504"):
		return "server_error"
	case strings.Contains(s, "model not found"), strings.Contains(s, "does not exist"),
		strings.Contains(s, "unavailable"):
		return "model_unavailable"
	}
	return "unknown"
}

func (o *FailoverProvider) isAvailable(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	state, ok := o.states[name]
	if !ok {
		return true
	}
	return state.available(o.config, o.now())
}

func (o *FailoverProvider) recordSuccess(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if state := o.states[name]; state != nil {
		state.Failures = 0
		state.CircuitOpen = false
	}
}

func (o *FailoverProvider) recordFailure(name string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	state := o.states[name]
	if state == nil {
		state = &ProviderState{Name: name}
		o.states[name] = state
	}
	state.Failures++
	state.LastFailure = o.now()

	if state.Failures >= o.config.CircuitBreakerThreshold {
		// A failed half-open probe re-arms the timeout.
		if !state.CircuitOpen {
			o.stats.CircuitBreaks++
			o.logger.Warn("circuit opened", "provider", name, "failures", state.Failures)
		}
		state.CircuitOpen = true
		state.CircuitOpenAt = o.now()
	}
}

// Stats returns a snapshot of failover counters.
func (o *FailoverProvider) Stats() FailoverStats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stats
}

// ProviderStates returns the current state of every provider that has failed.
func (o *FailoverProvider) ProviderStates() []ProviderState {
	o.mu.Lock()
	defer o.mu.Unlock()
	states := make([]ProviderState, 0, len(o.states))
	for _, s := range o.states {
		states = append(states, *s)
	}
	return states
}

// ResetCircuitBreakers closes all circuits.
func (o *FailoverProvider) ResetCircuitBreakers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, state := range o.states {
		state.Failures = 0
		state.CircuitOpen = false
	}
}
