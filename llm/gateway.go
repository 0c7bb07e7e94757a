package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/flowcore/workflowengine/resilience"
	"github.com/flowcore/workflowengine/wfcore"
)

// TokenReporter receives usage accounting after every successful call,
// independent of whether admission already ran (spec §4.5).
type TokenReporter interface {
	Record(ctx context.Context, userID, agentType string, usage Usage)
}

// TokenAdmitter is the subset of the Token Limiter the gateway gates
// every call on (spec §1.5, §4.7, testable property 8: "no call
// proceeds when any enabled window's usage + estimate exceeds its
// limit"). A nil TokenAdmitter (the default) means calls are never
// gated, matching a deployment that runs without the limiter wired.
type TokenAdmitter interface {
	Admit(ctx context.Context, userID string, estimateTokens int64) error
}

// fallbackThreshold is the number of consecutive primary-model failures
// that trips the switch to the fallback model (spec §4.5 "model
// fallback"). The switch lasts for the rest of the Gateway's lifetime:
// it is not reset when a workflow ends, and nothing switches back to the
// primary model.
const fallbackThreshold = 3

// Gateway is the LLM Gateway component (C4).
type Gateway struct {
	primary  Provider
	fallback Provider

	breaker    *resilience.CircuitBreaker
	retryDelay time.Duration
	maxRetries int

	consecutiveFailures atomic.Int32
	usingFallback       atomic.Bool

	reporter TokenReporter
	admitter TokenAdmitter
	logger   wfcore.Logger
}

// GatewayOption configures a Gateway at construction time.
type GatewayOption func(*Gateway)

// WithRetryPolicy overrides the default fixed 60s delay / 5 max
// attempts (interactive default per spec §4.5; pass a higher
// maxRetries for batch workflows).
func WithRetryPolicy(delay time.Duration, maxRetries int) GatewayOption {
	return func(g *Gateway) {
		g.retryDelay = delay
		g.maxRetries = maxRetries
	}
}

// WithTokenReporter wires the token limiter's accounting sink.
func WithTokenReporter(r TokenReporter) GatewayOption {
	return func(g *Gateway) { g.reporter = r }
}

// WithTokenAdmitter wires the token limiter's admission check in front
// of every call.
func WithTokenAdmitter(a TokenAdmitter) GatewayOption {
	return func(g *Gateway) { g.admitter = a }
}

// WithLogger attaches a structured logger.
func WithLogger(l wfcore.Logger) GatewayOption {
	return func(g *Gateway) { g.logger = l }
}

// New builds a Gateway wrapping cfg's primary and fallback providers.
func New(cfg Config, opts ...GatewayOption) (*Gateway, error) {
	primary, err := buildProvider(cfg.Provider, cfg, cfg.APIKey, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("llm: build primary provider: %w", err)
	}

	var fallback Provider
	if cfg.FallbackProvider != "" {
		fallback, err = buildProvider(cfg.FallbackProvider, cfg, cfg.FallbackAPIKey, cfg.FallbackModel)
		if err != nil {
			return nil, fmt.Errorf("llm: build fallback provider: %w", err)
		}
	}

	g := &Gateway{
		primary:    primary,
		fallback:   fallback,
		breaker:    resilience.New("llm-gateway", resilience.DefaultCircuitBreakerConfig()),
		retryDelay: 60 * time.Second,
		maxRetries: 5,
		logger:     wfcore.NoOpLogger{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func buildProvider(kind string, cfg Config, apiKey, model string) (Provider, error) {
	switch kind {
	case "anthropic":
		return newAnthropicProvider(cfg, apiKey, model), nil
	case "openai":
		return newOpenAIProvider(cfg, apiKey, model), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", kind)
	}
}

// activeProvider returns the provider that should serve the next call:
// the fallback once tripped, the primary otherwise.
func (g *Gateway) activeProvider() Provider {
	if g.usingFallback.Load() && g.fallback != nil {
		return g.fallback
	}
	return g.primary
}

// Call sends prompt to the active model, retrying transient failures
// with a fixed delay, and reports usage to the token reporter on every
// success. No structured-output extraction is performed; use
// CallStructured for that.
//
// Every call is gated on the token admitter first (spec §4.7): a
// breached window returns wfcore.ErrTokenLimitReached immediately,
// before any provider is invoked and without entering the retry loop,
// since a token-exhausted call is not a transient condition.
func (g *Gateway) Call(ctx context.Context, prompt, userID, agentType string) (string, error) {
	if g.admitter != nil {
		if err := g.admitter.Admit(ctx, userID, estimateTokens(prompt)); err != nil {
			return "", err
		}
	}

	text, err := backoff.Retry(ctx,
		func() (string, error) {
			if !g.breaker.Allow() {
				return "", backoff.Permanent(wfcore.ErrCircuitOpen)
			}

			provider := g.activeProvider()
			text, usage, callErr := provider.Complete(ctx, prompt)
			if callErr != nil {
				g.breaker.RecordFailure()
				if !IsTransient(callErr) {
					return "", backoff.Permanent(fmt.Errorf("%w: %v", wfcore.ErrStepFailed, callErr))
				}
				g.recordFailure()
				return "", fmt.Errorf("%w: %v", wfcore.ErrTransientUpstream, callErr)
			}

			g.breaker.RecordSuccess()
			g.recordSuccess()
			if g.reporter != nil {
				g.reporter.Record(ctx, userID, agentType, usage)
			}
			return text, nil
		},
		backoff.WithBackOff(backoff.NewConstantBackOff(g.retryDelay)),
		backoff.WithMaxTries(uint(g.maxRetries)),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %w", wfcore.ErrMaxRetriesExceeded, err)
	}
	return text, nil
}

func (g *Gateway) recordFailure() {
	n := g.consecutiveFailures.Add(1)
	if n >= fallbackThreshold && g.fallback != nil && !g.usingFallback.Load() {
		g.usingFallback.Store(true)
		g.logger.Warn("llm gateway switching to fallback model", map[string]interface{}{
			"consecutive_failures": n,
			"fallback_model":       g.fallback.ModelName(),
		})
	}
}

func (g *Gateway) recordSuccess() {
	g.consecutiveFailures.Store(0)
}

// reinforcedInstruction is appended to the prompt on the single
// structured-extraction re-prompt (spec §4.5 "re-prompt once").
const reinforcedInstruction = "\n\nReturn strictly the following JSON shape, with no surrounding prose or markdown fences."

// CallStructured sends prompt plus a schema hint, parses the response
// as JSON, and validates it against schema. On parse/validation
// failure it re-prompts exactly once with a reinforced instruction.
func (g *Gateway) CallStructured(ctx context.Context, prompt string, schema *jsonschema.Schema, userID, agentType string) (map[string]interface{}, error) {
	text, err := g.Call(ctx, prompt, userID, agentType)
	if err != nil {
		return nil, err
	}

	result, parseErr := extractJSON(text, schema)
	if parseErr == nil {
		return result, nil
	}

	g.logger.Warn("structured extraction failed, re-prompting once", map[string]interface{}{"error": parseErr.Error()})

	text, err = g.Call(ctx, prompt+reinforcedInstruction, userID, agentType)
	if err != nil {
		return nil, err
	}
	result, parseErr = extractJSON(text, schema)
	if parseErr != nil {
		return nil, fmt.Errorf("llm: structured extraction failed after re-prompt: %w", parseErr)
	}
	return result, nil
}

// extractJSON finds the first JSON object in text (stripping markdown
// fences models commonly wrap responses in) and validates it against
// schema, if supplied.
func extractJSON(text string, schema *jsonschema.Schema) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(text)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("no JSON object found in completion")
	}

	var result map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &result); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if schema != nil {
		if err := schema.Validate(result); err != nil {
			return nil, fmt.Errorf("schema validation: %w", err)
		}
	}

	return result, nil
}

// estimateTokens approximates a prompt's token cost at the common
// rule-of-thumb of four characters per token, floored at 1 so an
// empty prompt still consumes the window's minimum unit. The Gateway
// has no access to a real tokenizer for every provider it can route
// to, so admission checks against this estimate rather than an exact
// count; Record still reports the provider's own usage afterward.
func estimateTokens(prompt string) int64 {
	n := int64(len(prompt) / 4)
	if n < 1 {
		n = 1
	}
	return n
}

// IsTransient classifies an upstream error as retriable per spec §4.5:
// 5xx, rate limits, timeouts, or strings matching "UNAVAILABLE"/
// "overloaded"/"503". 4xx other than 429 is permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"unavailable", "overloaded", "503", "502", "504", "rate limit", "429", "timeout", "timed out"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
