// Package llm wraps the model endpoint behind one Gateway contract:
// structured-output extraction, fixed-delay retry on transient upstream
// errors, and fallback to a lighter model after repeated failure.
// Adapted from the teacher pack's own provider-abstraction idiom (one
// narrow Provider interface, one concrete client per vendor SDK) rather
// than the teacher's own raw-HTTP ai.Client, since the domain calls for
// real provider SDKs (spec §4.5).
package llm

import "context"

// Usage is the token accounting for one call, reported to the token
// limiter after every successful call regardless of whether the
// admission check already ran (spec §4.5 "Accounting").
type Usage struct {
	Model            string
	PromptTokens     int
	CompletionTokens int
}

// Provider is the minimal surface the Gateway needs from a model SDK:
// one prompt in, one completion text out.
type Provider interface {
	// Complete sends prompt to the model and returns the raw completion
	// text plus token usage. Errors should be classified by the caller
	// via IsTransient; providers wrap the underlying SDK error with %w,
	// which keeps its message and chain available to that classification.
	Complete(ctx context.Context, prompt string) (text string, usage Usage, err error)
	// ModelName identifies the concrete model in use, for Usage.Model
	// and for log/metric labels.
	ModelName() string
}

// Config configures both the primary and fallback providers.
type Config struct {
	Provider         string // "anthropic" | "openai"
	Model            string
	APIKey           string
	BaseURL          string
	MaxTokens        int
	Temperature      float64
	FallbackProvider string
	FallbackModel    string
	FallbackAPIKey   string
}
