// Package llm provides the capability interface shared by all model provider adapters.
package llm

import (
	"context"
	"fmt"
)

const (
	// TemperatureAnalysis is the temperature used for repository audits.
	// Slightly exploratory so the model surfaces non-obvious defects.
	TemperatureAnalysis = 0.4

	// TemperatureFix is the temperature used for fix generation.
	// Near-deterministic output keeps replacement content stable across retries.
	TemperatureFix = 0.1

	// DefaultMaxTokens is the default output token budget per completion.
	DefaultMaxTokens = 4000
)

// Stop reasons surfaced by provider adapters. Truncation and safety stops are
// logged by callers and the partial text still flows into extraction.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonMaxTokens = "max_tokens"
	StopReasonSafety    = "safety"
)

// CompletionRequest is a single structured-completion request.
type CompletionRequest struct {
	System      string  // system prompt (may be empty)
	User        string  // user prompt
	Model       string  // provider model identifier; empty uses the adapter default
	MaxTokens   int     // output token budget; 0 uses DefaultMaxTokens
	Temperature float32
	ForceJSON   bool // request a JSON-object response format where the provider supports it
}

// Usage reports token accounting for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// CompletionResponse is the provider-neutral completion result.
type CompletionResponse struct {
	Content    string
	StopReason string
	Usage      Usage
}

// Truncated reports whether the response stopped before the model finished.
func (r *CompletionResponse) Truncated() bool {
	return r.StopReason == StopReasonMaxTokens
}

// Provider issues one completion against a single upstream model service.
// The credential is supplied per call; credential ownership and rotation live
// in the pool, never in the adapter.
type Provider interface {
	// Name returns the provider identifier (e.g. "cerebras", "anthropic").
	Name() string

	// Complete performs a single completion using the given credential.
	Complete(ctx context.Context, credential string, in CompletionRequest) (CompletionResponse, error)
}

// Normalize fills request defaults in place.
func (in *CompletionRequest) Normalize() {
	if in.MaxTokens <= 0 {
		in.MaxTokens = DefaultMaxTokens
	}
}

// Validate rejects requests no provider could serve.
func (in *CompletionRequest) Validate() error {
	if in.User == "" {
		return fmt.Errorf("user prompt cannot be empty")
	}
	if in.Temperature < 0.0 || in.Temperature > 2.0 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	return nil
}
