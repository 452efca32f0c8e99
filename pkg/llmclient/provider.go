// Package llmclient is the shared LLM client used by the Schema-Guided
// Extractor and the Self-Correction Loop's judge step. It bounds
// concurrency with a process-wide semaphore, trips a circuit breaker on
// sustained upstream failure, retries transient errors with backoff, and
// caches responses.
package llmclient

import (
	"context"
	"fmt"

	"github.com/procsuite/procsuite/internal/config"
)

// CompletionRequest is one structured-output LLM call.
type CompletionRequest struct {
	SystemPrompt string
	Prompt       string
	JSONMode     bool
	MaxTokens    int
}

// CompletionResponse is the provider's raw text response.
type CompletionResponse struct {
	Text         string
	ModelVersion string
}

// Provider is the interface every backend LLM integration satisfies.
type Provider interface {
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	Name() string
}

// NewProvider selects a Provider by settings.LLMProvider. The stub
// provider is deterministic and network-free, used when
// settings.LLMProvider == stub (test/offline mode).
func NewProvider(settings *config.Settings) (Provider, error) {
	switch settings.LLMProvider {
	case config.LLMProviderAnthropic:
		return NewAnthropicProvider(settings)
	case config.LLMProviderBedrock:
		return NewBedrockProvider(settings)
	case config.LLMProviderMistral:
		return NewMistralProvider(settings)
	case config.LLMProviderStub:
		return NewStubProvider(), nil
	default:
		return nil, fmt.Errorf("llmclient: unsupported provider: %s", settings.LLMProvider)
	}
}
