package llmclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// StubProvider is a deterministic, network-free Provider used for offline
// pipeline runs and tests (LLM_PROVIDER=stub). It never calls out; it
// returns a fixed, content-addressed acknowledgement so callers exercising
// the retry/breaker/cache plumbing get a stable response shape.
type StubProvider struct{}

// NewStubProvider returns a StubProvider.
func NewStubProvider() *StubProvider {
	return &StubProvider{}
}

// Name implements Provider.
func (p *StubProvider) Name() string { return "stub" }

// Complete implements Provider. It never errors and never blocks on ctx;
// context cancellation is honored by the caller (Client), not here.
func (p *StubProvider) Complete(_ context.Context, req CompletionRequest) (CompletionResponse, error) {
	sum := sha256.Sum256([]byte(req.Prompt))
	return CompletionResponse{
		Text:         `{"stub_digest":"` + hex.EncodeToString(sum[:8]) + `"}`,
		ModelVersion: "stub-0",
	}, nil
}
