package llmclient

import (
	"context"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/procsuite/procsuite/internal/config"
	pserrors "github.com/procsuite/procsuite/pkg/shared/errors"
)

// AnthropicProvider calls the Messages API for schema-guided extraction and
// self-correction judging.
type AnthropicProvider struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicProvider reads ANTHROPIC_API_KEY from the environment; a
// missing key is a fatal configuration error, not a per-request failure.
func NewAnthropicProvider(settings *config.Settings) (*AnthropicProvider, error) {
	key := os.Getenv("ANTHROPIC_API_KEY")
	if key == "" {
		return nil, pserrors.ConfigurationError("ANTHROPIC_API_KEY", "must be set when llm_provider=anthropic")
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(key)),
		model:  anthropic.ModelClaudeSonnet4_5,
	}, nil
}

// Name implements Provider.
func (p *AnthropicProvider) Name() string { return "anthropic" }

// Complete implements Provider.
func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 2048
	}

	params := anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	}
	if req.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.SystemPrompt}}
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return CompletionResponse{}, pserrors.FailedTo("call anthropic messages.new", err)
	}

	var text string
	for _, block := range message.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return CompletionResponse{Text: text, ModelVersion: string(message.Model)}, nil
}
