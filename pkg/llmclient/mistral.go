package llmclient

import (
	"context"
	"errors"
	"os"

	mistral "github.com/gage-technologies/mistral-go"

	"github.com/procsuite/procsuite/internal/config"
	pserrors "github.com/procsuite/procsuite/pkg/shared/errors"
)

var errNoChoices = errors.New("mistral returned no choices")

// MistralProvider is an alternate LLM backend for sites that cannot send
// clinical text to Anthropic or AWS, e.g. an on-prem Mistral deployment.
type MistralProvider struct {
	client *mistral.MistralClient
	model  string
}

// NewMistralProvider reads MISTRAL_API_KEY from the environment.
func NewMistralProvider(settings *config.Settings) (*MistralProvider, error) {
	key := os.Getenv("MISTRAL_API_KEY")
	if key == "" {
		return nil, pserrors.ConfigurationError("MISTRAL_API_KEY", "must be set when llm_provider=mistral")
	}

	model := os.Getenv("MISTRAL_MODEL")
	if model == "" {
		model = "mistral-large-latest"
	}

	return &MistralProvider{
		client: mistral.NewMistralClientDefault(key),
		model:  model,
	}, nil
}

// Name implements Provider.
func (p *MistralProvider) Name() string { return "mistral" }

// Complete implements Provider.
func (p *MistralProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	messages := make([]mistral.ChatMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, mistral.ChatMessage{Role: mistral.RoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, mistral.ChatMessage{Role: mistral.RoleUser, Content: req.Prompt})

	res, err := p.client.Chat(p.model, messages, nil)
	if err != nil {
		return CompletionResponse{}, pserrors.FailedTo("call mistral chat completion", err)
	}
	if len(res.Choices) == 0 {
		return CompletionResponse{}, pserrors.FailedTo("call mistral chat completion", errNoChoices)
	}

	return CompletionResponse{
		Text:         res.Choices[0].Message.Content,
		ModelVersion: res.Model,
	}, nil
}
