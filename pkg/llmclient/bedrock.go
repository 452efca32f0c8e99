package llmclient

import (
	"context"
	"encoding/json"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/procsuite/procsuite/internal/config"
	pserrors "github.com/procsuite/procsuite/pkg/shared/errors"
)

// BedrockProvider invokes a Claude model through AWS Bedrock, used in
// deployments where the LLM call must stay inside the customer's AWS
// account rather than calling the Anthropic API directly.
type BedrockProvider struct {
	client  *bedrockruntime.Client
	modelID string
}

type bedrockRequest struct {
	AnthropicVersion string           `json:"anthropic_version"`
	MaxTokens        int              `json:"max_tokens"`
	System           string           `json:"system,omitempty"`
	Messages         []bedrockMessage `json:"messages"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// NewBedrockProvider loads the default AWS config chain (env vars, shared
// config, IAM role). BEDROCK_MODEL_ID defaults to a Claude 3.5 Sonnet
// cross-region inference profile.
func NewBedrockProvider(settings *config.Settings) (*BedrockProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, pserrors.FailedTo("load AWS config for bedrock provider", err)
	}

	modelID := os.Getenv("BEDROCK_MODEL_ID")
	if modelID == "" {
		modelID = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}

	return &BedrockProvider{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// Name implements Provider.
func (p *BedrockProvider) Name() string { return "bedrock" }

// Complete implements Provider.
func (p *BedrockProvider) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = 2048
	}

	body, err := json.Marshal(bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        maxTokens,
		System:           req.SystemPrompt,
		Messages:         []bedrockMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return CompletionResponse{}, pserrors.FailedTo("marshal bedrock request body", err)
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     &p.modelID,
		ContentType: awsContentType(),
		Body:        body,
	})
	if err != nil {
		return CompletionResponse{}, pserrors.FailedTo("invoke bedrock model", err)
	}

	var parsed bedrockResponse
	if err := json.Unmarshal(out.Body, &parsed); err != nil {
		return CompletionResponse{}, pserrors.FailedTo("parse bedrock response body", err)
	}

	var text string
	for _, c := range parsed.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}

	return CompletionResponse{Text: text, ModelVersion: p.modelID}, nil
}

func awsContentType() *string {
	contentType := "application/json"
	return &contentType
}
