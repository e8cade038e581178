package agent

import (
	"context"

	openai "github.com/sashabaranov/go-openai"

	"github.com/substratehq/substrate/pkg/types"
)

// ModelClient is the minimal surface of an OpenAI-compatible chat API that
// the agent loop needs. *openai.Client satisfies it; tests substitute a
// scripted fake.
type ModelClient interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// ClientFactory builds a model client for an agent's settings
type ClientFactory func(settings types.ModelSettings) ModelClient

// NewOpenAIClient is the default client factory. A BaseURL in the settings
// redirects the client to any OpenAI-compatible endpoint.
func NewOpenAIClient(settings types.ModelSettings) ModelClient {
	cfg := openai.DefaultConfig(settings.APIKey)
	if settings.BaseURL != "" {
		cfg.BaseURL = settings.BaseURL
	}
	return openai.NewClientWithConfig(cfg)
}
