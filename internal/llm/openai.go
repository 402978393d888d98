package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/ashureev/clm-relay/internal/config"
	"github.com/ashureev/clm-relay/internal/domain"
)

// OpenAIClient serves the "openai" provider through Chat Completions.
// The system instruction is sent as the first message.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// NewOpenAIClient builds a client from cred with SDK retries disabled.
func NewOpenAIClient(cred config.Credential, opts ...option.RequestOption) (*OpenAIClient, error) {
	if cred.APIKey == "" {
		return nil, fmt.Errorf("openai: empty API key")
	}
	model := cred.Model
	if model == "" {
		model = config.DefaultOpenAIModel
	}
	base := []option.RequestOption{
		option.WithAPIKey(cred.APIKey),
		option.WithMaxRetries(0),
	}
	return &OpenAIClient{
		client: openai.NewClient(append(base, opts...)...),
		model:  model,
	}, nil
}

// OpenAIFactory adapts NewOpenAIClient to a registry Factory.
func OpenAIFactory(cred config.Credential) (Client, error) {
	return NewOpenAIClient(cred)
}

// Name implements Client.
func (c *OpenAIClient) Name() string { return config.ProviderOpenAI }

// Complete implements Client.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Turns)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, turn := range req.Turns {
		if turn.Role == domain.RoleAssistant {
			messages = append(messages, openai.AssistantMessage(turn.Content))
		} else {
			messages = append(messages, openai.UserMessage(turn.Content))
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:     openai.ChatModel(c.model),
		Messages:  messages,
		MaxTokens: openai.Int(int64(maxTokens(req.MaxTokens))),
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("openai: %w", errEmptyCompletion)
	}
	return resp.Choices[0].Message.Content, nil
}
