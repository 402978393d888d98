package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/ashureev/clm-relay/internal/config"
	"github.com/ashureev/clm-relay/internal/domain"
)

var errEmptyCompletion = errors.New("provider returned no text")

// AnthropicClient serves the "claude" provider through the Messages API.
// The system instruction travels in the dedicated system field.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

// NewAnthropicClient builds a client from cred. SDK retries are disabled so
// each turn makes exactly one upstream attempt.
func NewAnthropicClient(cred config.Credential, opts ...option.RequestOption) (*AnthropicClient, error) {
	if cred.APIKey == "" {
		return nil, fmt.Errorf("anthropic: empty API key")
	}
	model := cred.Model
	if model == "" {
		model = config.DefaultAnthropicModel
	}
	base := []option.RequestOption{
		option.WithAPIKey(cred.APIKey),
		option.WithMaxRetries(0),
	}
	return &AnthropicClient{
		client: anthropic.NewClient(append(base, opts...)...),
		model:  model,
	}, nil
}

// AnthropicFactory adapts NewAnthropicClient to a registry Factory.
func AnthropicFactory(cred config.Credential) (Client, error) {
	return NewAnthropicClient(cred)
}

// Name implements Client.
func (c *AnthropicClient) Name() string { return config.ProviderClaude }

// Complete implements Client.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (string, error) {
	messages := make([]anthropic.MessageParam, 0, len(req.Turns))
	for _, turn := range req.Turns {
		block := anthropic.NewTextBlock(turn.Content)
		if turn.Role == domain.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(maxTokens(req.MaxTokens)),
		Messages:  messages,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic messages: %w", err)
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("anthropic: %w", errEmptyCompletion)
	}
	return sb.String(), nil
}

func maxTokens(n int) int {
	if n <= 0 {
		return DefaultMaxTokens
	}
	return n
}
