package llm

import (
	"context"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient generates replies through any OpenAI-compatible endpoint.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// NewOpenAIClient builds a client. baseURL may be empty for api.openai.com.
func NewOpenAIClient(apiKey, baseURL, model string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model}
}

func (c *OpenAIClient) Complete(ctx context.Context, messages []Message) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Messages:    msgs,
		MaxTokens:   maxReplyTokens,
		Temperature: float32(replyTemperature),
	})
	if err != nil {
		return "", fmt.Errorf("openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai: %w", ErrEmptyReply)
	}
	answer := strings.TrimSpace(resp.Choices[0].Message.Content)
	if answer == "" {
		return "", fmt.Errorf("openai: %w", ErrEmptyReply)
	}
	return answer, nil
}
