package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const cerebrasEndpoint = "https://api.cerebras.ai/v1/chat/completions"

// CerebrasClient talks to the Cerebras chat completions API.
type CerebrasClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
	Endpoint   string
}

type chatCompletionsRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_completion_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

type chatChoice struct {
	Index        int     `json:"index"`
	FinishReason string  `json:"finish_reason"`
	Message      Message `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

func NewCerebrasClient(apiKey, model string) *CerebrasClient {
	return &CerebrasClient{
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		APIKey:     apiKey,
		Model:      model,
		Endpoint:   cerebrasEndpoint,
	}
}

func (c *CerebrasClient) Complete(ctx context.Context, messages []Message) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("cerebras api key missing")
	}
	endpoint := c.Endpoint
	if endpoint == "" {
		endpoint = cerebrasEndpoint
	}

	reqBody, err := json.Marshal(chatCompletionsRequest{
		Model:       c.Model,
		Messages:    messages,
		MaxTokens:   maxReplyTokens,
		Temperature: replyTemperature,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("cerebras error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", fmt.Errorf("cerebras: decode response: %w", err)
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("cerebras: %w", ErrEmptyReply)
	}
	answer := strings.TrimSpace(cr.Choices[0].Message.Content)
	if answer == "" {
		return "", fmt.Errorf("cerebras: %w", ErrEmptyReply)
	}
	return answer, nil
}
