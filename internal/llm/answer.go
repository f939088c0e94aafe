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

	"github.com/BitGladiator/Prepster/internal/agent"
	"go.uber.org/zap"
)

// RespondRequest is the wire body of the answer service.
type RespondRequest struct {
	UserInput           string       `json:"userInput"`
	Question            string       `json:"question"`
	ConversationHistory []agent.Turn `json:"conversationHistory"`
}

// RespondResponse is the answer service's success body.
type RespondResponse struct {
	Response string `json:"response"`
}

// AnswerClient calls the answer service over HTTP. It implements agent.Answerer.
type AnswerClient struct {
	HTTPClient *http.Client
	URL        string
	Timeout    time.Duration
	// AuthToken is sent as X-Auth-Token when the service is password protected.
	AuthToken string
	Logger    *zap.Logger
}

func NewAnswerClient(url string, timeout time.Duration, logger *zap.Logger) *AnswerClient {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AnswerClient{
		HTTPClient: &http.Client{},
		URL:        url,
		Timeout:    timeout,
		Logger:     logger,
	}
}

// Respond asks the service for an acknowledgement. Every failure is reported
// as ErrServiceUnavailable wrapping the cause.
func (c *AnswerClient) Respond(ctx context.Context, req agent.AnswerRequest) (string, error) {
	reply, err := c.respond(ctx, req)
	if err != nil {
		c.Logger.Warn("answer service call failed", zap.String("url", c.URL), zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}
	return reply, nil
}

func (c *AnswerClient) respond(ctx context.Context, req agent.AnswerRequest) (string, error) {
	if c.URL == "" {
		return "", fmt.Errorf("answer service url missing")
	}
	history := req.History
	if history == nil {
		history = []agent.Turn{}
	}
	body, err := json.Marshal(RespondRequest{
		UserInput:           req.UserInput,
		Question:            req.Question,
		ConversationHistory: history,
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.AuthToken != "" {
		httpReq.Header.Set("X-Auth-Token", c.AuthToken)
	}

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var rr RespondResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	reply := strings.TrimSpace(rr.Response)
	if reply == "" {
		return "", fmt.Errorf("empty response")
	}
	return reply, nil
}
