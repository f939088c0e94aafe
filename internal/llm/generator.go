package llm

import (
	"context"
	"errors"
)

// ErrServiceUnavailable covers every way the answer service can fail to give
// a usable reply: transport errors, timeouts, non-2xx statuses, malformed or
// empty bodies.
var ErrServiceUnavailable = errors.New("answer service unavailable")

// ErrEmptyReply is returned by a Generator whose model produced no text.
var ErrEmptyReply = errors.New("empty completion")

// Message is one chat message sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Generator turns a chat transcript into the model's next message.
type Generator interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}
