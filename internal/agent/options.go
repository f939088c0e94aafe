package agent

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultGreeting    = "Hello %s! Welcome to your interview. I'll ask you a few questions, so take your time with each answer. Let's begin."
	DefaultClosing     = "That concludes our interview. Thank you for your time, %s. Best of luck!"
	DefaultFallbackAck = "Thank you for your answer. Let's move on to the next question."
)

// Options tunes an Orchestrator. Zero-valued text and durations fall back to
// the defaults; CaptureRetries is taken as is.
type Options struct {
	// Greeting and Closing may contain one %s for the candidate's name.
	Greeting    string
	Closing     string
	FallbackAck string

	CaptureRetries    int
	CaptureRetryDelay time.Duration
	AnswerTimeout     time.Duration
	// SpeakTimeout bounds one utterance; a stalled output counts as spoken.
	SpeakTimeout time.Duration

	Observer Observer
	Stats    Stats
	Logger   *zap.Logger
}

// DefaultOptions returns the production settings.
func DefaultOptions() Options {
	return Options{
		Greeting:          DefaultGreeting,
		Closing:           DefaultClosing,
		FallbackAck:       DefaultFallbackAck,
		CaptureRetries:    1,
		CaptureRetryDelay: time.Second,
		AnswerTimeout:     8 * time.Second,
		SpeakTimeout:      time.Minute,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if strings.TrimSpace(o.Greeting) == "" {
		o.Greeting = d.Greeting
	}
	if strings.TrimSpace(o.Closing) == "" {
		o.Closing = d.Closing
	}
	if strings.TrimSpace(o.FallbackAck) == "" {
		o.FallbackAck = d.FallbackAck
	}
	if o.CaptureRetryDelay <= 0 {
		o.CaptureRetryDelay = d.CaptureRetryDelay
	}
	if o.AnswerTimeout <= 0 {
		o.AnswerTimeout = d.AnswerTimeout
	}
	if o.SpeakTimeout <= 0 {
		o.SpeakTimeout = d.SpeakTimeout
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	if o.Stats == nil {
		o.Stats = nopStats{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// render fills the candidate's name into a greeting or closing template.
func render(tpl, userName string) string {
	name := strings.TrimSpace(userName)
	if name == "" {
		name = "there"
	}
	if strings.Count(tpl, "%s") != 1 {
		return tpl
	}
	return fmt.Sprintf(tpl, name)
}

// cleanQuestions copies the question set, dropping blank entries.
func cleanQuestions(questions []string) []string {
	out := make([]string, 0, len(questions))
	for _, q := range questions {
		if q = strings.TrimSpace(q); q != "" {
			out = append(out, q)
		}
	}
	return out
}
