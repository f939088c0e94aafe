package llm

import (
	"fmt"
	"strings"

	"github.com/BitGladiator/Prepster/internal/agent"
)

const (
	maxReplyTokens   = 120
	replyTemperature = 0.6
	maxHistoryTurns  = 20
)

const interviewerPrompt = `You are a friendly, professional job interviewer speaking with a candidate over a voice call.
The candidate has just answered one of your questions. Reply with a short spoken acknowledgement of their answer: one or two sentences, warm and specific to what they said.
Do not ask the next question, do not ask follow-up questions, and do not evaluate or score the answer.
Plain text only. No lists, markdown, emojis or stage directions.`

// BuildMessages turns an answer request into a chat transcript for a
// Generator. The most recent history is replayed as chat turns and the
// candidate's answer is restated together with the question it answers.
func BuildMessages(req agent.AnswerRequest) []Message {
	history := req.History
	// the orchestrator sends the answer as the last history entry too
	if n := len(history); n > 0 && history[n-1].Role == agent.RoleUser &&
		strings.TrimSpace(history[n-1].Content) == strings.TrimSpace(req.UserInput) {
		history = history[:n-1]
	}
	if len(history) > maxHistoryTurns {
		history = history[len(history)-maxHistoryTurns:]
	}

	msgs := make([]Message, 0, len(history)+2)
	msgs = append(msgs, Message{Role: "system", Content: interviewerPrompt})
	for _, t := range history {
		role := "assistant"
		if t.Role == agent.RoleUser {
			role = "user"
		}
		msgs = append(msgs, Message{Role: role, Content: t.Content})
	}
	msgs = append(msgs, Message{
		Role:    "user",
		Content: fmt.Sprintf("Question: %s\nCandidate's answer: %s", strings.TrimSpace(req.Question), strings.TrimSpace(req.UserInput)),
	})
	return msgs
}
