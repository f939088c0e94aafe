package rtc

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/BitGladiator/Prepster/internal/agent"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeChannel) SendText(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, s)
	return nil
}

func (f *fakeChannel) events(t *testing.T) []map[string]any {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]map[string]any, 0, len(f.sent))
	for _, s := range f.sent {
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(s), &m))
		out = append(out, m)
	}
	return out
}

func TestControl_EventsWireFormat(t *testing.T) {
	ch := &fakeChannel{}
	c := NewControl(nil, nil)
	c.Attach(ch)

	c.StateChanged(agent.StateActive)
	c.TurnLockChanged(agent.LockListening)
	c.TurnAppended(agent.Turn{Role: agent.RoleUser, Content: "I like Go"})
	c.QuestionProgress(0, 3)
	c.Speaking(false)
	c.Error(agent.ErrMicrophoneUnavailable)
	c.Error(nil)

	assert.Equal(t, []map[string]any{
		{"event": "stateChanged", "state": "active"},
		{"event": "turnLockChanged", "lock": "listening"},
		{"event": "turnAppended", "turn": map[string]any{"role": "user", "content": "I like Go"}},
		{"event": "questionProgress", "cursor": 0.0, "total": 3.0},
		{"event": "speaking", "speaking": false},
		{"event": "error", "error": "microphone unavailable"},
	}, ch.events(t))
}

func TestControl_BuffersUntilAttached(t *testing.T) {
	c := NewControl(nil, nil)
	for i := 0; i < maxPendingEvents+5; i++ {
		c.QuestionProgress(i, 100)
	}
	ch := &fakeChannel{}
	c.Attach(ch)
	c.StateChanged(agent.StateFinished)

	events := ch.events(t)
	require.Len(t, events, maxPendingEvents+1)
	assert.Equal(t, 5.0, events[0]["cursor"], "oldest events are dropped first")
	assert.Equal(t, "finished", events[len(events)-1]["state"])
}

func TestControl_SendFailureIsNotFatal(t *testing.T) {
	c := NewControl(nil, nil)
	c.Attach(&fakeChannel{err: errors.New("closed")})
	assert.NotPanics(t, func() { c.StateChanged(agent.StateActive) })
}

func TestControl_HandleMessage(t *testing.T) {
	tests := []struct {
		msg  string
		ends bool
	}{
		{"end", true},
		{" HANGUP\n", true},
		{`{"command":"end"}`, true},
		{`{"command":"hangup"}`, true},
		{"stop", false},
		{`{"command":"pause"}`, false},
		{`{"command":`, false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			ended := 0
			c := NewControl(func() { ended++ }, nil)
			c.HandleMessage([]byte(tt.msg))
			if tt.ends {
				assert.Equal(t, 1, ended)
			} else {
				assert.Zero(t, ended)
			}
		})
	}
}
