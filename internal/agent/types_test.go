package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	all := []TurnLock{LockIdle, LockSpeaking, LockListening, LockProcessing}
	legal := map[[2]TurnLock]bool{
		{LockIdle, LockSpeaking}:        true,
		{LockIdle, LockListening}:       true,
		{LockSpeaking, LockIdle}:        true,
		{LockListening, LockProcessing}: true,
		{LockListening, LockIdle}:       true,
		{LockProcessing, LockSpeaking}:  true,
		{LockProcessing, LockIdle}:      true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, legal[[2]TurnLock{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestEnumStrings(t *testing.T) {
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "finished", StateFinished.String())
	assert.Equal(t, "unknown", CallState(42).String())
	assert.Equal(t, "processing", LockProcessing.String())
	assert.Equal(t, "timeout", CaptureTimeout.String())
	assert.False(t, CapturePartial.Terminal())
	assert.True(t, CaptureError.Terminal())
}

func TestObserversFanOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	obs := Observers{a, b}
	obs.StateChanged(StateActive)
	obs.TurnAppended(Turn{RoleUser, "hi"})
	obs.QuestionProgress(1, 3)
	obs.TurnLockChanged(LockSpeaking)

	for _, r := range []*recorder{a, b} {
		assert.Equal(t, []CallState{StateActive}, r.states)
		assert.Equal(t, []Turn{{RoleUser, "hi"}}, r.turns)
		assert.Equal(t, [][2]int{{1, 3}}, r.progress)
		assert.Equal(t, []TurnLock{LockSpeaking}, r.locks)
	}
}
