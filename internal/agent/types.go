package agent

import (
	"context"
	"errors"
)

var (
	// ErrNoQuestions is returned by Start when the question set is empty.
	ErrNoQuestions = errors.New("no questions")
	// ErrMicrophoneUnavailable is returned by Start when the speech input
	// channel cannot be acquired.
	ErrMicrophoneUnavailable = errors.New("microphone unavailable")
	// ErrAlreadyRunning is returned by Start while a call is connecting or active.
	ErrAlreadyRunning = errors.New("call already running")
	// ErrCallEnded is returned by Start when End interrupted resource acquisition.
	ErrCallEnded = errors.New("call ended")
	// ErrCaptureTimeout marks a capture attempt that heard no speech in time.
	ErrCaptureTimeout = errors.New("capture timeout")
	// ErrCaptureFailed marks a capture attempt that failed for any other reason.
	ErrCaptureFailed = errors.New("capture failed")
)

// CallState is the lifecycle of a single interview call.
type CallState int

const (
	StateInactive CallState = iota
	StateConnecting
	StateActive
	StateFinished
)

func (s CallState) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateFinished:
		return "finished"
	}
	return "unknown"
}

// TurnLock is the single mode flag that makes speaking, listening and
// processing mutually exclusive.
type TurnLock int

const (
	LockIdle TurnLock = iota
	LockSpeaking
	LockListening
	LockProcessing
)

func (l TurnLock) String() string {
	switch l {
	case LockIdle:
		return "idle"
	case LockSpeaking:
		return "speaking"
	case LockListening:
		return "listening"
	case LockProcessing:
		return "processing"
	}
	return "unknown"
}

// lockTransitions lists every legal TurnLock move. Anything else is a bug in
// the orchestrator.
var lockTransitions = map[TurnLock][]TurnLock{
	LockIdle:       {LockSpeaking, LockListening},
	LockSpeaking:   {LockIdle},
	LockListening:  {LockProcessing, LockIdle},
	LockProcessing: {LockSpeaking, LockIdle},
}

// CanTransition reports whether the lock may move from one mode to another.
// Any mode may fall back to Idle when the call ends.
func CanTransition(from, to TurnLock) bool {
	if from == to {
		return false
	}
	for _, next := range lockTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Role identifies who produced a turn.
type Role string

const (
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

// Turn is one utterance in the conversation log.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// SpeechOutput speaks text. Speak returns once playback has completed or
// failed; a new call cancels any playback still in flight. A returned error
// only reports the failure, the caller treats the text as spoken.
type SpeechOutput interface {
	Speak(ctx context.Context, text string) error
}

// CaptureKind tags a capture event.
type CaptureKind int

const (
	CapturePartial CaptureKind = iota
	CaptureFinal
	CaptureError
	CaptureTimeout
)

func (k CaptureKind) String() string {
	switch k {
	case CapturePartial:
		return "partial"
	case CaptureFinal:
		return "final"
	case CaptureError:
		return "error"
	case CaptureTimeout:
		return "timeout"
	}
	return "unknown"
}

// Terminal reports whether the event closes a capture attempt.
func (k CaptureKind) Terminal() bool { return k != CapturePartial }

// CaptureEvent is emitted by a SpeechInput during a capture attempt.
type CaptureEvent struct {
	Kind CaptureKind
	Text string
	Err  error
}

// SpeechInput captures the candidate's speech and turns it into text.
//
// Open acquires the session-scoped resources (microphone stream, transcription
// channel) and must give up when ctx is cancelled. Each StartCapture opens one
// attempt that reports zero or more partials followed by exactly one terminal
// event through emit. emit may be called from any goroutine. StopCapture is
// idempotent; Close releases everything Open acquired.
type SpeechInput interface {
	Open(ctx context.Context) error
	StartCapture(ctx context.Context, emit func(CaptureEvent)) error
	StopCapture()
	Close() error
}

// AnswerRequest is what the answer service needs to produce an acknowledgement.
type AnswerRequest struct {
	Question  string
	UserInput string
	History   []Turn
}

// Answerer produces a short spoken acknowledgement for a candidate's answer.
type Answerer interface {
	Respond(ctx context.Context, req AnswerRequest) (string, error)
}

// Observer receives orchestrator events on the orchestrator's own goroutine.
// Implementations must not block and must not call back into the orchestrator.
type Observer interface {
	StateChanged(state CallState)
	TurnLockChanged(lock TurnLock)
	TurnAppended(turn Turn)
	QuestionProgress(cursor, total int)
}

// Stats counts the non-fatal failures the orchestrator absorbs.
type Stats interface {
	CaptureRetried()
	TurnSkipped()
	AnswerFallback()
	SpeechFailed()
}

type nopObserver struct{}

func (nopObserver) StateChanged(CallState)    {}
func (nopObserver) TurnLockChanged(TurnLock)  {}
func (nopObserver) TurnAppended(Turn)         {}
func (nopObserver) QuestionProgress(int, int) {}

type nopStats struct{}

func (nopStats) CaptureRetried() {}
func (nopStats) TurnSkipped()    {}
func (nopStats) AnswerFallback() {}
func (nopStats) SpeechFailed()   {}

// Observers fans events out to several observers in order.
type Observers []Observer

func (os Observers) StateChanged(s CallState) {
	for _, o := range os {
		o.StateChanged(s)
	}
}

func (os Observers) TurnLockChanged(l TurnLock) {
	for _, o := range os {
		o.TurnLockChanged(l)
	}
}

func (os Observers) TurnAppended(t Turn) {
	for _, o := range os {
		o.TurnAppended(t)
	}
}

func (os Observers) QuestionProgress(cursor, total int) {
	for _, o := range os {
		o.QuestionProgress(cursor, total)
	}
}
