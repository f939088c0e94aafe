package agent

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeInput struct {
	openErr   error
	openBlock bool
	// onStart runs in its own goroutine for every capture attempt.
	onStart func(n int, emit func(CaptureEvent))

	mu     sync.Mutex
	opens  int
	starts int
	stops  int
	closes int
	emits  []func(CaptureEvent)
}

func (f *fakeInput) Open(ctx context.Context) error {
	f.mu.Lock()
	f.opens++
	f.mu.Unlock()
	if f.openBlock {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.openErr
}

func (f *fakeInput) StartCapture(_ context.Context, emit func(CaptureEvent)) error {
	f.mu.Lock()
	f.starts++
	n := f.starts
	f.emits = append(f.emits, emit)
	onStart := f.onStart
	f.mu.Unlock()
	if onStart != nil {
		go onStart(n, emit)
	}
	return nil
}

func (f *fakeInput) StopCapture() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func (f *fakeInput) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return nil
}

func (f *fakeInput) counts() (opens, starts, closes int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens, f.starts, f.closes
}

func (f *fakeInput) emitAt(i int) func(CaptureEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.emits[i]
}

type fakeOutput struct {
	err   error
	block bool

	mu      sync.Mutex
	spoken  []string
	active  int32
	overlap int32
}

func (f *fakeOutput) Speak(ctx context.Context, text string) error {
	if atomic.AddInt32(&f.active, 1) > 1 {
		atomic.StoreInt32(&f.overlap, 1)
	}
	defer atomic.AddInt32(&f.active, -1)
	f.mu.Lock()
	f.spoken = append(f.spoken, text)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.err
}

func (f *fakeOutput) said() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.spoken))
	copy(out, f.spoken)
	return out
}

type fakeAnswerer struct {
	reply string
	err   error
	// release, when set, holds every call until it is closed.
	release chan struct{}

	mu   sync.Mutex
	reqs []AnswerRequest
}

func (f *fakeAnswerer) Respond(ctx context.Context, req AnswerRequest) (string, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, f.err
}

func (f *fakeAnswerer) requests() []AnswerRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]AnswerRequest, len(f.reqs))
	copy(out, f.reqs)
	return out
}

// recorder is an Observer and Stats that remembers everything.
type recorder struct {
	mu       sync.Mutex
	states   []CallState
	locks    []TurnLock
	turns    []Turn
	progress [][2]int
	illegal  []string

	retried, skipped, fallbacks, speechFailed int
}

func (r *recorder) StateChanged(s CallState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) TurnLockChanged(l TurnLock) {
	r.mu.Lock()
	prev := LockIdle
	if len(r.locks) > 0 {
		prev = r.locks[len(r.locks)-1]
	}
	if !CanTransition(prev, l) {
		r.illegal = append(r.illegal, prev.String()+"->"+l.String())
	}
	r.locks = append(r.locks, l)
	r.mu.Unlock()
}

func (r *recorder) TurnAppended(t Turn) {
	r.mu.Lock()
	r.turns = append(r.turns, t)
	r.mu.Unlock()
}

func (r *recorder) QuestionProgress(cursor, total int) {
	r.mu.Lock()
	r.progress = append(r.progress, [2]int{cursor, total})
	r.mu.Unlock()
}

func (r *recorder) CaptureRetried() { r.mu.Lock(); r.retried++; r.mu.Unlock() }
func (r *recorder) TurnSkipped()    { r.mu.Lock(); r.skipped++; r.mu.Unlock() }
func (r *recorder) AnswerFallback() { r.mu.Lock(); r.fallbacks++; r.mu.Unlock() }
func (r *recorder) SpeechFailed()   { r.mu.Lock(); r.speechFailed++; r.mu.Unlock() }

func (r *recorder) illegalTransitions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.illegal...)
}

func (r *recorder) stateLog() []CallState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CallState(nil), r.states...)
}

func testOptions(rec *recorder) Options {
	opts := DefaultOptions()
	opts.CaptureRetryDelay = 5 * time.Millisecond
	opts.AnswerTimeout = time.Second
	opts.Observer = rec
	opts.Stats = rec
	return opts
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond, msg)
}

func waitListening(t *testing.T, o *Orchestrator, cursor int) {
	t.Helper()
	waitFor(t, func() bool {
		return o.TurnLock() == LockListening && o.Cursor() == cursor
	}, "listening on question")
}

func waitFinished(t *testing.T, o *Orchestrator) {
	t.Helper()
	waitFor(t, func() bool { return o.State() == StateFinished }, "call finished")
}
