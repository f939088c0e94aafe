package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Orchestrator runs one interview call: it speaks the greeting and each
// question, listens for the answer, asks the answer service for an
// acknowledgement and advances until the question set is exhausted.
//
// All call state is owned by a single loop goroutine. Port completions are
// posted back onto that loop tagged with the call generation (and the capture
// attempt), so anything arriving after End or after a newer attempt is dropped.
type Orchestrator struct {
	in      SpeechInput
	out     SpeechOutput
	answers Answerer
	opts    Options
	obs     Observer
	stats   Stats
	log     *zap.Logger

	inbox     chan func()
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// loop-owned
	gen          uint64
	attempt      uint64
	sessCtx      context.Context
	sessCancel   context.CancelFunc
	pendingStart chan error
	policy       *capturePolicy
	retryTimer   *time.Timer

	// written on the loop under mu, readable from anywhere
	mu        sync.Mutex
	state     CallState
	lock      TurnLock
	cursor    int
	questions []string
	turns     []Turn
	userName  string
}

// NewOrchestrator builds an orchestrator and starts its loop. Call Close when
// the call's transport goes away.
func NewOrchestrator(in SpeechInput, out SpeechOutput, answers Answerer, opts Options) *Orchestrator {
	opts = opts.withDefaults()
	o := &Orchestrator{
		in:      in,
		out:     out,
		answers: answers,
		opts:    opts,
		obs:     opts.Observer,
		stats:   opts.Stats,
		log:     opts.Logger,
		inbox:   make(chan func(), 64),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		policy:  newCapturePolicy(opts.CaptureRetries, opts.CaptureRetryDelay),
	}
	go o.run()
	return o
}

func (o *Orchestrator) run() {
	defer close(o.stopped)
	for {
		select {
		case fn := <-o.inbox:
			fn()
		case <-o.quit:
			return
		}
	}
}

// post schedules fn on the loop. It reports false once the orchestrator is closed.
func (o *Orchestrator) post(fn func()) bool {
	select {
	case o.inbox <- fn:
		return true
	case <-o.quit:
		return false
	}
}

// do runs fn on the loop and waits for it. Must not be called from the loop.
func (o *Orchestrator) do(fn func()) bool {
	done := make(chan struct{})
	if !o.post(func() { fn(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-o.stopped:
		return false
	}
}

// Start begins an interview. It returns once the speech input channel has
// been acquired; the interview then runs on its own until it finishes or End
// is called. An empty question set fails with ErrNoQuestions without touching
// any port; a failed acquisition returns ErrMicrophoneUnavailable and leaves
// the call Inactive.
func (o *Orchestrator) Start(ctx context.Context, userName string, questions []string) error {
	qs := cleanQuestions(questions)
	if len(qs) == 0 {
		return ErrNoQuestions
	}
	reply := make(chan error, 1)
	if !o.do(func() { o.begin(userName, qs, reply) }) {
		return ErrCallEnded
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		o.End()
		return ctx.Err()
	}
}

// OnTranscript delivers a final transcript for the question being asked. It
// is ignored unless the call is currently listening.
func (o *Orchestrator) OnTranscript(text string) {
	o.post(func() { o.handleTranscript(text) })
}

// End stops the call from any state. It cancels playback, stops capture,
// releases the speech input and marks the call Finished. Calling it again, or
// on a call that never started, has no effect.
func (o *Orchestrator) End() {
	o.do(o.finish)
}

// Close ends the call and stops the loop.
func (o *Orchestrator) Close() {
	o.End()
	o.closeOnce.Do(func() { close(o.quit) })
	<-o.stopped
}

func (o *Orchestrator) State() CallState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) TurnLock() TurnLock {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lock
}

func (o *Orchestrator) Cursor() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cursor
}

// Turns returns a copy of the conversation log.
func (o *Orchestrator) Turns() []Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Turn, len(o.turns))
	copy(out, o.turns)
	return out
}

// Questions returns a copy of the active question set.
func (o *Orchestrator) Questions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]string, len(o.questions))
	copy(out, o.questions)
	return out
}

// --- loop side ---

func (o *Orchestrator) begin(userName string, questions []string, reply chan error) {
	if o.state == StateConnecting || o.state == StateActive {
		reply <- ErrAlreadyRunning
		return
	}
	o.gen++
	gen := o.gen
	o.sessCtx, o.sessCancel = context.WithCancel(context.Background())
	o.policy.reset()
	o.pendingStart = reply

	o.mu.Lock()
	o.userName = userName
	o.questions = questions
	o.turns = nil
	o.cursor = 0
	o.lock = LockIdle
	o.mu.Unlock()

	o.setState(StateConnecting)
	o.log.Info("interview connecting", zap.String("user", userName), zap.Int("questions", len(questions)))

	ctx := o.sessCtx
	go func() {
		err := o.in.Open(ctx)
		o.post(func() { o.opened(gen, err) })
	}()
}

func (o *Orchestrator) opened(gen uint64, err error) {
	if gen != o.gen || o.state != StateConnecting {
		return
	}
	reply := o.pendingStart
	o.pendingStart = nil
	if err != nil {
		o.log.Warn("speech input unavailable", zap.Error(err))
		o.sessCancel()
		if cerr := o.in.Close(); cerr != nil {
			o.log.Debug("speech input close after failed open", zap.Error(cerr))
		}
		o.setState(StateInactive)
		reply <- fmt.Errorf("%w: %w", ErrMicrophoneUnavailable, err)
		return
	}
	o.setState(StateActive)
	reply <- nil

	greeting := render(o.opts.Greeting, o.userName)
	o.appendTurn(RoleAssistant, greeting)
	o.speak(greeting, o.askCurrentQuestion)
}

// speak plays text and runs then on the loop once playback is over. Playback
// failures are logged and otherwise treated as completed playback.
func (o *Orchestrator) speak(text string, then func()) {
	o.setLock(LockSpeaking)
	gen, timeout := o.gen, o.opts.SpeakTimeout
	ctx, cancel := context.WithTimeout(o.sessCtx, timeout)
	go func() {
		defer cancel()
		err := o.out.Speak(ctx, text)
		o.post(func() {
			if gen != o.gen || o.state != StateActive {
				return
			}
			if err != nil {
				o.stats.SpeechFailed()
				o.log.Warn("speech output failed, treating as spoken", zap.Error(err))
			}
			o.setLock(LockIdle)
			then()
		})
	}()
}

func (o *Orchestrator) askCurrentQuestion() {
	if o.state != StateActive {
		return
	}
	if o.cursor >= len(o.questions) {
		o.finish()
		return
	}
	if o.lock != LockIdle {
		o.log.Error("ask while turn lock busy", zap.Stringer("lock", o.lock))
		return
	}
	q := o.questions[o.cursor]
	o.policy.reset()
	o.obs.QuestionProgress(o.cursor, len(o.questions))
	o.appendTurn(RoleAssistant, q)
	o.speak(q, o.listen)
}

func (o *Orchestrator) listen() {
	if o.state != StateActive || o.lock != LockIdle {
		return
	}
	o.setLock(LockListening)
	o.startCapture()
}

func (o *Orchestrator) startCapture() {
	o.attempt++
	gen, attempt := o.gen, o.attempt
	emit := func(ev CaptureEvent) {
		o.post(func() { o.onCapture(gen, attempt, ev) })
	}
	if err := o.in.StartCapture(o.sessCtx, emit); err != nil {
		o.onCapture(gen, attempt, CaptureEvent{Kind: CaptureError, Err: err})
	}
}

func (o *Orchestrator) onCapture(gen, attempt uint64, ev CaptureEvent) {
	if gen != o.gen || attempt != o.attempt || o.state != StateActive || o.lock != LockListening {
		o.log.Debug("dropping stale capture event", zap.Stringer("kind", ev.Kind))
		return
	}
	switch ev.Kind {
	case CapturePartial:
		o.log.Debug("partial transcript", zap.String("text", ev.Text))
	case CaptureFinal:
		if strings.TrimSpace(ev.Text) == "" {
			o.captureFailed(ErrCaptureTimeout)
			return
		}
		o.handleTranscript(ev.Text)
	case CaptureTimeout:
		o.captureFailed(ErrCaptureTimeout)
	default:
		err := ev.Err
		if err == nil {
			err = ErrCaptureFailed
		} else if !errors.Is(err, ErrCaptureFailed) && !errors.Is(err, ErrCaptureTimeout) {
			err = fmt.Errorf("%w: %w", ErrCaptureFailed, err)
		}
		o.captureFailed(err)
	}
}

// captureFailed retries the capture once the policy allows it, otherwise the
// question is skipped without a user turn.
func (o *Orchestrator) captureFailed(err error) {
	o.in.StopCapture()
	// invalidate anything still in flight from the failed attempt
	o.attempt++
	if delay, ok := o.policy.next(); ok {
		o.stats.CaptureRetried()
		o.log.Info("capture failed, retrying", zap.Error(err), zap.Duration("delay", delay))
		gen, attempt := o.gen, o.attempt
		o.retryTimer = time.AfterFunc(delay, func() {
			o.post(func() { o.retryCapture(gen, attempt) })
		})
		return
	}
	o.stats.TurnSkipped()
	o.log.Warn("capture failed, skipping question", zap.Error(err), zap.Int("cursor", o.cursor))
	o.setLock(LockIdle)
	o.advance()
}

func (o *Orchestrator) retryCapture(gen, attempt uint64) {
	if gen != o.gen || attempt != o.attempt || o.state != StateActive || o.lock != LockListening {
		return
	}
	o.startCapture()
}

func (o *Orchestrator) handleTranscript(text string) {
	text = strings.TrimSpace(text)
	if o.state != StateActive || o.lock != LockListening || text == "" {
		o.log.Debug("ignoring transcript", zap.Stringer("lock", o.lock))
		return
	}
	o.setLock(LockProcessing)
	o.in.StopCapture()
	o.attempt++
	o.appendTurn(RoleUser, text)

	req := AnswerRequest{
		Question:  o.questions[o.cursor],
		UserInput: text,
		History:   o.snapshotTurns(),
	}
	gen, ctx, timeout := o.gen, o.sessCtx, o.opts.AnswerTimeout
	go func() {
		actx, cancel := context.WithTimeout(ctx, timeout)
		reply, err := o.answers.Respond(actx, req)
		cancel()
		o.post(func() { o.answered(gen, reply, err) })
	}()
}

func (o *Orchestrator) answered(gen uint64, reply string, err error) {
	if gen != o.gen || o.state != StateActive || o.lock != LockProcessing {
		return
	}
	reply = strings.TrimSpace(reply)
	if err != nil || reply == "" {
		o.stats.AnswerFallback()
		o.log.Warn("answer service unavailable, using fallback", zap.Error(err))
		reply = o.opts.FallbackAck
	}
	o.appendTurn(RoleAssistant, reply)
	o.speak(reply, o.advance)
}

// advance moves past the current question, closing the call after the last one.
func (o *Orchestrator) advance() {
	o.mu.Lock()
	o.cursor++
	cursor := o.cursor
	o.mu.Unlock()

	if cursor < len(o.questions) {
		o.askCurrentQuestion()
		return
	}
	o.obs.QuestionProgress(cursor, len(o.questions))
	closing := render(o.opts.Closing, o.userName)
	o.appendTurn(RoleAssistant, closing)
	o.speak(closing, o.finish)
}

func (o *Orchestrator) finish() {
	if o.state == StateInactive || o.state == StateFinished {
		return
	}
	o.gen++
	if o.retryTimer != nil {
		o.retryTimer.Stop()
		o.retryTimer = nil
	}
	if o.sessCancel != nil {
		o.sessCancel()
	}
	o.in.StopCapture()
	if err := o.in.Close(); err != nil {
		o.log.Warn("speech input close failed", zap.Error(err))
	}
	if o.lock != LockIdle {
		o.setLock(LockIdle)
	}
	if o.pendingStart != nil {
		o.pendingStart <- ErrCallEnded
		o.pendingStart = nil
	}
	o.setState(StateFinished)

	turns := o.snapshotTurns()
	o.log.Info("interview finished", zap.Int("cursor", o.Cursor()), zap.Int("questions", len(o.questions)), zap.Int("turns", len(turns)))
	for i, t := range turns {
		o.log.Debug("turn", zap.Int("n", i+1), zap.String("role", string(t.Role)), zap.String("content", t.Content))
	}
}

func (o *Orchestrator) setState(s CallState) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	o.obs.StateChanged(s)
}

func (o *Orchestrator) setLock(l TurnLock) {
	if !CanTransition(o.lock, l) {
		o.log.Error("illegal turn lock transition", zap.Stringer("from", o.lock), zap.Stringer("to", l))
	}
	o.mu.Lock()
	o.lock = l
	o.mu.Unlock()
	o.obs.TurnLockChanged(l)
}

func (o *Orchestrator) appendTurn(role Role, content string) {
	t := Turn{Role: role, Content: content}
	o.mu.Lock()
	o.turns = append(o.turns, t)
	o.mu.Unlock()
	o.obs.TurnAppended(t)
}

func (o *Orchestrator) snapshotTurns() []Turn {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Turn, len(o.turns))
	copy(out, o.turns)
	return out
}
