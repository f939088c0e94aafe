// Package transcript turns the candidate's microphone audio into text using
// the AssemblyAI v3 streaming API. Service implements agent.SpeechInput.
package transcript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/BitGladiator/Prepster/internal/agent"
	"github.com/BitGladiator/Prepster/internal/audio"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const DefaultURL = "wss://streaming.assemblyai.com/v3/ws"

// ErrNotConnected is returned by StartCapture before Open or after the
// streaming connection dropped.
var ErrNotConnected = errors.New("transcription channel not connected")

// Options tunes a Service. Zero values take the defaults.
type Options struct {
	APIKey string
	URL    string

	// NoSpeechTimeout ends an attempt that heard neither voice nor text.
	NoSpeechTimeout time.Duration
	// MaxCapture bounds a single attempt even while the candidate keeps talking.
	MaxCapture time.Duration
	// SilenceThreshold is the inactivity window after the last transcript
	// update before an open turn is finalized locally.
	SilenceThreshold time.Duration
	// ContinuationExtension is added when the last word suggests more is coming.
	ContinuationExtension time.Duration
	// StabilizationGrace absorbs late transcript updates before finalizing.
	StabilizationGrace time.Duration
	// VoiceRMS is the energy level counted as voice activity.
	VoiceRMS float64

	Logger *zap.Logger
	Dialer *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.URL == "" {
		o.URL = DefaultURL
	}
	if o.NoSpeechTimeout <= 0 {
		o.NoSpeechTimeout = 15 * time.Second
	}
	if o.MaxCapture <= 0 {
		o.MaxCapture = 2 * time.Minute
	}
	if o.SilenceThreshold <= 0 {
		o.SilenceThreshold = 700 * time.Millisecond
	}
	if o.ContinuationExtension <= 0 {
		o.ContinuationExtension = 1200 * time.Millisecond
	}
	if o.StabilizationGrace <= 0 {
		o.StabilizationGrace = 250 * time.Millisecond
	}
	if o.VoiceRMS <= 0 {
		o.VoiceRMS = 250
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	return o
}

// AssemblyAI message types
type BeginMessage struct {
	Type      string `json:"type"`
	ID        string `json:"id"`
	ExpiresAt int64  `json:"expires_at"`
}

type TurnMessage struct {
	Type          string `json:"type"`
	TurnOrder     int    `json:"turn_order"`
	Transcript    string `json:"transcript"`
	EndOfTurn     bool   `json:"end_of_turn"`
	TurnFormatted bool   `json:"turn_is_formatted"`
}

type TerminationMessage struct {
	Type                   string  `json:"type"`
	AudioDurationSeconds   float64 `json:"audio_duration_seconds"`
	SessionDurationSeconds float64 `json:"session_duration_seconds"`
}

type ErrorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// stream is one websocket connection and its writer goroutine.
type stream struct {
	ws        *websocket.Conn
	frames    chan []byte
	stop      chan struct{}
	wmu       sync.Mutex
	closeOnce sync.Once
}

func (st *stream) writeJSON(v any) error {
	st.wmu.Lock()
	defer st.wmu.Unlock()
	_ = st.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return st.ws.WriteJSON(v)
}

func (st *stream) writeBinary(b []byte) error {
	st.wmu.Lock()
	defer st.wmu.Unlock()
	_ = st.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return st.ws.WriteMessage(websocket.BinaryMessage, b)
}

// capture is one listening attempt.
type capture struct {
	// emitMu orders partials before the terminal event; taken before Service.mu.
	emitMu sync.Mutex
	emit   func(agent.CaptureEvent)

	minTurn    int
	turnOrder  int
	latest     string
	lastUpdate time.Time
	lastVoice  time.Time
	heardText  bool
	done       bool
	graceArmed bool

	silenceTimer  *time.Timer
	noSpeechTimer *time.Timer
	maxTimer      *time.Timer
}

func (c *capture) stopTimers() {
	for _, t := range []*time.Timer{c.silenceTimer, c.noSpeechTimer, c.maxTimer} {
		if t != nil {
			t.Stop()
		}
	}
}

// Service streams microphone audio to AssemblyAI while a capture attempt is
// open and reports partial and final transcripts back to the caller.
type Service struct {
	opts   Options
	log    *zap.Logger
	framer *audio.Framer

	mu      sync.Mutex
	cur     *stream
	capture *capture
	// turns at or below endedTurn belong to earlier attempts
	endedTurn int
}

func NewService(opts Options) *Service {
	opts = opts.withDefaults()
	return &Service{
		opts:      opts,
		log:       opts.Logger,
		framer:    audio.NewFramer(audio.FrameBytes16k),
		endedTurn: -1,
	}
}

// Open dials the streaming endpoint. It is a no-op while already connected.
func (s *Service) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.cur != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if s.opts.APIKey == "" {
		return fmt.Errorf("assemblyai: API key is empty")
	}
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return fmt.Errorf("assemblyai: bad url: %w", err)
	}
	params := u.Query()
	params.Set("sample_rate", "16000")
	params.Set("encoding", "pcm_s16le")
	params.Set("format_turns", "false")
	u.RawQuery = params.Encode()

	header := http.Header{}
	header.Set("Authorization", s.opts.APIKey)
	ws, resp, err := s.opts.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			s.log.Warn("assemblyai handshake rejected", zap.Int("status", resp.StatusCode))
		}
		return fmt.Errorf("assemblyai: connect: %w", err)
	}

	if err := s.attach(ctx, ws); err != nil {
		return err
	}
	s.log.Info("assemblyai connected", zap.String("host", u.Host))
	return nil
}

// attach installs a dialed connection unless the caller gave up meanwhile or
// another Open won the race.
func (s *Service) attach(ctx context.Context, ws *websocket.Conn) error {
	st := &stream{ws: ws, frames: make(chan []byte, 256), stop: make(chan struct{})}
	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		_ = ws.Close()
		return err
	}
	if s.cur != nil {
		s.mu.Unlock()
		_ = ws.Close()
		return nil
	}
	s.cur = st
	s.endedTurn = -1
	s.mu.Unlock()

	go s.readLoop(st)
	go s.writeLoop(st)
	return nil
}

// Close terminates the streaming session. Any open attempt is dropped
// without a terminal event.
func (s *Service) Close() error {
	s.mu.Lock()
	st := s.cur
	s.cur = nil
	c := s.capture
	s.capture = nil
	if c != nil {
		c.done = true
		c.stopTimers()
	}
	s.mu.Unlock()
	s.framer.Reset()
	if st == nil {
		return nil
	}
	_ = st.writeJSON(map[string]string{"type": "Terminate"})
	s.shutdown(st)
	s.log.Info("assemblyai connection closed")
	return nil
}

func (s *Service) shutdown(st *stream) {
	st.closeOnce.Do(func() {
		close(st.stop)
		_ = st.ws.Close()
	})
}

// StartCapture opens a new attempt. A previous attempt still open is
// abandoned without a terminal event.
func (s *Service) StartCapture(_ context.Context, emit func(agent.CaptureEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cur == nil {
		return ErrNotConnected
	}
	if old := s.capture; old != nil {
		old.done = true
		old.stopTimers()
	}
	s.framer.Reset()
	c := &capture{
		emit:      emit,
		minTurn:   s.endedTurn + 1,
		turnOrder: -1,
	}
	c.noSpeechTimer = time.AfterFunc(s.opts.NoSpeechTimeout, func() { s.noSpeech(c) })
	c.maxTimer = time.AfterFunc(s.opts.MaxCapture, func() { s.maxReached(c) })
	s.capture = c
	return nil
}

// StopCapture closes the current attempt without a terminal event. It is
// safe to call at any time.
func (s *Service) StopCapture() {
	s.mu.Lock()
	c := s.capture
	if c == nil {
		s.mu.Unlock()
		return
	}
	s.capture = nil
	c.done = true
	c.stopTimers()
	st := s.closeTurnLocked(c)
	s.mu.Unlock()
	s.framer.Reset()
	s.forceEndpoint(st)
}

// closeTurnLocked marks the attempt's turn as consumed and returns the
// stream to notify, if any.
func (s *Service) closeTurnLocked(c *capture) *stream {
	if c.turnOrder > s.endedTurn {
		s.endedTurn = c.turnOrder
	}
	if c.turnOrder < 0 {
		return nil
	}
	return s.cur
}

// forceEndpoint asks the server to close the open turn so its late updates
// can be told apart from the next attempt.
func (s *Service) forceEndpoint(st *stream) {
	if st == nil {
		return
	}
	if err := st.writeJSON(map[string]string{"type": "ForceEndpoint"}); err != nil {
		s.log.Debug("assemblyai force endpoint failed", zap.Error(err))
	}
}

// WritePCM16k feeds 16kHz mono PCM16LE microphone audio. Audio is only
// forwarded while an attempt is open.
func (s *Service) WritePCM16k(pcm []byte) {
	s.mu.Lock()
	c := s.capture
	st := s.cur
	if c == nil || st == nil {
		s.mu.Unlock()
		return
	}
	step := 1
	if len(pcm) > audio.FrameBytes16k {
		step = 2
	}
	if len(pcm) >= 320 && audio.RMS(pcm, step) >= s.opts.VoiceRMS {
		c.lastVoice = time.Now()
		if !c.heardText && c.noSpeechTimer != nil {
			c.noSpeechTimer.Reset(s.opts.NoSpeechTimeout)
		}
	}
	s.mu.Unlock()

	for _, frame := range s.framer.Write(pcm) {
		select {
		case st.frames <- frame:
		default:
			s.log.Debug("assemblyai audio queue full, dropping frame")
		}
	}
}

// WriteSamples16k is WritePCM16k for decoded samples.
func (s *Service) WriteSamples16k(samples []int16) {
	s.WritePCM16k(audio.EncodePCM16LE(samples))
}

func (s *Service) writeLoop(st *stream) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovered from panic in assemblyai writer", zap.Any("panic", r))
		}
	}()
	for {
		select {
		case <-st.stop:
			return
		case frame := <-st.frames:
			if err := st.writeBinary(frame); err != nil {
				s.log.Warn("assemblyai send failed", zap.Error(err))
				s.dropped(st, err)
				return
			}
		}
	}
}

func (s *Service) readLoop(st *stream) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("recovered from panic in assemblyai reader", zap.Any("panic", r))
		}
	}()
	for {
		_, message, err := st.ws.ReadMessage()
		if err != nil {
			select {
			case <-st.stop:
			default:
				s.log.Warn("assemblyai read failed", zap.Error(err))
				s.dropped(st, err)
			}
			return
		}
		s.processMessage(message)
	}
}

// dropped handles an unexpected connection loss.
func (s *Service) dropped(st *stream, cause error) {
	s.mu.Lock()
	if s.cur != st {
		s.mu.Unlock()
		return
	}
	s.cur = nil
	c := s.capture
	s.mu.Unlock()
	s.shutdown(st)
	if c != nil {
		s.finish(c, agent.CaptureEvent{Kind: agent.CaptureError, Err: fmt.Errorf("assemblyai: connection lost: %w", cause)})
	}
}

func (s *Service) processMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(message, &base); err != nil {
		s.log.Warn("assemblyai: bad message", zap.Error(err))
		return
	}
	switch base.Type {
	case "Begin":
		var msg BeginMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.log.Warn("assemblyai: bad Begin message", zap.Error(err))
			return
		}
		s.log.Info("assemblyai session began", zap.String("session", msg.ID), zap.Time("expires_at", time.Unix(msg.ExpiresAt, 0)))
	case "Turn":
		var msg TurnMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.log.Warn("assemblyai: bad Turn message", zap.Error(err))
			return
		}
		s.onTurn(msg)
	case "Termination":
		var msg TerminationMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.log.Warn("assemblyai: bad Termination message", zap.Error(err))
			return
		}
		s.log.Info("assemblyai session terminated",
			zap.Float64("audio_seconds", msg.AudioDurationSeconds),
			zap.Float64("session_seconds", msg.SessionDurationSeconds))
		s.flushPending()
	case "Error":
		var msg ErrorMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			s.log.Warn("assemblyai: bad Error message", zap.Error(err))
			return
		}
		s.log.Warn("assemblyai error", zap.String("error", msg.Error))
		s.mu.Lock()
		c := s.capture
		s.mu.Unlock()
		if c != nil {
			s.finish(c, agent.CaptureEvent{Kind: agent.CaptureError, Err: fmt.Errorf("assemblyai: %s", msg.Error)})
		}
	default:
		s.log.Debug("assemblyai: unknown message type", zap.String("type", base.Type))
	}
}

func (s *Service) onTurn(msg TurnMessage) {
	text := strings.TrimSpace(msg.Transcript)
	s.mu.Lock()
	c := s.capture
	if c == nil || c.done || msg.TurnOrder < c.minTurn {
		s.mu.Unlock()
		return
	}
	if c.turnOrder >= 0 && msg.TurnOrder != c.turnOrder && c.latest != "" {
		// a new turn opened before the previous one was closed; keep both
		text = strings.TrimSpace(c.latest + " " + text)
	}
	c.turnOrder = msg.TurnOrder
	if text == "" {
		s.mu.Unlock()
		return
	}
	c.latest = text
	c.lastUpdate = time.Now()
	c.heardText = true
	c.graceArmed = false
	if c.noSpeechTimer != nil {
		c.noSpeechTimer.Stop()
	}
	if msg.EndOfTurn {
		s.mu.Unlock()
		s.finish(c, agent.CaptureEvent{Kind: agent.CaptureFinal, Text: text})
		return
	}
	if c.silenceTimer == nil {
		c.silenceTimer = time.AfterFunc(s.opts.SilenceThreshold, func() { s.silenceCheck(c) })
	} else {
		c.silenceTimer.Reset(s.opts.SilenceThreshold)
	}
	s.mu.Unlock()

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	s.mu.Lock()
	done := c.done
	s.mu.Unlock()
	if done {
		return
	}
	s.log.Debug("partial transcript", zap.String("text", text))
	c.emit(agent.CaptureEvent{Kind: agent.CapturePartial, Text: text})
}

// silenceCheck finalizes an open turn once neither text nor voice has been
// seen for the silence threshold, followed by a short stabilization grace.
func (s *Service) silenceCheck(c *capture) {
	s.mu.Lock()
	if s.capture != c || c.done {
		s.mu.Unlock()
		return
	}
	threshold := s.opts.SilenceThreshold
	if isContinuationLikely(c.latest) {
		threshold += s.opts.ContinuationExtension
	}
	now := time.Now()
	quiet := now.Sub(c.lastUpdate)
	if sinceVoice := now.Sub(c.lastVoice); sinceVoice < quiet {
		quiet = sinceVoice
	}
	if quiet < threshold {
		c.graceArmed = false
		wait := threshold - quiet
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		c.silenceTimer.Reset(wait)
		s.mu.Unlock()
		return
	}
	if !c.graceArmed {
		c.graceArmed = true
		c.silenceTimer.Reset(s.opts.StabilizationGrace)
		s.mu.Unlock()
		return
	}
	text := c.latest
	s.mu.Unlock()
	s.finish(c, agent.CaptureEvent{Kind: agent.CaptureFinal, Text: text})
}

func (s *Service) noSpeech(c *capture) {
	s.finish(c, agent.CaptureEvent{Kind: agent.CaptureTimeout})
}

func (s *Service) maxReached(c *capture) {
	s.mu.Lock()
	text := c.latest
	s.mu.Unlock()
	if text == "" {
		s.finish(c, agent.CaptureEvent{Kind: agent.CaptureTimeout})
		return
	}
	s.finish(c, agent.CaptureEvent{Kind: agent.CaptureFinal, Text: text})
}

// flushPending turns whatever the open attempt has heard into a final.
func (s *Service) flushPending() {
	s.mu.Lock()
	c := s.capture
	if c == nil || c.latest == "" {
		s.mu.Unlock()
		return
	}
	text := c.latest
	s.mu.Unlock()
	s.finish(c, agent.CaptureEvent{Kind: agent.CaptureFinal, Text: text})
}

// finish delivers the attempt's single terminal event.
func (s *Service) finish(c *capture, ev agent.CaptureEvent) {
	c.emitMu.Lock()
	s.mu.Lock()
	if c.done {
		s.mu.Unlock()
		c.emitMu.Unlock()
		return
	}
	c.done = true
	c.stopTimers()
	var st *stream
	if s.capture == c {
		s.capture = nil
		st = s.closeTurnLocked(c)
	}
	s.mu.Unlock()
	s.framer.Reset()
	s.log.Debug("capture finished", zap.Stringer("kind", ev.Kind), zap.String("text", ev.Text))
	c.emit(ev)
	c.emitMu.Unlock()
	s.forceEndpoint(st)
}

// isContinuationLikely returns true if the last meaningful word indicates the
// speaker is likely to continue (conjunctions, prepositions, fillers).
func isContinuationLikely(text string) bool {
	w := lastWord(text)
	if w == "" {
		return false
	}
	_, ok := continuationWords[w]
	return ok
}

func lastWord(text string) string {
	trim := strings.TrimSpace(text)
	if trim == "" {
		return ""
	}
	fields := strings.FieldsFunc(trim, func(r rune) bool { return !unicode.IsLetter(r) })
	if len(fields) == 0 {
		return ""
	}
	return strings.ToLower(fields[len(fields)-1])
}

var continuationWords = map[string]struct{}{
	// coordinating conjunctions
	"and": {}, "or": {}, "but": {}, "nor": {}, "yet": {}, "so": {},
	// subordinating conjunctions and conditionals
	"if": {}, "when": {}, "while": {}, "though": {}, "although": {},
	"because": {}, "since": {}, "unless": {}, "until": {}, "whereas": {},
	// fillers
	"also": {}, "plus": {}, "um": {}, "uh": {}, "like": {},
	// prepositions that rarely end a sentence
	"about": {}, "with": {}, "to": {}, "of": {}, "for": {}, "on": {}, "in": {}, "at": {},
}
