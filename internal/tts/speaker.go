package tts

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// ErrSpeechOutput wraps every synthesis or playback failure.
var ErrSpeechOutput = errors.New("speech output failed")

// Streamer synthesizes text into 48kHz mono PCM16 little-endian chunks. The
// PCM channel is closed when synthesis ends; the error channel carries at most
// one error and is closed as well.
type Streamer interface {
	StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error)
}

// Sink plays 48kHz PCM toward the candidate.
type Sink interface {
	WritePCM(pcm []byte)
	// FlushTail pushes any buffered partial frame plus a short silence.
	FlushTail()
	// Reset drops everything queued but not yet played.
	Reset()
	// WaitDrained blocks until all queued audio has been played.
	WaitDrained(ctx context.Context) error
}

// Speaker implements agent.SpeechOutput on top of a Streamer and a Sink.
// A new Speak cancels playback still in flight.
type Speaker struct {
	streamer Streamer
	sink     Sink
	log      *zap.Logger

	// OnSpeaking, if set, is called with true when audio starts and false
	// when the utterance is over.
	OnSpeaking func(speaking bool)

	mu     sync.Mutex
	cancel context.CancelFunc
	seq    uint64
}

func NewSpeaker(streamer Streamer, sink Sink, logger *zap.Logger) *Speaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Speaker{streamer: streamer, sink: sink, log: logger}
}

// Speak synthesizes text sentence by sentence and returns once the sink has
// played everything. Cancellation returns ctx.Err() after dropping queued audio.
func (s *Speaker) Speak(ctx context.Context, text string) error {
	chunks := SplitSentences(text)
	if len(chunks) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.sink.Reset()
	}
	s.seq++
	seq := s.seq
	s.cancel = cancel
	s.mu.Unlock()
	defer s.release(seq, cancel)

	s.notify(true)
	defer s.notify(false)

	for i, chunk := range chunks {
		if err := s.streamChunk(ctx, chunk); err != nil {
			if ctx.Err() != nil {
				s.resetIfCurrent(seq)
				return ctx.Err()
			}
			s.resetIfCurrent(seq)
			s.log.Warn("tts chunk failed", zap.Int("chunk", i), zap.Error(err))
			return fmt.Errorf("%w: %w", ErrSpeechOutput, err)
		}
	}
	s.sink.FlushTail()
	if err := s.sink.WaitDrained(ctx); err != nil {
		s.resetIfCurrent(seq)
		return err
	}
	return nil
}

// Stop cancels any playback in flight.
func (s *Speaker) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.sink.Reset()
}

func (s *Speaker) streamChunk(ctx context.Context, chunk string) error {
	pcmCh, errCh := s.streamer.StreamPCM48k(ctx, chunk)
	var streamErr error
	wrote := false
	for pcmCh != nil || errCh != nil {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				pcmCh = nil
				continue
			}
			if len(b) > 0 {
				s.sink.WritePCM(b)
				wrote = true
			}
		case e, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if e != nil && streamErr == nil {
				streamErr = e
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if streamErr != nil {
		return streamErr
	}
	if !wrote {
		return fmt.Errorf("no audio for %q", chunk)
	}
	return nil
}

func (s *Speaker) release(seq uint64, cancel context.CancelFunc) {
	cancel()
	s.mu.Lock()
	if s.seq == seq {
		s.cancel = nil
	}
	s.mu.Unlock()
}

// resetIfCurrent drops queued audio unless a newer utterance owns the sink.
func (s *Speaker) resetIfCurrent(seq uint64) {
	s.mu.Lock()
	current := s.seq == seq
	s.mu.Unlock()
	if current {
		s.sink.Reset()
	}
}

func (s *Speaker) notify(speaking bool) {
	if s.OnSpeaking != nil {
		s.OnSpeaking(speaking)
	}
}
