package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/BitGladiator/Prepster/internal/agent"
	"github.com/BitGladiator/Prepster/internal/audio"
	"github.com/BitGladiator/Prepster/internal/transcript"
	"github.com/BitGladiator/Prepster/internal/tts"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	// openTimeout bounds how long the transcription channel may take to connect.
	openTimeout = 10 * time.Second
	// hangupGrace lets the last control events reach the browser before the
	// peer connection is closed.
	hangupGrace = 2 * time.Second
	// 120ms is the longest Opus frame.
	maxDecodedSamples = audio.SampleRate16k * 120 / 1000
)

// call is one interview over one peer connection.
type call struct {
	id     string
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	pc      *webrtc.PeerConnection
	paced   *OpusPacedWriter
	input   *transcript.Service
	speaker *tts.Speaker
	control *Control
	orch    *agent.Orchestrator

	userName  string
	questions []string

	forget  func(id string)
	started atomic.Bool
	closed  atomic.Bool
}

var _ agent.Observer = (*call)(nil)

// onTrack starts the interview once the candidate's microphone is flowing.
func (c *call) onTrack(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if remote.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	if !c.started.CompareAndSwap(false, true) {
		return
	}
	c.log.Info("remote audio track received", zap.String("codec", remote.Codec().MimeType))

	dec, err := opus.NewDecoder(audio.SampleRate16k, 1)
	if err != nil {
		c.log.Error("opus decoder", zap.Error(err))
		c.control.Error(fmt.Errorf("%w: %w", agent.ErrMicrophoneUnavailable, err))
		c.closeAfter(hangupGrace, "decoder unavailable")
		return
	}
	go c.readMicrophone(remote, dec)
	go c.start()
}

func (c *call) start() {
	ctx, cancel := context.WithTimeout(c.ctx, openTimeout)
	defer cancel()
	err := c.orch.Start(ctx, c.userName, c.questions)
	if err == nil {
		return
	}
	if errors.Is(err, agent.ErrCallEnded) || c.ctx.Err() != nil {
		return
	}
	c.log.Warn("interview did not start", zap.Error(err))
	c.control.Error(err)
	c.closeAfter(hangupGrace, "start failed")
}

// readMicrophone decodes the browser's Opus audio at 16kHz and feeds the
// transcription channel until the track ends.
func (c *call) readMicrophone(remote *webrtc.TrackRemote, dec *opus.Decoder) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("microphone reader panic", zap.Any("panic", r))
		}
	}()
	samples := make([]int16, maxDecodedSamples)
	for {
		pkt, _, err := remote.ReadRTP()
		if err != nil {
			c.log.Debug("RTP read ended", zap.Error(err))
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, err := dec.Decode(pkt.Payload, samples)
		if err != nil {
			c.log.Debug("opus decode", zap.Error(err))
			continue
		}
		c.input.WriteSamples16k(samples[:n])
	}
}

func (c *call) onDataChannel(dc *webrtc.DataChannel) {
	if dc.Label() != ControlLabel {
		return
	}
	dc.OnOpen(func() {
		c.log.Debug("control channel open")
		c.control.Attach(dc)
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		c.control.HandleMessage(msg.Data)
	})
}

func (c *call) onConnectionState(state webrtc.PeerConnectionState) {
	c.log.Info("peer connection state", zap.String("state", state.String()))
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed, webrtc.PeerConnectionStateDisconnected:
		c.close("peer " + state.String())
	}
}

// end is the control channel's hang-up command.
func (c *call) end() {
	c.orch.End()
}

func (c *call) closeAfter(d time.Duration, reason string) {
	time.AfterFunc(d, func() { c.close(reason) })
}

// close ends the interview and releases the peer connection. Safe to call
// more than once and from any goroutine except the orchestrator's own.
func (c *call) close(reason string) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.log.Info("call closing", zap.String("reason", reason))
	c.cancel()
	c.orch.Close()
	c.speaker.Stop()
	c.paced.Close()
	if err := c.input.Close(); err != nil {
		c.log.Debug("transcription close", zap.Error(err))
	}
	if err := c.pc.Close(); err != nil {
		c.log.Debug("peer connection close", zap.Error(err))
	}
	if c.forget != nil {
		c.forget(c.id)
	}
}

// The call observes its own orchestrator to hang up once the interview is over.

func (c *call) StateChanged(state agent.CallState) {
	if state == agent.StateFinished {
		c.closeAfter(hangupGrace, "interview finished")
	}
}

func (c *call) TurnLockChanged(agent.TurnLock) {}

func (c *call) TurnAppended(turn agent.Turn) {
	c.log.Debug("turn appended", zap.String("role", string(turn.Role)), zap.String("content", turn.Content))
}

func (c *call) QuestionProgress(cursor, total int) {
	c.log.Info("question progress", zap.Int("cursor", cursor), zap.Int("total", total))
}
