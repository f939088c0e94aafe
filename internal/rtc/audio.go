package rtc

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BitGladiator/Prepster/internal/audio"
	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3/pkg/media"
)

const (
	frameDuration   = 20 * time.Millisecond
	frameSamples48k = 960
	tailFrames      = 10
	frameQueueSize  = 512
	maxOpusPacket   = 4000
)

// ErrWriterClosed is returned by WaitDrained once the writer has been closed.
var ErrWriterClosed = errors.New("paced writer closed")

// sampleWriter is the part of a local track the pacer needs.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

type frameEncoder interface {
	Encode(pcm []int16, data []byte) (int, error)
}

type frame struct {
	epoch uint64
	data  []byte
}

// OpusPacedWriter encodes 48kHz mono PCM into 20ms Opus frames and writes
// them to a track at real-time pace. It implements tts.Sink.
type OpusPacedWriter struct {
	enc          frameEncoder
	track        sampleWriter
	pcmBuf       []int16
	frameSamples int
	frames       chan frame
	stopCh       chan struct{}

	mu      sync.Mutex
	stopped bool
	epoch   uint64
	queued  atomic.Int64
}

// NewOpusPacedWriter starts a pacer that writes to track.
func NewOpusPacedWriter(track sampleWriter) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(audio.SampleRate48k, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := newPacedWriter(enc, track)
	go w.pacer()
	return w, nil
}

func newPacedWriter(enc frameEncoder, track sampleWriter) *OpusPacedWriter {
	return &OpusPacedWriter{
		enc:          enc,
		track:        track,
		frameSamples: frameSamples48k,
		frames:       make(chan frame, frameQueueSize),
		stopCh:       make(chan struct{}),
	}
}

// WritePCM buffers PCM16LE and queues every complete frame. It blocks while
// the queue is full.
func (w *OpusPacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	w.mu.Lock()
	w.pcmBuf = append(w.pcmBuf, audio.DecodePCM16LE(pcmBytes)...)
	var pkts [][]byte
	for len(w.pcmBuf) >= w.frameSamples {
		if pkt := w.encodeLocked(w.pcmBuf[:w.frameSamples]); pkt != nil {
			pkts = append(pkts, pkt)
		}
		w.pcmBuf = w.pcmBuf[w.frameSamples:]
	}
	epoch := w.epoch
	w.mu.Unlock()

	for _, pkt := range pkts {
		w.pushFrame(epoch, pkt)
	}
}

// FlushTail pads the remaining PCM to a full frame and adds ~200ms of silence
// so the last syllable is not clipped.
func (w *OpusPacedWriter) FlushTail() {
	w.mu.Lock()
	var pkts [][]byte
	if len(w.pcmBuf) > 0 {
		pad := make([]int16, w.frameSamples)
		copy(pad, w.pcmBuf)
		if pkt := w.encodeLocked(pad); pkt != nil {
			pkts = append(pkts, pkt)
		}
		w.pcmBuf = w.pcmBuf[:0]
	}
	silence := make([]int16, w.frameSamples)
	for i := 0; i < tailFrames; i++ {
		if pkt := w.encodeLocked(silence); pkt != nil {
			pkts = append(pkts, pkt)
		}
	}
	epoch := w.epoch
	w.mu.Unlock()

	for _, pkt := range pkts {
		w.pushFrame(epoch, pkt)
	}
}

func (w *OpusPacedWriter) encodeLocked(pcm []int16) []byte {
	buf := make([]byte, maxOpusPacket)
	n, err := w.enc.Encode(pcm, buf)
	if err != nil || n <= 0 {
		return nil
	}
	return buf[:n]
}

// Reset drops queued frames and buffered PCM. Frames still being pushed by a
// writer that started before the reset are discarded too.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.epoch++
	w.pcmBuf = w.pcmBuf[:0]
	for {
		select {
		case <-w.frames:
			w.queued.Add(-1)
		default:
			return
		}
	}
}

// WaitDrained blocks until every queued frame has been written to the track.
func (w *OpusPacedWriter) WaitDrained(ctx context.Context) error {
	ticker := time.NewTicker(frameDuration / 2)
	defer ticker.Stop()
	for {
		if w.queued.Load() <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.stopCh:
			return ErrWriterClosed
		case <-ticker.C:
		}
	}
}

// Close stops the pacer.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case f := <-w.frames:
				w.mu.Lock()
				current := f.epoch == w.epoch
				w.mu.Unlock()
				if current {
					_ = w.track.WriteSample(media.Sample{Data: f.data, Duration: frameDuration})
				}
				w.queued.Add(-1)
			default:
			}
		}
	}
}

// pushFrame enqueues a frame, blocking until space is available or the writer
// is stopped. Frames from an older epoch are dropped.
func (w *OpusPacedWriter) pushFrame(epoch uint64, pkt []byte) {
	w.mu.Lock()
	stale := epoch != w.epoch
	w.mu.Unlock()
	if stale {
		return
	}
	w.queued.Add(1)
	select {
	case <-w.stopCh:
		w.queued.Add(-1)
	case w.frames <- frame{epoch: epoch, data: pkt}:
	}
}
