// Package audio holds the small amount of PCM plumbing shared by the
// transport and the transcription channel: 16-bit little-endian encoding,
// 48k to 16k decimation and fixed-size framing.
package audio

import (
	"encoding/binary"
	"math"
	"sync"
)

const (
	// SampleRate16k is the rate expected by the transcription channel.
	SampleRate16k = 16000
	// SampleRate48k is the rate produced by TTS providers and used by Opus.
	SampleRate48k = 48000
	// FrameBytes16k is 100ms of mono PCM16 at 16kHz.
	FrameBytes16k = 3200
)

// EncodePCM16LE converts samples to little-endian 16-bit PCM bytes.
func EncodePCM16LE(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:(i+1)*2], uint16(s))
	}
	return out
}

// DecodePCM16LE converts little-endian 16-bit PCM bytes to samples.
// A trailing odd byte is ignored.
func DecodePCM16LE(pcm []byte) []int16 {
	n := len(pcm) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
	}
	return out
}

// RMS returns the root mean square of the PCM16LE buffer, scanning every
// step-th sample.
func RMS(pcm []byte, step int) float64 {
	if step < 1 {
		step = 1
	}
	var sumSquares float64
	count := 0
	for i := 0; i+1 < len(pcm); i += 2 * step {
		v := int16(binary.LittleEndian.Uint16(pcm[i : i+2]))
		sumSquares += float64(v) * float64(v)
		count++
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sumSquares / float64(count))
}

// Framer accumulates PCM16LE bytes and hands out fixed-size frames so the
// transcription channel receives bounded, low-latency chunks.
type Framer struct {
	mu        sync.Mutex
	buf       []byte
	frameSize int
}

// NewFramer returns a framer emitting frames of frameSize bytes. frameSize is
// rounded down to an even number of bytes.
func NewFramer(frameSize int) *Framer {
	frameSize &^= 1
	if frameSize <= 0 {
		frameSize = FrameBytes16k
	}
	return &Framer{frameSize: frameSize, buf: make([]byte, 0, frameSize*4)}
}

// Write appends pcm and returns every complete frame now available.
func (f *Framer) Write(pcm []byte) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buf = append(f.buf, pcm...)
	var frames [][]byte
	for len(f.buf) >= f.frameSize {
		frame := make([]byte, f.frameSize)
		copy(frame, f.buf[:f.frameSize])
		frames = append(frames, frame)
		copy(f.buf, f.buf[f.frameSize:])
		f.buf = f.buf[:len(f.buf)-f.frameSize]
	}
	return frames
}

// WriteSamples is Write for already decoded samples.
func (f *Framer) WriteSamples(samples []int16) [][]byte {
	return f.Write(EncodePCM16LE(samples))
}

// Reset drops any partial frame.
func (f *Framer) Reset() {
	f.mu.Lock()
	f.buf = f.buf[:0]
	f.mu.Unlock()
}

// Buffered reports how many bytes are waiting for a full frame.
func (f *Framer) Buffered() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf)
}
