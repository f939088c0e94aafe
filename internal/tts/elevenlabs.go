package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsFirstByte    = 10 * time.Second
	elevenLabsIdleDeadline = 3 * time.Second
)

var errElevenLabsStalled = errors.New("elevenlabs: stream stalled")

// ElevenLabsClient streams PCM_48000 speech from the ElevenLabs HTTP streaming endpoint.
type ElevenLabsClient struct {
	APIKey     string
	VoiceID    string
	Model      string
	BaseURL    string
	HTTPClient *http.Client
	// FirstByte bounds the wait for the first audio bytes, Idle the gap
	// between later reads.
	FirstByte time.Duration
	Idle      time.Duration
	log       *zap.Logger
}

func NewElevenLabsClient(apiKey, voiceID string, logger *zap.Logger) *ElevenLabsClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ElevenLabsClient{
		APIKey:     apiKey,
		VoiceID:    voiceID,
		Model:      "eleven_flash_v2_5",
		BaseURL:    elevenLabsBaseURL,
		HTTPClient: &http.Client{},
		FirstByte:  elevenLabsFirstByte,
		Idle:       elevenLabsIdleDeadline,
		log:        logger,
	}
}

func (e *ElevenLabsClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if e.APIKey == "" || e.VoiceID == "" {
			errCh <- fmt.Errorf("elevenlabs: api key or voice id missing")
			return
		}
		if text == "" {
			return
		}
		if err := e.httpStream(ctx, text, pcmCh); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

func (e *ElevenLabsClient) httpStream(ctx context.Context, text string, pcmCh chan<- []byte) error {
	base := e.BaseURL
	if base == "" {
		base = elevenLabsBaseURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("elevenlabs: base url: %w", err)
	}
	u.Path = "/v1/text-to-speech/" + url.PathEscape(e.VoiceID) + "/stream"
	q := u.Query()
	q.Set("model_id", e.Model)
	q.Set("output_format", "pcm_48000")
	// 0..4, lower trades quality for latency
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	body := map[string]any{
		"model_id": e.Model,
		"text":     text,
		"voice_settings": map[string]any{
			"stability":         0.4,
			"similarity_boost":  0.7,
			"style":             0.0,
			"use_speaker_boost": true,
		},
		"generation_config": map[string]any{
			"chunk_length_schedule": []int{80, 120, 160, 200},
		},
	}
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	// The watchdog cancels the request when the upstream goes quiet.
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var stalled atomic.Bool
	watchdog := time.AfterFunc(orDefault(e.FirstByte, elevenLabsFirstByte), func() {
		stalled.Store(true)
		cancel()
	})
	defer watchdog.Stop()
	stallErr := func(err error) error {
		if stalled.Load() && ctx.Err() == nil {
			return errElevenLabsStalled
		}
		return err
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, u.String(), bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTPClient.Do(req)
	if err != nil {
		return stallErr(fmt.Errorf("elevenlabs http stream error: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("elevenlabs http status=%d body=%s", resp.StatusCode, string(b))
	}

	bufChunk := make([]byte, 4096)
	// carry keeps an odd trailing byte so samples never split across chunks
	var carry []byte
	first := true
	for {
		n, rerr := resp.Body.Read(bufChunk)
		if n > 0 {
			if !watchdog.Stop() {
				return errElevenLabsStalled
			}
			if first {
				e.log.Debug("elevenlabs receiving audio", zap.Int("first_chunk_bytes", n))
				first = false
			}
			data := append(carry, bufChunk[:n]...)
			even := len(data) &^ 1
			out := make([]byte, even)
			copy(out, data[:even])
			carry = append([]byte(nil), data[even:]...)
			if len(out) > 0 {
				select {
				case pcmCh <- out:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			watchdog.Reset(orDefault(e.Idle, elevenLabsIdleDeadline))
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return stallErr(fmt.Errorf("elevenlabs http read error: %w", rerr))
		}
	}
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
