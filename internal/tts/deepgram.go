package tts

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/v3/pkg/client/speak"
	"go.uber.org/zap"
)

const (
	deepgramIdleWindow = 400 * time.Millisecond
	deepgramDeadline   = 12 * time.Second
)

// DeepgramClient streams Aura speech over the Deepgram speak websocket.
type DeepgramClient struct {
	apiKey     string
	model      string
	sampleRate int
	encoding   string
	log        *zap.Logger
}

func NewDeepgramClient(apiKey, model string, logger *zap.Logger) *DeepgramClient {
	if model == "" {
		model = "aura-2-thalia-en"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeepgramClient{apiKey: apiKey, model: model, sampleRate: 48000, encoding: "linear16", log: logger}
}

func (d *DeepgramClient) StreamPCM48k(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 4096)
	errCh := make(chan error, 1)

	go func() {
		defer close(pcmCh)
		defer close(errCh)

		if d.apiKey == "" {
			errCh <- fmt.Errorf("deepgram: API key missing")
			return
		}
		if text == "" {
			return
		}

		options := &clientinterfaces.WSSpeakOptions{
			Model:      d.model,
			Encoding:   d.encoding,
			SampleRate: d.sampleRate,
		}

		var lastRecvUnix int64
		var seenAudio int32
		var remoteErr atomic.Value

		cb := &speakCallback{
			onBinary: func(data []byte) error {
				if len(data) == 0 {
					return nil
				}
				atomic.StoreInt64(&lastRecvUnix, time.Now().UnixNano())
				atomic.StoreInt32(&seenAudio, 1)
				b := make([]byte, len(data))
				copy(b, data)
				select {
				case pcmCh <- b:
				case <-ctx.Done():
				}
				return nil
			},
			onError: func(er *msginterfaces.ErrorResponse) {
				if er != nil {
					remoteErr.Store(fmt.Errorf("deepgram: %s: %s", er.ErrCode, er.ErrMsg))
				}
			},
		}

		dg, err := speak.NewWSUsingCallback(ctx, d.apiKey, &clientinterfaces.ClientOptions{}, options, cb)
		if err != nil {
			errCh <- fmt.Errorf("deepgram: create ws client: %w", err)
			return
		}

		stopped := false
		stopClient := func() {
			if !stopped {
				stopped = true
				dg.Stop()
			}
		}
		defer stopClient()

		if ok := dg.Connect(); !ok {
			errCh <- fmt.Errorf("deepgram: connect failed")
			return
		}

		if err := dg.SpeakWithText(text); err != nil {
			errCh <- fmt.Errorf("deepgram: speak text: %w", err)
			return
		}
		if err := dg.Flush(); err != nil {
			d.log.Debug("deepgram flush failed", zap.Error(err))
		}

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.Now().Add(deepgramDeadline)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if e, ok := remoteErr.Load().(error); ok {
					errCh <- e
					return
				}
				if atomic.LoadInt32(&seenAudio) == 1 {
					last := time.Unix(0, atomic.LoadInt64(&lastRecvUnix))
					if time.Since(last) > deepgramIdleWindow {
						return
					}
				}
				if time.Now().After(deadline) {
					if atomic.LoadInt32(&seenAudio) == 0 {
						errCh <- fmt.Errorf("deepgram: no audio within %s", deepgramDeadline)
					}
					return
				}
			}
		}
	}()

	return pcmCh, errCh
}

type speakCallback struct {
	onBinary func([]byte) error
	onError  func(*msginterfaces.ErrorResponse)
}

func (s *speakCallback) Open(*msginterfaces.OpenResponse) error         { return nil }
func (s *speakCallback) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (s *speakCallback) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (s *speakCallback) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (s *speakCallback) Close(*msginterfaces.CloseResponse) error       { return nil }
func (s *speakCallback) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (s *speakCallback) UnhandledEvent([]byte) error                    { return nil }
func (s *speakCallback) Error(er *msginterfaces.ErrorResponse) error {
	if s.onError != nil {
		s.onError(er)
	}
	return nil
}
func (s *speakCallback) Binary(byMsg []byte) error {
	if s.onBinary != nil {
		return s.onBinary(byMsg)
	}
	return nil
}
