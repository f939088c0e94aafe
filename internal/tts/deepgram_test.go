package tts

import (
	"context"
	"testing"
	"time"
)

// Without an API key the stream must fail fast instead of dialing.
func TestDeepgram_StreamPCM48k_NoKey(t *testing.T) {
	d := NewDeepgramClient("", "", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	pcmCh, errCh := d.StreamPCM48k(ctx, "hello")
	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected error when api key missing")
		}
	case <-pcmCh:
		// ignore
	case <-time.After(300 * time.Millisecond):
		t.Fatalf("timeout waiting for error")
	}
}

func TestDeepgram_DefaultModel(t *testing.T) {
	d := NewDeepgramClient("key", "", nil)
	if d.model != "aura-2-thalia-en" || d.sampleRate != 48000 || d.encoding != "linear16" {
		t.Fatalf("unexpected defaults: %+v", d)
	}
}
