package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, pcmCh <-chan []byte, errCh <-chan error) ([]byte, error) {
	t.Helper()
	var pcm []byte
	var err error
	timeout := time.After(2 * time.Second)
	for pcmCh != nil || errCh != nil {
		select {
		case b, ok := <-pcmCh:
			if !ok {
				pcmCh = nil
				continue
			}
			pcm = append(pcm, b...)
		case e, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			err = e
		case <-timeout:
			t.Fatal("stream did not finish")
		}
	}
	return pcm, err
}

func TestElevenLabsStreamsPCM(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/text-to-speech/voice-1/stream", r.URL.Path)
		assert.Equal(t, "pcm_48000", r.URL.Query().Get("output_format"))
		assert.Equal(t, "secret", r.Header.Get("xi-api-key"))
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Hello.", body["text"])
		f := w.(http.Flusher)
		_, _ = w.Write([]byte{1, 2, 3})
		f.Flush()
		_, _ = w.Write([]byte{4, 5, 6})
	}))
	defer srv.Close()

	c := NewElevenLabsClient("secret", "voice-1", nil)
	c.BaseURL = srv.URL
	pcmCh, errCh := c.StreamPCM48k(context.Background(), "Hello.")
	pcm, err := drain(t, pcmCh, errCh)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, pcm)
}

func TestElevenLabsErrors(t *testing.T) {
	c := NewElevenLabsClient("", "voice", nil)
	pcmCh, errCh := c.StreamPCM48k(context.Background(), "Hello.")
	_, err := drain(t, pcmCh, errCh)
	require.Error(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"quota"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()
	c = NewElevenLabsClient("secret", "voice", nil)
	c.BaseURL = srv.URL
	pcmCh, errCh = c.StreamPCM48k(context.Background(), "Hello.")
	_, err = drain(t, pcmCh, errCh)
	require.ErrorContains(t, err, "status=401")
}

// stallingServer sends headers (and optionally a few bytes) and then goes quiet.
func stallingServer(t *testing.T, prefix []byte) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(prefix)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return srv
}

func TestElevenLabsStalledStream(t *testing.T) {
	tests := []struct {
		name   string
		prefix []byte
		want   []byte
	}{
		{"before first byte", nil, nil},
		{"mid stream", []byte{1, 2, 3, 4}, []byte{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewElevenLabsClient("secret", "voice", nil)
			c.BaseURL = stallingServer(t, tt.prefix).URL
			c.FirstByte = 50 * time.Millisecond
			c.Idle = 50 * time.Millisecond

			pcmCh, errCh := c.StreamPCM48k(context.Background(), "Hello.")
			pcm, err := drain(t, pcmCh, errCh)
			require.ErrorIs(t, err, errElevenLabsStalled)
			assert.Equal(t, tt.want, pcm)
		})
	}
}

func TestSpeakerReturnsOnStalledElevenLabs(t *testing.T) {
	c := NewElevenLabsClient("secret", "voice", nil)
	c.BaseURL = stallingServer(t, nil).URL
	c.FirstByte = 50 * time.Millisecond

	done := make(chan error, 1)
	go func() {
		done <- NewSpeaker(c, &fakeSink{}, nil).Speak(context.Background(), "Tell me about yourself.")
	}()
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrSpeechOutput)
	case <-time.After(2 * time.Second):
		t.Fatal("Speak still blocked on a stalled stream")
	}
}
