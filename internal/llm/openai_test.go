package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIClientComplete(t *testing.T) {
	var got struct {
		Model    string    `json:"model"`
		Messages []Message `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"x","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"Nice answer."},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	c := NewOpenAIClient("sk-test", srv.URL+"/v1/", "")
	reply, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hello"}})
	require.NoError(t, err)
	assert.Equal(t, "Nice answer.", reply)
	assert.Equal(t, "gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "hello", got.Messages[0].Content)
}

func TestOpenAIClientErrors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"status": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
		},
		"no choices": func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"choices":[]}`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()
			c := NewOpenAIClient("sk-test", srv.URL, "gpt-4o-mini")
			_, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hello"}})
			require.Error(t, err)
		})
	}
}
