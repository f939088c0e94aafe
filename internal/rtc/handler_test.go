package rtc

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/BitGladiator/Prepster/internal/agent"
	"github.com/BitGladiator/Prepster/internal/metrics"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler() *Handler {
	return NewHandler(Config{
		ICEServers: []webrtc.ICEServer{},
		Metrics:    metrics.NewCollector("test", prometheus.NewRegistry(), nil),
	})
}

// browserOffer returns an offer shaped like the web client's: one audio
// transceiver plus the control data channel.
func browserOffer(t *testing.T) (*webrtc.PeerConnection, string) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	_, err = pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio)
	require.NoError(t, err)
	_, err = pc.CreateDataChannel(ControlLabel, nil)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	<-gathered
	return pc, pc.LocalDescription().SDP
}

func TestParseICEServers(t *testing.T) {
	servers, err := ParseICEServers(`[{"urls":["turn:turn.example.com:3478"],"username":"u","credential":"c"}]`)
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, []string{"turn:turn.example.com:3478"}, servers[0].URLs)
	assert.Equal(t, "u", servers[0].Username)

	servers, err = ParseICEServers("")
	require.NoError(t, err)
	assert.Equal(t, defaultICEServers, servers)

	servers, err = ParseICEServers("[]")
	require.NoError(t, err)
	assert.Equal(t, defaultICEServers, servers)

	servers, err = ParseICEServers("not json")
	require.Error(t, err)
	assert.Equal(t, defaultICEServers, servers)
}

func TestHandleOffer_Rejects(t *testing.T) {
	h := newTestHandler()
	tests := []struct {
		name  string
		offer Offer
		want  error
	}{
		{"wrong type", Offer{Type: "answer", SDP: "v=0", Questions: []string{"q"}}, ErrInvalidOffer},
		{"no sdp", Offer{Type: "offer", Questions: []string{"q"}}, ErrInvalidOffer},
		{"no questions", Offer{Type: "offer", SDP: "v=0"}, agent.ErrNoQuestions},
		{"blank questions", Offer{Type: "offer", SDP: "v=0", Questions: []string{" ", ""}}, agent.ErrNoQuestions},
		{"garbage sdp", Offer{Type: "offer", SDP: "v=0", Questions: []string{"q"}}, ErrInvalidOffer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.HandleOffer(context.Background(), tt.offer)
			require.ErrorIs(t, err, tt.want)
		})
	}
	assert.Zero(t, h.Active())
}

func TestHandleOffer_Answers(t *testing.T) {
	h := newTestHandler()
	_, sdp := browserOffer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ans, err := h.HandleOffer(ctx, Offer{Type: "offer", SDP: sdp, UserName: "Ada", Questions: []string{"Why Go?"}})
	require.NoError(t, err)

	assert.Equal(t, "answer", ans.Type)
	assert.Contains(t, ans.SDP, "m=audio")
	_, err = uuid.Parse(ans.SessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Active())

	h.Close()
	assert.Zero(t, h.Active())
}

func dialSignaling(t *testing.T, h *Handler, password, query string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ServeWebSocket(w, r, password)
	}))
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+query, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	return conn
}

func TestServeWebSocket_Unauthorized(t *testing.T) {
	conn := dialSignaling(t, newTestHandler(), "s3cret", "")
	require.NoError(t, conn.WriteJSON(signalMessage{Type: "auth", Password: "wrong"}))

	var m signalMessage
	require.NoError(t, conn.ReadJSON(&m))
	assert.Equal(t, "error", m.Type)
	assert.Equal(t, "unauthorized", m.Error)
}

func TestServeWebSocket_NoQuestions(t *testing.T) {
	conn := dialSignaling(t, newTestHandler(), "s3cret", "?password=s3cret")
	require.NoError(t, conn.WriteJSON(signalMessage{Type: "offer", SDP: "v=0"}))

	var m signalMessage
	require.NoError(t, conn.ReadJSON(&m))
	assert.Equal(t, "error", m.Type)
	assert.Equal(t, agent.ErrNoQuestions.Error(), m.Error)
}

func TestServeWebSocket_OfferAnswerBye(t *testing.T) {
	h := newTestHandler()
	conn := dialSignaling(t, h, "s3cret", "")
	_, sdp := browserOffer(t)

	require.NoError(t, conn.WriteJSON(signalMessage{Type: "auth", Password: "s3cret"}))
	require.NoError(t, conn.WriteJSON(signalMessage{Type: "offer", SDP: sdp, UserName: "Ada", Questions: []string{"Why Go?"}}))

	var m signalMessage
	require.NoError(t, conn.ReadJSON(&m))
	require.Equal(t, "answer", m.Type, m.Error)
	assert.NotEmpty(t, m.SDP)
	assert.NotEmpty(t, m.SessionID)
	assert.Equal(t, 1, h.Active())

	require.NoError(t, conn.WriteJSON(signalMessage{Type: "bye"}))
	require.Eventually(t, func() bool { return h.Active() == 0 }, 5*time.Second, 10*time.Millisecond)
}
