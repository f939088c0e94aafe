package rtc

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/BitGladiator/Prepster/internal/middleware"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const wsWriteTimeout = 5 * time.Second

// signalMessage is the trickle-ICE signaling format.
// Client types: "auth", "offer", "candidate", "bye".
// Server types: "answer", "candidate", "ice-complete", "error".
type signalMessage struct {
	Type string `json:"type"`
	// auth
	Password string `json:"password,omitempty"`
	// offer/answer
	SDP       string   `json:"sdp,omitempty"`
	UserName  string   `json:"userName,omitempty"`
	Questions []string `json:"questions,omitempty"`
	SessionID string   `json:"sessionId,omitempty"`
	// candidate
	Candidate     string  `json:"candidate,omitempty"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	// error
	Error string `json:"error,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  65536,
	WriteBufferSize: 65536,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// signalConn serializes writes and holds candidates until the answer is out.
type signalConn struct {
	conn *websocket.Conn

	mu       sync.Mutex
	answered bool
	queued   []signalMessage
}

func (s *signalConn) write(m signalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeLocked(m)
}

func (s *signalConn) writeLocked(m signalMessage) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(m)
}

func (s *signalConn) fail(err error) {
	_ = s.write(signalMessage{Type: "error", Error: err.Error()})
}

func (s *signalConn) candidate(m signalMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.answered {
		s.queued = append(s.queued, m)
		return
	}
	_ = s.writeLocked(m)
}

func (s *signalConn) answer(m signalMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeLocked(m); err != nil {
		return err
	}
	s.answered = true
	for _, q := range s.queued {
		_ = s.writeLocked(q)
	}
	s.queued = nil
	return nil
}

// ServeWebSocket upgrades to WebSocket and runs offer/answer plus trickle ICE.
// With a password set, the request must carry it or the first frame must be
// an auth message.
func (h *Handler) ServeWebSocket(w http.ResponseWriter, r *http.Request, authPassword string) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()
	sc := &signalConn{conn: conn}

	if authPassword != "" && !middleware.CheckAuth(r, authPassword) {
		var m signalMessage
		if err := conn.ReadJSON(&m); err != nil || !strings.EqualFold(m.Type, "auth") || m.Password != authPassword {
			sc.fail(errors.New("unauthorized"))
			return
		}
	}

	var offer Offer
	for {
		var m signalMessage
		if err := conn.ReadJSON(&m); err != nil {
			h.log.Debug("ws read before offer", zap.Error(err))
			return
		}
		switch strings.ToLower(m.Type) {
		case "offer":
			offer = Offer{Type: "offer", SDP: m.SDP, UserName: m.UserName, Questions: m.Questions}
		case "bye":
			return
		default:
			continue
		}
		break
	}

	c, err := h.newCall(offer)
	if err != nil {
		sc.fail(err)
		return
	}
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			sc.candidate(signalMessage{Type: "ice-complete"})
			return
		}
		init := cand.ToJSON()
		sc.candidate(signalMessage{Type: "candidate", Candidate: init.Candidate, SDPMid: init.SDPMid, SDPMLineIndex: init.SDPMLineIndex})
	})

	if err := c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		c.close("bad offer")
		sc.fail(ErrInvalidOffer)
		return
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err == nil {
		err = c.pc.SetLocalDescription(answer)
	}
	if err != nil {
		c.close("answer failed")
		sc.fail(err)
		return
	}
	if err := sc.answer(signalMessage{Type: "answer", SDP: answer.SDP, SessionID: c.id}); err != nil {
		c.log.Warn("ws write answer", zap.Error(err))
		c.close("signaling lost")
		return
	}

	// Signaling stays open for remote candidates; the call itself outlives it.
	for {
		var m signalMessage
		if err := conn.ReadJSON(&m); err != nil {
			return
		}
		switch strings.ToLower(m.Type) {
		case "candidate":
			if m.Candidate == "" {
				continue
			}
			if err := c.pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: m.Candidate, SDPMid: m.SDPMid, SDPMLineIndex: m.SDPMLineIndex}); err != nil {
				c.log.Debug("add ICE candidate", zap.Error(err))
			}
		case "bye":
			c.close("bye")
			return
		}
	}
}
