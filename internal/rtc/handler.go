package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/BitGladiator/Prepster/internal/agent"
	"github.com/BitGladiator/Prepster/internal/audio"
	"github.com/BitGladiator/Prepster/internal/metrics"
	"github.com/BitGladiator/Prepster/internal/transcript"
	"github.com/BitGladiator/Prepster/internal/tts"
	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ErrInvalidOffer is returned for an offer without SDP or of the wrong type.
var ErrInvalidOffer = errors.New("invalid offer")

var defaultICEServers = []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

// Offer starts an interview call.
type Offer struct {
	Type      string   `json:"type"`
	SDP       string   `json:"sdp"`
	UserName  string   `json:"userName"`
	Questions []string `json:"questions"`
}

// Answer is returned to the browser once ICE gathering is complete.
type Answer struct {
	Type      string `json:"type"`
	SDP       string `json:"sdp"`
	SessionID string `json:"sessionId"`
}

// Config holds what every call needs.
type Config struct {
	ICEServers []webrtc.ICEServer
	// Transcription is copied per call; its Logger is replaced.
	Transcription transcript.Options
	Streamer      tts.Streamer
	Answerer      agent.Answerer
	// Agent is copied per call; Observer, Stats and Logger are replaced.
	Agent   agent.Options
	Metrics *metrics.Collector
	Logger  *zap.Logger
}

// Handler builds one peer connection and one orchestrator per interview.
type Handler struct {
	cfg Config
	log *zap.Logger

	mu    sync.Mutex
	calls map[string]*call
}

func NewHandler(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.ICEServers == nil {
		cfg.ICEServers = defaultICEServers
	}
	return &Handler{
		cfg:   cfg,
		log:   cfg.Logger.With(zap.String("component", "rtc")),
		calls: make(map[string]*call),
	}
}

// ParseICEServers decodes ICE_SERVERS_JSON. Invalid or empty input yields
// the public Google STUN server together with the decode error, if any.
func ParseICEServers(iceJSON string) ([]webrtc.ICEServer, error) {
	if strings.TrimSpace(iceJSON) == "" {
		return defaultICEServers, nil
	}
	var servers []webrtc.ICEServer
	if err := json.Unmarshal([]byte(iceJSON), &servers); err != nil {
		return defaultICEServers, fmt.Errorf("parse ICE servers: %w", err)
	}
	if len(servers) == 0 {
		return defaultICEServers, nil
	}
	return servers, nil
}

// HandleOffer accepts an SDP offer and returns an SDP answer with every ICE
// candidate included. The interview starts when the browser's audio arrives.
func (h *Handler) HandleOffer(ctx context.Context, offer Offer) (Answer, error) {
	c, err := h.newCall(offer)
	if err != nil {
		return Answer{}, err
	}
	pc := c.pc

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		c.close("bad offer")
		return Answer{}, fmt.Errorf("%w: %w", ErrInvalidOffer, err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		c.close("answer failed")
		return Answer{}, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		c.close("answer failed")
		return Answer{}, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		c.close("gathering cancelled")
		return Answer{}, ctx.Err()
	}
	local := pc.LocalDescription()
	if local == nil {
		c.close("no local description")
		return Answer{}, errors.New("no local description")
	}
	c.log.Info("answer ready", zap.Int("questions", len(c.questions)))
	return Answer{Type: "answer", SDP: local.SDP, SessionID: c.id}, nil
}

// Active returns the number of calls still open.
func (h *Handler) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.calls)
}

// Close hangs up every open call.
func (h *Handler) Close() {
	h.mu.Lock()
	calls := make([]*call, 0, len(h.calls))
	for _, c := range h.calls {
		calls = append(calls, c)
	}
	h.mu.Unlock()
	for _, c := range calls {
		c.close("server shutdown")
	}
}

func (h *Handler) forget(id string) {
	h.mu.Lock()
	delete(h.calls, id)
	h.mu.Unlock()
}

// validateOffer rejects a call before any peer connection is built.
func validateOffer(offer Offer) error {
	if !strings.EqualFold(offer.Type, "offer") || strings.TrimSpace(offer.SDP) == "" {
		return ErrInvalidOffer
	}
	for _, q := range offer.Questions {
		if strings.TrimSpace(q) != "" {
			return nil
		}
	}
	return agent.ErrNoQuestions
}

// newPeer builds a peer connection with one outgoing Opus track.
func (h *Handler) newPeer() (*webrtc.PeerConnection, *webrtc.TrackLocalStaticSample, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, err
	}
	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, ir); err != nil {
		return nil, nil, err
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine), webrtc.WithInterceptorRegistry(ir))

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: h.cfg.ICEServers})
	if err != nil {
		return nil, nil, err
	}
	outTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: audio.SampleRate48k, Channels: 1},
		"agent-audio", "agent",
	)
	if err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	if _, err := pc.AddTrack(outTrack); err != nil {
		_ = pc.Close()
		return nil, nil, err
	}
	return pc, outTrack, nil
}

// newCall validates the offer and wires a peer connection to a fresh
// orchestrator and its ports.
func (h *Handler) newCall(offer Offer) (*call, error) {
	if err := validateOffer(offer); err != nil {
		return nil, err
	}
	pc, track, err := h.newPeer()
	if err != nil {
		return nil, err
	}
	paced, err := NewOpusPacedWriter(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("opus encoder: %w", err)
	}

	id := uuid.NewString()
	log := h.log.With(zap.String("call_id", id))
	ctx, cancel := context.WithCancel(context.Background())
	c := &call{
		id:        id,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		pc:        pc,
		paced:     paced,
		userName:  strings.TrimSpace(offer.UserName),
		questions: offer.Questions,
		forget:    h.forget,
	}

	topts := h.cfg.Transcription
	topts.Logger = log
	c.input = transcript.NewService(topts)
	c.speaker = tts.NewSpeaker(h.cfg.Streamer, paced, log)

	observers := agent.Observers{c}
	aopts := h.cfg.Agent
	aopts.Logger = log
	c.control = NewControl(c.end, log)
	observers = append(observers, c.control)
	if h.cfg.Metrics != nil {
		session := h.cfg.Metrics.Session()
		observers = append(observers, session)
		aopts.Stats = session
	}
	aopts.Observer = observers
	c.speaker.OnSpeaking = c.control.Speaking
	c.orch = agent.NewOrchestrator(c.input, c.speaker, h.cfg.Answerer, aopts)

	pc.OnConnectionStateChange(c.onConnectionState)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debug("ICE state", zap.String("state", state.String()))
	})
	pc.OnDataChannel(c.onDataChannel)
	pc.OnTrack(c.onTrack)

	h.mu.Lock()
	h.calls[id] = c
	h.mu.Unlock()
	return c, nil
}
