package rtc

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/BitGladiator/Prepster/internal/agent"
	"go.uber.org/zap"
)

// ControlLabel is the data channel the browser opens for events and commands.
const ControlLabel = "control"

const maxPendingEvents = 64

// textSender is the part of a data channel Control writes to.
type textSender interface {
	SendText(s string) error
}

// ControlEvent is one JSON message pushed to the browser.
type ControlEvent struct {
	Event    string      `json:"event"`
	State    string      `json:"state,omitempty"`
	Lock     string      `json:"lock,omitempty"`
	Turn     *agent.Turn `json:"turn,omitempty"`
	Cursor   *int        `json:"cursor,omitempty"`
	Total    *int        `json:"total,omitempty"`
	Speaking *bool       `json:"speaking,omitempty"`
	Error    string      `json:"error,omitempty"`
}

type controlCommand struct {
	Command string `json:"command"`
}

// Control bridges an orchestrator and the browser's control data channel.
// Events raised before the channel opens are held and flushed on Attach.
type Control struct {
	log   *zap.Logger
	onEnd func()

	mu      sync.Mutex
	ch      textSender
	pending []string
}

var _ agent.Observer = (*Control)(nil)

// NewControl returns a Control that calls onEnd when the browser asks to hang up.
func NewControl(onEnd func(), logger *zap.Logger) *Control {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Control{log: logger, onEnd: onEnd}
}

// Attach starts delivering events to ch.
func (c *Control) Attach(ch textSender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ch = ch
	for _, msg := range c.pending {
		c.sendLocked(msg)
	}
	c.pending = nil
}

// HandleMessage interprets one message from the browser. Both a bare command
// ("end") and {"command":"end"} are accepted.
func (c *Control) HandleMessage(data []byte) {
	raw := strings.TrimSpace(string(data))
	cmd := raw
	if strings.HasPrefix(raw, "{") {
		var m controlCommand
		if err := json.Unmarshal(data, &m); err != nil {
			c.log.Debug("malformed control message", zap.Error(err))
			return
		}
		cmd = m.Command
	}
	switch strings.ToLower(strings.TrimSpace(cmd)) {
	case "end", "hangup":
		c.log.Info("end requested over control channel")
		if c.onEnd != nil {
			c.onEnd()
		}
	default:
		c.log.Debug("unknown control command", zap.String("command", cmd))
	}
}

func (c *Control) StateChanged(state agent.CallState) {
	c.emit(ControlEvent{Event: "stateChanged", State: state.String()})
}

func (c *Control) TurnLockChanged(lock agent.TurnLock) {
	c.emit(ControlEvent{Event: "turnLockChanged", Lock: lock.String()})
}

func (c *Control) TurnAppended(turn agent.Turn) {
	c.emit(ControlEvent{Event: "turnAppended", Turn: &turn})
}

func (c *Control) QuestionProgress(cursor, total int) {
	c.emit(ControlEvent{Event: "questionProgress", Cursor: &cursor, Total: &total})
}

// Speaking reports when agent audio starts and stops.
func (c *Control) Speaking(speaking bool) {
	c.emit(ControlEvent{Event: "speaking", Speaking: &speaking})
}

// Error reports a failure the browser should show.
func (c *Control) Error(err error) {
	if err == nil {
		return
	}
	c.emit(ControlEvent{Event: "error", Error: err.Error()})
}

func (c *Control) emit(ev ControlEvent) {
	b, err := json.Marshal(ev)
	if err != nil {
		c.log.Warn("control event marshal failed", zap.Error(err))
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ch == nil {
		if len(c.pending) == maxPendingEvents {
			c.pending = c.pending[1:]
		}
		c.pending = append(c.pending, string(b))
		return
	}
	c.sendLocked(string(b))
}

func (c *Control) sendLocked(msg string) {
	if err := c.ch.SendText(msg); err != nil {
		c.log.Debug("control send failed", zap.Error(err))
	}
}
