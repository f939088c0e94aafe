// Package metrics exposes interview and HTTP metrics to Prometheus.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/BitGladiator/Prepster/internal/agent"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Session outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeEnded     = "ended"
	OutcomeFailed    = "failed"
)

// Collector owns every metric the server exports.
type Collector struct {
	// HTTP
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// interviews
	sessionsTotal   *prometheus.CounterVec
	sessionsActive  prometheus.Gauge
	turnsTotal      *prometheus.CounterVec
	captureRetries  prometheus.Counter
	skippedTurns    prometheus.Counter
	answerFallbacks prometheus.Counter
	speechFailures  prometheus.Counter

	logger *zap.Logger
}

// NewCollector registers the metrics on reg. A nil reg uses the default registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := promauto.With(reg)
	c := &Collector{logger: logger.With(zap.String("component", "metrics"))}

	c.httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.sessionsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interview_sessions_total",
			Help:      "Interview sessions by outcome",
		},
		[]string{"outcome"},
	)
	c.sessionsActive = f.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "interview_sessions_active",
		Help:      "Interview sessions currently active",
	})
	c.turnsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interview_turns_total",
			Help:      "Conversation turns appended, by role",
		},
		[]string{"role"},
	)
	c.captureRetries = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "interview_capture_retries_total",
		Help:      "Speech capture attempts retried after a timeout or failure",
	})
	c.skippedTurns = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "interview_skipped_turns_total",
		Help:      "Questions skipped because no answer was captured",
	})
	c.answerFallbacks = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "interview_answer_fallbacks_total",
		Help:      "Acknowledgements replaced by the fallback text",
	})
	c.speechFailures = f.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "interview_speech_failures_total",
		Help:      "Speech output failures treated as completed playback",
	})
	return c
}

// RecordHTTPRequest records one served request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// Session returns an observer for one call. It implements agent.Observer and
// agent.Stats.
func (c *Collector) Session() *Session {
	return &Session{c: c}
}

// Session tracks one call's lifecycle so its outcome is counted exactly once.
type Session struct {
	c *Collector

	mu        sync.Mutex
	state     agent.CallState
	completed bool
	active    bool
}

var (
	_ agent.Observer = (*Session)(nil)
	_ agent.Stats    = (*Session)(nil)
)

func (s *Session) StateChanged(state agent.CallState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	s.state = state
	switch state {
	case agent.StateConnecting:
		s.completed = false
	case agent.StateActive:
		if !s.active {
			s.active = true
			s.c.sessionsActive.Inc()
		}
	case agent.StateInactive:
		if prev == agent.StateConnecting {
			s.c.sessionsTotal.WithLabelValues(OutcomeFailed).Inc()
		}
	case agent.StateFinished:
		if s.active {
			s.active = false
			s.c.sessionsActive.Dec()
		}
		outcome := OutcomeEnded
		if s.completed {
			outcome = OutcomeCompleted
		}
		s.c.sessionsTotal.WithLabelValues(outcome).Inc()
		s.c.logger.Debug("session finished", zap.String("outcome", outcome))
	}
}

func (s *Session) TurnLockChanged(agent.TurnLock) {}

func (s *Session) TurnAppended(turn agent.Turn) {
	s.c.turnsTotal.WithLabelValues(string(turn.Role)).Inc()
}

func (s *Session) QuestionProgress(cursor, total int) {
	if total > 0 && cursor >= total {
		s.mu.Lock()
		s.completed = true
		s.mu.Unlock()
	}
}

func (s *Session) CaptureRetried() { s.c.captureRetries.Inc() }
func (s *Session) TurnSkipped()    { s.c.skippedTurns.Inc() }
func (s *Session) AnswerFallback() { s.c.answerFallbacks.Inc() }
func (s *Session) SpeechFailed()   { s.c.speechFailures.Inc() }
