package httpserver

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/BitGladiator/Prepster/internal/agent"
	"github.com/BitGladiator/Prepster/internal/llm"
	"github.com/BitGladiator/Prepster/internal/metrics"
	"github.com/BitGladiator/Prepster/internal/middleware"
	"github.com/BitGladiator/Prepster/internal/rtc"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// CallHandler starts interview calls.
type CallHandler interface {
	HandleOffer(ctx context.Context, offer rtc.Offer) (rtc.Answer, error)
	ServeWebSocket(w http.ResponseWriter, r *http.Request, authPassword string)
}

// Deps are the collaborators behind the routes. Nil Calls or Generator
// disables the matching routes with 503.
type Deps struct {
	Calls        CallHandler
	Generator    llm.Generator
	Metrics      *metrics.Collector
	Gatherer     prometheus.Gatherer
	AuthPassword string
	Logger       *zap.Logger
}

// Server bundles HTTP router and dependencies.
type Server struct {
	Router *echo.Echo
	deps   Deps
	log    *zap.Logger
}

type errorBody struct {
	Error string `json:"error"`
}

// New constructs the HTTP server with routes.
func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	var rec middleware.HTTPRecorder
	if deps.Metrics != nil {
		rec = deps.Metrics
	}
	s := &Server{
		Router: NewRouter(deps.Logger.With(zap.String("component", "http")), rec),
		deps:   deps,
		log:    deps.Logger,
	}
	e := s.Router

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	if deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	auth := middleware.SharedSecret(deps.AuthPassword)
	e.POST("/call", s.call, auth)
	// the websocket route does its own auth so a browser can send the
	// password in the first frame
	e.GET("/ws", s.websocket)
	e.POST("/api/interview/respond", s.respond, auth)
	return s
}

func (s *Server) call(c echo.Context) error {
	if s.deps.Calls == nil {
		return c.JSON(http.StatusServiceUnavailable, errorBody{"calls are not configured"})
	}
	var offer rtc.Offer
	if err := c.Bind(&offer); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{"invalid offer"})
	}
	answer, err := s.deps.Calls.HandleOffer(c.Request().Context(), offer)
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, answer)
	case errors.Is(err, agent.ErrNoQuestions):
		return c.JSON(http.StatusBadRequest, errorBody{"no questions"})
	case errors.Is(err, rtc.ErrInvalidOffer):
		return c.JSON(http.StatusBadRequest, errorBody{"invalid offer"})
	default:
		s.log.Error("webrtc handle offer failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, errorBody{"could not start call"})
	}
}

func (s *Server) websocket(c echo.Context) error {
	if s.deps.Calls == nil {
		return c.JSON(http.StatusServiceUnavailable, errorBody{"calls are not configured"})
	}
	s.deps.Calls.ServeWebSocket(c.Response(), c.Request(), s.deps.AuthPassword)
	return nil
}

// respond is the answer service: it turns a candidate's answer into a short
// spoken acknowledgement.
func (s *Server) respond(c echo.Context) error {
	var req llm.RespondRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{"invalid request body"})
	}
	if strings.TrimSpace(req.UserInput) == "" || strings.TrimSpace(req.Question) == "" {
		return c.JSON(http.StatusBadRequest, errorBody{"userInput and question are required"})
	}
	if s.deps.Generator == nil {
		return c.JSON(http.StatusServiceUnavailable, errorBody{"answer generation is not configured"})
	}
	msgs := llm.BuildMessages(agent.AnswerRequest{
		Question:  req.Question,
		UserInput: req.UserInput,
		History:   req.ConversationHistory,
	})
	reply, err := s.deps.Generator.Complete(c.Request().Context(), msgs)
	if err != nil {
		s.log.Warn("answer generation failed", zap.Error(err))
		return c.JSON(http.StatusBadGateway, errorBody{"answer generation failed"})
	}
	return c.JSON(http.StatusOK, llm.RespondResponse{Response: strings.TrimSpace(reply)})
}
