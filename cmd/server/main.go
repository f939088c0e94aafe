package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BitGladiator/Prepster/internal/agent"
	"github.com/BitGladiator/Prepster/internal/config"
	"github.com/BitGladiator/Prepster/internal/httpserver"
	"github.com/BitGladiator/Prepster/internal/llm"
	"github.com/BitGladiator/Prepster/internal/metrics"
	"github.com/BitGladiator/Prepster/internal/rtc"
	"github.com/BitGladiator/Prepster/internal/transcript"
	"github.com/BitGladiator/Prepster/internal/tts"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		// the logger is configured from cfg, so this one goes to stderr as is
		_, _ = os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(1)
	}
	logger := initLogger(cfg.LogLevel, cfg.LogFormat)
	defer func() { _ = logger.Sync() }()

	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector("prepster", reg, logger)

	iceServers, err := rtc.ParseICEServers(cfg.ICEServersJSON)
	if err != nil {
		logger.Warn("ICE_SERVERS_JSON ignored", zap.Error(err))
	}

	answers := llm.NewAnswerClient(cfg.AnswerServiceURL, cfg.AnswerTimeout, logger.With(zap.String("component", "answer")))
	answers.AuthToken = cfg.AuthPassword

	calls := rtc.NewHandler(rtc.Config{
		ICEServers: iceServers,
		Transcription: transcript.Options{
			APIKey:          cfg.AssemblyAIKey,
			URL:             cfg.AssemblyAIURL,
			NoSpeechTimeout: cfg.CaptureTimeout,
		},
		Streamer: newStreamer(cfg, logger),
		Answerer: answers,
		Agent: agent.Options{
			CaptureRetries:    cfg.CaptureRetries,
			CaptureRetryDelay: cfg.CaptureRetryDelay,
			AnswerTimeout:     cfg.AnswerTimeout,
		},
		Metrics: collector,
		Logger:  logger,
	})
	defer calls.Close()

	srv := httpserver.New(httpserver.Deps{
		Calls:        calls,
		Generator:    newGenerator(cfg),
		Metrics:      collector,
		Gatherer:     reg,
		AuthPassword: cfg.AuthPassword,
		Logger:       logger,
	})

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server listening", zap.String("addr", cfg.HTTPAddress),
			zap.String("tts", cfg.TTSProvider), zap.String("llm", cfg.LLMProvider))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		calls.Close()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("graceful shutdown failed", zap.Error(err))
			_ = server.Close()
		}
		return nil
	})
	return g.Wait()
}

func newStreamer(cfg config.Config, logger *zap.Logger) tts.Streamer {
	log := logger.With(zap.String("component", "tts"))
	if cfg.TTSProvider == "elevenlabs" {
		return tts.NewElevenLabsClient(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID, log)
	}
	return tts.NewDeepgramClient(cfg.DeepgramKey, cfg.DeepgramModel, log)
}

func newGenerator(cfg config.Config) llm.Generator {
	if cfg.LLMProvider == "openai" {
		return llm.NewOpenAIClient(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.OpenAIModel)
	}
	return llm.NewCerebrasClient(cfg.CerebrasKey, cfg.CerebrasModelID)
}

func initLogger(level, format string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(lvl),
		Development:      encoding == "console",
		Encoding:         encoding,
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
