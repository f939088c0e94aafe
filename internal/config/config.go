package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const DefaultICEServersJSON = `[{"urls":["stun:stun.l.google.com:19302"]}]`

// Config holds application configuration.
type Config struct {
	HTTPAddress    string `env:"HTTP_ADDRESS" envDefault:":8080"`
	AuthPassword   string `env:"AUTH_PASSWORD"`
	ICEServersJSON string `env:"ICE_SERVERS_JSON"`

	AssemblyAIKey string `env:"ASSEMBLYAI_API_KEY"`
	AssemblyAIURL string `env:"ASSEMBLYAI_URL" envDefault:"wss://streaming.assemblyai.com/v3/ws"`

	TTSProvider       string `env:"TTS_PROVIDER" envDefault:"deepgram"`
	DeepgramKey       string `env:"DEEPGRAM_API_KEY"`
	DeepgramModel     string `env:"DEEPGRAM_TTS_MODEL" envDefault:"aura-2-thalia-en"`
	ElevenLabsKey     string `env:"ELEVENLABS_API_KEY"`
	ElevenLabsVoiceID string `env:"ELEVENLABS_VOICE_ID"`

	LLMProvider     string `env:"LLM_PROVIDER" envDefault:"cerebras"`
	CerebrasKey     string `env:"CEREBRAS_API_KEY"`
	CerebrasModelID string `env:"CEREBRAS_MODEL_ID" envDefault:"gpt-oss-120b"`
	OpenAIKey       string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL   string `env:"OPENAI_BASE_URL"`
	OpenAIModel     string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`

	AnswerServiceURL  string        `env:"ANSWER_SERVICE_URL"`
	AnswerTimeout     time.Duration `env:"ANSWER_TIMEOUT" envDefault:"8s"`
	CaptureTimeout    time.Duration `env:"CAPTURE_TIMEOUT" envDefault:"15s"`
	CaptureRetryDelay time.Duration `env:"CAPTURE_RETRY_DELAY" envDefault:"1s"`
	CaptureRetries    int           `env:"CAPTURE_RETRIES" envDefault:"1"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg.normalize()
}

// LoadFrom parses the given environment instead of the process one.
func LoadFrom(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg.normalize()
}

func (c Config) normalize() (Config, error) {
	c.TTSProvider = strings.ToLower(strings.TrimSpace(c.TTSProvider))
	c.LLMProvider = strings.ToLower(strings.TrimSpace(c.LLMProvider))
	if strings.TrimSpace(c.ICEServersJSON) == "" {
		c.ICEServersJSON = DefaultICEServersJSON
	}
	switch c.TTSProvider {
	case "deepgram", "elevenlabs":
	default:
		return Config{}, fmt.Errorf("config: unknown TTS_PROVIDER %q", c.TTSProvider)
	}
	switch c.LLMProvider {
	case "cerebras", "openai":
	default:
		return Config{}, fmt.Errorf("config: unknown LLM_PROVIDER %q", c.LLMProvider)
	}
	if c.CaptureRetries < 0 {
		return Config{}, fmt.Errorf("config: CAPTURE_RETRIES must not be negative")
	}
	if c.AnswerServiceURL == "" {
		c.AnswerServiceURL = localAnswerURL(c.HTTPAddress)
	}
	return c, nil
}

// localAnswerURL points the answer client at this server's own route.
func localAnswerURL(addr string) string {
	port := "8080"
	if _, p, err := net.SplitHostPort(addr); err == nil && p != "" {
		port = p
	}
	return "http://127.0.0.1:" + port + "/api/interview/respond"
}

// Warnings lists missing keys that disable a feature without stopping the server.
func (c Config) Warnings() []string {
	var w []string
	if c.AssemblyAIKey == "" {
		w = append(w, "ASSEMBLYAI_API_KEY not set - transcription will not work")
	}
	switch c.TTSProvider {
	case "deepgram":
		if c.DeepgramKey == "" {
			w = append(w, "DEEPGRAM_API_KEY not set - TTS will not work")
		}
	case "elevenlabs":
		if c.ElevenLabsKey == "" || c.ElevenLabsVoiceID == "" {
			w = append(w, "ELEVENLABS_API_KEY or ELEVENLABS_VOICE_ID not set - TTS will not work")
		}
	}
	switch c.LLMProvider {
	case "cerebras":
		if c.CerebrasKey == "" {
			w = append(w, "CEREBRAS_API_KEY not set - answer generation will use the fallback")
		}
	case "openai":
		if c.OpenAIKey == "" {
			w = append(w, "OPENAI_API_KEY not set - answer generation will use the fallback")
		}
	}
	if c.AuthPassword == "" {
		w = append(w, "AUTH_PASSWORD not set - /call is open to anyone")
	}
	return w
}
