// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration.
type Config struct {
	Port        string `env:"PORT" envDefault:"8080"`
	FrontendURL string `env:"FRONTEND_URL"`
	AppEnv      string `env:"APP_ENV"`

	// DatabaseURL selects Postgres when set; otherwise SQLite at DBPath.
	DBPath      string `env:"DB_PATH" envDefault:"./data/companion.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	LessonsDir string `env:"LESSONS_DIR" envDefault:"./lessons"`

	Auth            AuthConfig
	LLM             LLMConfig
	Speech          SpeechConfig
	Image           ImageConfig
	Retrieval       RetrievalConfig
	RateLimit       RateLimitConfig
	Session         SessionConfig
	SSE             SSEConfig
	ConversationLog ConversationLogConfig
}

// AuthConfig controls bearer token verification.
type AuthConfig struct {
	JWTPublicKey      string   `env:"CLERK_JWT_PUBLIC_KEY"`
	AuthorizedParties []string `env:"CLERK_AUTHORIZED_PARTIES" envSeparator:","`
	AutoProvision     bool     `env:"AUTO_PROVISION_USERS" envDefault:"false"`

	// WebhookSecret enables POST /api/webhooks/clerk. Format "whsec_<base64>".
	WebhookSecret string `env:"CLERK_WEBHOOK_SECRET"`
}

// LLMConfig lists completion backends. Configured backends are tried in
// the order anthropic, openai, gemini.
type LLMConfig struct {
	AnthropicAPIKey string `env:"ANTHROPIC_API_KEY"`
	AnthropicModel  string `env:"ANTHROPIC_MODEL" envDefault:"claude-sonnet-4-5"`
	OpenAIAPIKey    string `env:"OPENAI_API_KEY"`
	OpenAIModel     string `env:"OPENAI_MODEL" envDefault:"gpt-4o"`
	OpenAIBaseURL   string `env:"OPENAI_BASE_URL"`
	GeminiAPIKey    string `env:"GEMINI_API_KEY"`
	GeminiModel     string `env:"GEMINI_MODEL" envDefault:"gemini-2.5-flash"`

	// UtilityModel overrides every backend's model for naming and image
	// prompts. Empty keeps the per-backend defaults below.
	UtilityModel          string `env:"UTILITY_MODEL"`
	AnthropicUtilityModel string `env:"ANTHROPIC_UTILITY_MODEL" envDefault:"claude-haiku-4-5"`
	OpenAIUtilityModel    string `env:"OPENAI_UTILITY_MODEL" envDefault:"gpt-4o-mini"`
	GeminiUtilityModel    string `env:"GEMINI_UTILITY_MODEL" envDefault:"gemini-2.5-flash-lite"`
}

// Speech providers.
const (
	SpeechElevenLabs = "elevenlabs"
	SpeechPolly      = "polly"
)

// SpeechConfig selects and configures the speech synthesizer.
type SpeechConfig struct {
	Provider         string `env:"SPEECH_PROVIDER" envDefault:"elevenlabs"`
	ElevenLabsAPIKey string `env:"ELEVENLABS_API_KEY"`
	ElevenLabsVoice  string `env:"ELEVENLABS_VOICE_ID"`
	ElevenLabsModel  string `env:"ELEVENLABS_MODEL_ID"`
	ElevenLabsURL    string `env:"ELEVENLABS_BASE_URL"`
	PollyEnabled     bool   `env:"POLLY_ENABLED" envDefault:"false"`
	PollyRegion      string `env:"POLLY_REGION" envDefault:"us-east-1"`
	PollyVoice       string `env:"POLLY_VOICE_ID" envDefault:"Joanna"`
	PollyEngine      string `env:"POLLY_ENGINE" envDefault:"neural"`
}

// ImageConfig configures the fal.ai image generator.
type ImageConfig struct {
	FalKey     string `env:"FAL_KEY"`
	FalModel   string `env:"FAL_MODEL"`
	FalBaseURL string `env:"FAL_BASE_URL"`
}

// RetrievalConfig points at the vector search service. Empty Addr disables retrieval.
type RetrievalConfig struct {
	Addr           string        `env:"RETRIEVAL_GRPC_ADDR"`
	TopK           int           `env:"RETRIEVAL_TOP_K" envDefault:"5"`
	ConnectTimeout time.Duration `env:"RETRIEVAL_CONNECT_TIMEOUT" envDefault:"5s"`
	RequestTimeout time.Duration `env:"RETRIEVAL_REQUEST_TIMEOUT" envDefault:"10s"`
}

// RateLimitConfig bounds turns per user.
type RateLimitConfig struct {
	RequestsPerWindow int           `env:"RATE_LIMIT_REQUESTS" envDefault:"10"`
	WindowDuration    time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// SessionConfig tunes websocket sessions.
type SessionConfig struct {
	AuthTimeout time.Duration `env:"WS_AUTH_TIMEOUT" envDefault:"10s"`
	QueueSize   int           `env:"WS_QUEUE_SIZE" envDefault:"256"`
}

// SSEConfig tunes the one-shot streaming endpoint.
type SSEConfig struct {
	KeepaliveInterval  time.Duration `env:"SSE_KEEPALIVE_INTERVAL" envDefault:"10s"`
	MaxRequestBodySize int64         `env:"SSE_MAX_REQUEST_BODY_SIZE" envDefault:"65536"`
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool   `env:"CONVERSATION_LOG_ENABLED" envDefault:"true"`
	Dir           string `env:"CONVERSATION_LOG_DIR" envDefault:"./data/logs/conversations"`
	GlobalEnabled bool   `env:"CONVERSATION_LOG_GLOBAL_ENABLED" envDefault:"false"`
	GlobalPath    string `env:"CONVERSATION_LOG_GLOBAL_PATH" envDefault:"./data/logs/conversations/all.ndjson"`
	QueueSize     int    `env:"CONVERSATION_LOG_QUEUE_SIZE" envDefault:"1000"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return parse(env.Options{})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Speech.Provider = strings.ToLower(strings.TrimSpace(cfg.Speech.Provider))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DatabaseURL == "" && c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty when DATABASE_URL is unset")
	}
	if !c.LLM.AnyBackend() {
		return errors.New("at least one of ANTHROPIC_API_KEY, OPENAI_API_KEY or GEMINI_API_KEY is required")
	}
	if c.Auth.JWTPublicKey == "" && !c.IsDevelopment() {
		return errors.New("CLERK_JWT_PUBLIC_KEY is required unless APP_ENV=development")
	}
	if c.Auth.WebhookSecret != "" && !strings.HasPrefix(c.Auth.WebhookSecret, "whsec_") {
		return errors.New("CLERK_WEBHOOK_SECRET must start with whsec_")
	}
	switch c.Speech.Provider {
	case SpeechElevenLabs, SpeechPolly:
	default:
		return fmt.Errorf("SPEECH_PROVIDER must be %q or %q, got %q", SpeechElevenLabs, SpeechPolly, c.Speech.Provider)
	}
	if c.Retrieval.TopK <= 0 {
		return errors.New("RETRIEVAL_TOP_K must be > 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 || c.RateLimit.WindowDuration <= 0 {
		return errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return errors.New("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return errors.New("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return errors.New("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// AnyBackend reports whether at least one completion backend has a key.
func (l LLMConfig) AnyBackend() bool {
	return l.AnthropicAPIKey != "" || l.OpenAIAPIKey != "" || l.GeminiAPIKey != ""
}

// Utility returns the utility model for a backend, honoring UtilityModel.
func (l LLMConfig) Utility(backendDefault string) string {
	if l.UtilityModel != "" {
		return l.UtilityModel
	}
	return backendDefault
}

// SpeechConfigured reports whether the selected speech provider can run.
func (c *Config) SpeechConfigured() bool {
	switch c.Speech.Provider {
	case SpeechPolly:
		return c.Speech.PollyEnabled
	default:
		return c.Speech.ElevenLabsAPIKey != ""
	}
}

// IsDevelopment reports whether APP_ENV is explicitly "development".
// An unset APP_ENV is treated as production.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(strings.TrimSpace(c.AppEnv), "development")
}
