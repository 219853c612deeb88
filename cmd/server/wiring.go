package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go/option"

	"github.com/loomlock/companion/internal/config"
	"github.com/loomlock/companion/internal/identity"
	"github.com/loomlock/companion/internal/imagegen"
	"github.com/loomlock/companion/internal/llm"
	"github.com/loomlock/companion/internal/speech"
)

// newGateway builds the fallback chain from whichever backends have keys,
// in the order anthropic, openai, gemini.
func newGateway(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*llm.Gateway, error) {
	l := cfg.LLM
	var backends []llm.Backend

	if l.AnthropicAPIKey != "" {
		backends = append(backends, llm.NewAnthropic(l.AnthropicAPIKey, l.AnthropicModel, l.Utility(l.AnthropicUtilityModel)))
	}
	if l.OpenAIAPIKey != "" {
		var opts []option.RequestOption
		if l.OpenAIBaseURL != "" {
			opts = append(opts, option.WithBaseURL(l.OpenAIBaseURL))
		}
		backends = append(backends, llm.NewOpenAI(l.OpenAIAPIKey, l.OpenAIModel, l.Utility(l.OpenAIUtilityModel), opts...))
	}
	if l.GeminiAPIKey != "" {
		g, err := llm.NewGemini(ctx, l.GeminiAPIKey, l.GeminiModel, l.Utility(l.GeminiUtilityModel))
		if err != nil {
			return nil, err
		}
		backends = append(backends, g)
	}
	if len(backends) == 0 {
		return nil, errors.New("no completion backend configured")
	}
	return llm.NewGateway(logger, backends...), nil
}

// newSynthesizer returns nil when the selected provider is not configured.
func newSynthesizer(cfg *config.Config) speech.Synthesizer {
	if !cfg.SpeechConfigured() {
		slog.Info("Voice disabled", "provider", cfg.Speech.Provider)
		return nil
	}
	s := cfg.Speech
	slog.Info("Voice enabled", "provider", s.Provider)
	if s.Provider == config.SpeechPolly {
		return speech.NewPolly(speech.PollyConfig{
			Region:  s.PollyRegion,
			VoiceID: s.PollyVoice,
			Engine:  s.PollyEngine,
		}, nil)
	}
	return speech.NewElevenLabs(speech.ElevenLabsConfig{
		APIKey:  s.ElevenLabsAPIKey,
		BaseURL: s.ElevenLabsURL,
		VoiceID: s.ElevenLabsVoice,
		ModelID: s.ElevenLabsModel,
	}, nil)
}

// newImageGenerator returns nil without a fal.ai key.
func newImageGenerator(cfg *config.Config, logger *slog.Logger) imagegen.Generator {
	if cfg.Image.FalKey == "" {
		slog.Info("Image generation disabled (FAL_KEY not set)")
		return nil
	}
	slog.Info("Image generation enabled")
	return imagegen.NewFal(imagegen.FalConfig{
		APIKey:  cfg.Image.FalKey,
		Model:   cfg.Image.FalModel,
		BaseURL: cfg.Image.FalBaseURL,
	}, nil, logger)
}

func newVerifier(cfg *config.Config) (identity.Verifier, error) {
	if cfg.Auth.JWTPublicKey != "" {
		v, err := identity.NewJWTVerifier(cfg.Auth.JWTPublicKey, cfg.Auth.AuthorizedParties)
		if err != nil {
			return nil, fmt.Errorf("jwt verifier: %w", err)
		}
		return v, nil
	}
	if !cfg.IsDevelopment() {
		return nil, errors.New("CLERK_JWT_PUBLIC_KEY is required unless APP_ENV=development")
	}
	slog.Warn("CLERK_JWT_PUBLIC_KEY not set, accepting development tokens")
	return identity.DevVerifier{}, nil
}
