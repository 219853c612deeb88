package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

var _ Synthesizer = (*ElevenLabs)(nil)

// ElevenLabsConfig configures the ElevenLabs streaming endpoint.
type ElevenLabsConfig struct {
	APIKey       string
	BaseURL      string
	VoiceID      string
	ModelID      string
	OutputFormat string
	// Latency is optimize_streaming_latency, 0 (off) to 4 (fastest).
	Latency int
	Timeout time.Duration
}

// ElevenLabs streams MP3 audio over HTTP.
type ElevenLabs struct {
	cfg  ElevenLabsConfig
	http *http.Client
}

// NewElevenLabs fills defaults and returns a synthesizer.
func NewElevenLabs(cfg ElevenLabsConfig, client *http.Client) *ElevenLabs {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.elevenlabs.io/v1/text-to-speech"
	}
	if cfg.VoiceID == "" {
		cfg.VoiceID = "NFG5qt843uXKj4pFvR7C"
	}
	if cfg.ModelID == "" {
		cfg.ModelID = "eleven_flash_v2_5"
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "mp3_44100_128"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	return &ElevenLabs{cfg: cfg, http: client}
}

func (e *ElevenLabs) Name() string   { return "elevenlabs" }
func (e *ElevenLabs) Format() string { return "mp3" }

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Speed           float64 `json:"speed"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

type elevenLabsRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

func (e *ElevenLabs) endpoint() string {
	q := url.Values{}
	q.Set("output_format", e.cfg.OutputFormat)
	q.Set("optimize_streaming_latency", strconv.Itoa(e.cfg.Latency))
	return strings.TrimRight(e.cfg.BaseURL, "/") + "/" + url.PathEscape(e.cfg.VoiceID) + "/stream?" + q.Encode()
}

func (e *ElevenLabs) Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		body, err := json.Marshal(elevenLabsRequest{
			Text:    text,
			ModelID: e.cfg.ModelID,
			VoiceSettings: voiceSettings{
				Stability:       0.8,
				SimilarityBoost: 1,
				Speed:           1,
				UseSpeakerBoost: true,
			},
		})
		if err != nil {
			yield(nil, fmt.Errorf("encode elevenlabs request: %w", err))
			return
		}

		ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint(), bytes.NewReader(body))
		if err != nil {
			yield(nil, fmt.Errorf("build elevenlabs request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "audio/mpeg")
		req.Header.Set("xi-api-key", e.cfg.APIKey)

		resp, err := e.http.Do(req)
		if err != nil {
			yield(nil, fmt.Errorf("elevenlabs request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			sample, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			yield(nil, fmt.Errorf("elevenlabs status %d: %s", resp.StatusCode, strings.TrimSpace(string(sample))))
			return
		}

		readChunks(ctx, resp.Body, yield)
	}
}
