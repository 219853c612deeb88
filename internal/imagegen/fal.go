package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

var _ Generator = (*Fal)(nil)

// FalConfig configures the fal.ai queue API.
type FalConfig struct {
	APIKey        string
	Model         string
	BaseURL       string
	ImageSize     string
	Steps         int
	GuidanceScale float64
	PollInterval  time.Duration
	Timeout       time.Duration
}

// Fal submits jobs to the fal.ai queue and polls them to completion.
type Fal struct {
	cfg    FalConfig
	http   *http.Client
	logger *slog.Logger
}

// NewFal fills defaults and returns a generator.
func NewFal(cfg FalConfig, client *http.Client, logger *slog.Logger) *Fal {
	if cfg.Model == "" {
		cfg.Model = "fal-ai/flux-general"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://queue.fal.run"
	}
	if cfg.ImageSize == "" {
		cfg.ImageSize = "landscape_16_9"
	}
	if cfg.Steps <= 0 {
		cfg.Steps = 28
	}
	if cfg.GuidanceScale <= 0 {
		cfg.GuidanceScale = 3.5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fal{cfg: cfg, http: client, logger: logger}
}

type falSubmitRequest struct {
	Prompt              string  `json:"prompt"`
	ImageSize           string  `json:"image_size"`
	NumInferenceSteps   int     `json:"num_inference_steps"`
	GuidanceScale       float64 `json:"guidance_scale"`
	NumImages           int     `json:"num_images"`
	EnableSafetyChecker bool    `json:"enable_safety_checker"`
}

type falSubmitResponse struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
}

type falStatus struct {
	Status        string `json:"status"`
	QueuePosition int    `json:"queue_position"`
	Logs          []struct {
		Message string `json:"message"`
	} `json:"logs"`
}

type falResult struct {
	Images []struct {
		URL         string `json:"url"`
		Width       int    `json:"width"`
		Height      int    `json:"height"`
		ContentType string `json:"content_type"`
	} `json:"images"`
}

const (
	falInQueue    = "IN_QUEUE"
	falInProgress = "IN_PROGRESS"
	falCompleted  = "COMPLETED"
)

// Generate submits prompt, forwards status changes and new log lines to
// progress, and returns the first image.
func (f *Fal) Generate(ctx context.Context, prompt string, progress func(Progress)) (*Image, error) {
	if progress == nil {
		progress = func(Progress) {}
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	var submitted falSubmitResponse
	err := f.do(ctx, http.MethodPost, strings.TrimRight(f.cfg.BaseURL, "/")+"/"+f.cfg.Model, falSubmitRequest{
		Prompt:              prompt,
		ImageSize:           f.cfg.ImageSize,
		NumInferenceSteps:   f.cfg.Steps,
		GuidanceScale:       f.cfg.GuidanceScale,
		NumImages:           1,
		EnableSafetyChecker: true,
	}, &submitted)
	if err != nil {
		return nil, fmt.Errorf("submit image request: %w", err)
	}
	if submitted.StatusURL == "" || submitted.ResponseURL == "" {
		return nil, fmt.Errorf("submit image request: missing queue urls")
	}
	f.logger.Debug("Image request queued", "request_id", submitted.RequestID)

	lastStatus := ""
	seenLogs := 0
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		var status falStatus
		if err := f.do(ctx, http.MethodGet, submitted.StatusURL+"?logs=1", nil, &status); err != nil {
			return nil, fmt.Errorf("poll image status: %w", err)
		}
		if status.Status != lastStatus {
			lastStatus = status.Status
			progress(Progress{Status: strings.ToLower(status.Status)})
		}
		for ; seenLogs < len(status.Logs); seenLogs++ {
			if msg := strings.TrimSpace(status.Logs[seenLogs].Message); msg != "" {
				progress(Progress{Status: "progress", Message: msg})
			}
		}

		switch status.Status {
		case falCompleted:
			return f.result(ctx, submitted.ResponseURL)
		case falInQueue, falInProgress:
		default:
			return nil, fmt.Errorf("image request %s: unexpected status %q", submitted.RequestID, status.Status)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (f *Fal) result(ctx context.Context, responseURL string) (*Image, error) {
	var res falResult
	if err := f.do(ctx, http.MethodGet, responseURL, nil, &res); err != nil {
		return nil, fmt.Errorf("fetch image result: %w", err)
	}
	if len(res.Images) == 0 || res.Images[0].URL == "" {
		return nil, ErrNoImages
	}
	img := res.Images[0]
	return &Image{URL: img.URL, Width: img.Width, Height: img.Height, ContentType: img.ContentType}, nil
}

func (f *Fal) do(ctx context.Context, method, url string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Key "+f.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(sample)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
