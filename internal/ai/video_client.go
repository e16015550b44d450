package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

type VideoClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// VideoClient asks a video assembly service to render a lesson from its
// script and narration. The service stores the result and returns its URL.
type VideoClient struct {
	baseURL    string
	apiKey     string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
}

func NewVideoClient(config VideoClientConfig) *VideoClient {
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	return &VideoClient{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/"),
		apiKey:     strings.TrimSpace(config.APIKey),
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		httpClient: config.HTTPClient,
	}
}

func (c *VideoClient) Available() bool {
	return c.baseURL != ""
}

type videoAssemblyPayload struct {
	LessonKey       string `json:"lesson_key"`
	Title           string `json:"title"`
	Script          string `json:"script"`
	AudioURL        string `json:"audio_url"`
	Style           string `json:"style"`
	DurationSeconds int    `json:"duration_seconds"`
}

type videoAssemblyResponse struct {
	VideoURL string `json:"video_url"`
}

func (c *VideoClient) Assemble(ctx context.Context, request VideoRequest) (VideoResult, error) {
	if !c.Available() {
		return VideoResult{}, ErrProviderUnavailable
	}
	if strings.TrimSpace(request.Script) == "" {
		return VideoResult{}, errors.New("script is required")
	}

	encoded, err := json.Marshal(videoAssemblyPayload{
		LessonKey:       request.LessonKey,
		Title:           request.Title,
		Script:          request.Script,
		AudioURL:        request.AudioURL,
		Style:           request.Style,
		DurationSeconds: request.DurationSeconds,
	})
	if err != nil {
		return VideoResult{}, fmt.Errorf("marshal video payload: %w", err)
	}

	response, err := retryCall(ctx, c.maxRetries, func(ctx context.Context) (providerResponse, error) {
		return postProvider(ctx, c.httpClient, "video", c.baseURL+"/v1/videos", c.apiKey, c.timeout, encoded)
	})
	if err != nil {
		return VideoResult{}, err
	}

	var raw videoAssemblyResponse
	if err := json.Unmarshal(response.Body, &raw); err != nil {
		return VideoResult{}, fmt.Errorf("decode video response: %w", err)
	}
	if strings.TrimSpace(raw.VideoURL) == "" {
		return VideoResult{}, fmt.Errorf("video: %w", ErrEmptyOutput)
	}
	return VideoResult{URL: strings.TrimSpace(raw.VideoURL)}, nil
}
