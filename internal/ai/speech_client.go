package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"time"
)

type SpeechClientConfig struct {
	BaseURL    string
	APIKey     string
	Voice      string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// SpeechClient calls a text-to-speech HTTP service that answers with the
// encoded audio as the response body.
type SpeechClient struct {
	baseURL    string
	apiKey     string
	voice      string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
}

func NewSpeechClient(config SpeechClientConfig) *SpeechClient {
	if config.Timeout <= 0 {
		config.Timeout = 45 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if strings.TrimSpace(config.Voice) == "" {
		config.Voice = "narrator"
	}
	return &SpeechClient{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(config.BaseURL), "/"),
		apiKey:     strings.TrimSpace(config.APIKey),
		voice:      strings.TrimSpace(config.Voice),
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
		httpClient: config.HTTPClient,
	}
}

func (c *SpeechClient) Available() bool {
	return c.baseURL != ""
}

func (c *SpeechClient) Synthesize(ctx context.Context, request SpeechRequest) (SpeechResult, error) {
	if !c.Available() {
		return SpeechResult{}, ErrProviderUnavailable
	}
	if strings.TrimSpace(request.Text) == "" {
		return SpeechResult{}, errors.New("text is required")
	}
	format := strings.TrimSpace(request.Format)
	if format == "" {
		format = "mp3"
	}
	voice := providerFirstNonEmpty(request.Voice, c.voice)

	encoded, err := json.Marshal(map[string]string{
		"text":   request.Text,
		"voice":  voice,
		"format": format,
	})
	if err != nil {
		return SpeechResult{}, fmt.Errorf("marshal speech payload: %w", err)
	}

	response, err := retryCall(ctx, c.maxRetries, func(ctx context.Context) (providerResponse, error) {
		return postProvider(ctx, c.httpClient, "speech", c.baseURL+"/v1/speech", c.apiKey, c.timeout, encoded)
	})
	if err != nil {
		return SpeechResult{}, err
	}
	if len(response.Body) == 0 {
		return SpeechResult{}, fmt.Errorf("speech: %w", ErrEmptyOutput)
	}

	contentType := response.ContentType
	if mediaType, _, parseErr := mime.ParseMediaType(contentType); parseErr == nil {
		contentType = mediaType
	}
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = "audio/" + format
	}
	return SpeechResult{
		Audio:       response.Body,
		ContentType: contentType,
		Extension:   audioExtension(contentType, format),
	}, nil
}

func audioExtension(contentType, format string) string {
	switch contentType {
	case "audio/mpeg", "audio/mp3":
		return "mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return "wav"
	case "audio/ogg", "audio/opus":
		return "ogg"
	}
	return format
}
