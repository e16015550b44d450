package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"
)

type GeminiClientConfig struct {
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// GeminiClient generates text through the Gemini API. It satisfies
// TextGenerator so the pipeline can use it in place of OpenRouter.
type GeminiClient struct {
	models     *genai.Models
	timeout    time.Duration
	maxRetries int
}

func NewGeminiClient(ctx context.Context, config GeminiClientConfig) (*GeminiClient, error) {
	if config.Timeout <= 0 {
		config.Timeout = 20 * time.Second
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if strings.TrimSpace(config.APIKey) == "" {
		return &GeminiClient{timeout: config.Timeout, maxRetries: config.MaxRetries}, nil
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(config.APIKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiClient{
		models:     client.Models,
		timeout:    config.Timeout,
		maxRetries: config.MaxRetries,
	}, nil
}

func (c *GeminiClient) Available() bool {
	return c.models != nil
}

func (c *GeminiClient) Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error) {
	if !c.Available() {
		return GenerateResult{}, ErrProviderUnavailable
	}
	if strings.TrimSpace(request.Model) == "" {
		return GenerateResult{}, errors.New("model is required")
	}
	if strings.TrimSpace(request.Input) == "" {
		return GenerateResult{}, errors.New("input is required")
	}

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr[float32](float32(request.Temperature)),
		MaxOutputTokens: int32(request.MaxOutputTokens),
	}
	if instructions := strings.TrimSpace(request.Instructions); instructions != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: instructions}}}
	}
	if request.JSONOutput {
		config.ResponseMIMEType = "application/json"
	}

	return retryCall(ctx, c.maxRetries, func(ctx context.Context) (GenerateResult, error) {
		timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		response, err := c.models.GenerateContent(timeoutCtx, request.Model, genai.Text(request.Input), config)
		if err != nil {
			return GenerateResult{}, normalizeGeminiError(err)
		}
		return geminiResult(response, request.Model)
	})
}

func geminiResult(response *genai.GenerateContentResponse, requestedModel string) (GenerateResult, error) {
	if response == nil {
		return GenerateResult{}, fmt.Errorf("gemini: %w", ErrEmptyOutput)
	}
	fragments := make([]string, 0)
	for _, candidate := range response.Candidates {
		if candidate == nil || candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			if part == nil || strings.TrimSpace(part.Text) == "" {
				continue
			}
			fragments = append(fragments, part.Text)
		}
		break
	}
	text := strings.TrimSpace(strings.Join(fragments, ""))
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)
	if text == "" {
		return GenerateResult{}, fmt.Errorf("gemini: %w", ErrEmptyOutput)
	}

	result := GenerateResult{
		Text:    text,
		ModelID: providerFirstNonEmpty(response.ModelVersion, requestedModel),
	}
	if usage := response.UsageMetadata; usage != nil {
		result.Usage = TokenUsage{
			InputTokens:  int(usage.PromptTokenCount),
			OutputTokens: int(usage.CandidatesTokenCount),
			TotalTokens:  int(usage.TotalTokenCount),
		}
	}
	return result, nil
}

// normalizeGeminiError turns SDK API errors into providerHTTPError so retry
// and classification treat both text providers alike.
func normalizeGeminiError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providerHTTPError{Provider: "gemini", StatusCode: apiErr.Code, Message: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &providerHTTPError{Provider: "gemini", StatusCode: apiErrPtr.Code, Message: apiErrPtr.Message}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("gemini timeout: %w", err)
	}
	return fmt.Errorf("gemini transport error: %w", err)
}
