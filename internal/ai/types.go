package ai

import (
	"context"
	"errors"
)

var ErrProviderUnavailable = errors.New("provider client unavailable")

type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

type GenerateRequest struct {
	Model           string
	Instructions    string
	Input           string
	Temperature     float64
	MaxOutputTokens int
	// JSONOutput asks the provider for a JSON object response when it supports it.
	JSONOutput bool
}

type GenerateResult struct {
	Text    string
	ModelID string
	Usage   TokenUsage
}

type TextGenerator interface {
	Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error)
	Available() bool
}

type SpeechRequest struct {
	Text   string
	Voice  string
	Format string
}

type SpeechResult struct {
	Audio       []byte
	ContentType string
	Extension   string
}

type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, request SpeechRequest) (SpeechResult, error)
}

type VideoRequest struct {
	LessonKey       string
	Title           string
	Script          string
	AudioURL        string
	Style           string
	DurationSeconds int
}

type VideoResult struct {
	URL string
}

type VideoAssembler interface {
	Assemble(ctx context.Context, request VideoRequest) (VideoResult, error)
}
