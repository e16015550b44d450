package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/iago/lesson-pipeline/internal/ai"
	"github.com/iago/lesson-pipeline/internal/breaker"
	"github.com/iago/lesson-pipeline/internal/cache"
	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/iago/lesson-pipeline/internal/quality"
)

const jsonInstructions = "Return only valid JSON. Do not use markdown code fences."

type topicClassification struct {
	InScope   bool     `json:"in_scope"`
	TopicID   string   `json:"topic_id"`
	TopicName string   `json:"topic_name"`
	Keywords  []string `json:"keywords"`
}

type scriptPromptData struct {
	TopicName       string
	Query           string
	Interest        string
	Style           string
	TargetWords     int
	DurationSeconds int
	Keywords        []string
	Context         string
}

// generateText tries the primary model and then the fallback model. Both go
// through the text generation breaker; an open circuit is returned as is.
func (o *Orchestrator) generateText(ctx context.Context, task ai.TaskKind, prompt string) (ai.GenerateResult, error) {
	if o.text == nil || !o.text.Available() {
		return ai.GenerateResult{}, ai.ErrProviderUnavailable
	}

	profile := o.router.Select(task)
	var failures []error
	for _, model := range profile.Models() {
		request := ai.GenerateRequest{
			Model:           model,
			Instructions:    jsonInstructions,
			Input:           prompt,
			Temperature:     profile.Temperature,
			MaxOutputTokens: profile.MaxOutputTokens,
			JSONOutput:      true,
		}
		result, err := breaker.Execute(ctx, o.breakers, ServiceTextGeneration, func(callCtx context.Context) (ai.GenerateResult, error) {
			return o.text.Generate(callCtx, request)
		})
		if err == nil {
			if strings.TrimSpace(result.ModelID) == "" {
				result.ModelID = model
			}
			return result, nil
		}

		var open *breaker.OpenError
		if errors.As(err, &open) {
			return ai.GenerateResult{}, err
		}
		o.logger.Warn().
			Err(err).
			Str("model", model).
			Str("task", string(task)).
			Msg("text generation attempt failed")
		failures = append(failures, err)
	}

	if len(failures) == 1 {
		return ai.GenerateResult{}, failures[0]
	}
	return ai.GenerateResult{}, fmt.Errorf("primary model failed: %v; fallback failed: %w", failures[0], failures[len(failures)-1])
}

// classifyTopic asks the text generation service for the topic of a request
// that the catalog could not resolve. Answers are memoized by prompt input.
func (o *Orchestrator) classifyTopic(ctx context.Context, hint, query string) (topicClassification, error) {
	signature := cache.Signature(string(ai.TaskTopicExtraction), topicPromptVersion, strings.ToLower(hint), strings.ToLower(query))
	if cached, ok := o.responses.Get(signature); ok {
		var classification topicClassification
		if err := json.Unmarshal(cached.Value, &classification); err == nil {
			return classification, nil
		}
	}

	prompt, err := o.prompts.Render(topicPromptVersion, map[string]any{
		"KnownTopics": o.catalog.IDs(),
		"TopicHint":   hint,
		"Query":       query,
	})
	if err != nil {
		return topicClassification{}, domain.Transient(domain.ReasonInternal, err)
	}

	result, err := o.generateText(ctx, ai.TaskTopicExtraction, prompt)
	if err != nil {
		return topicClassification{}, o.externalError(err)
	}

	body, err := quality.ExtractJSON(result.Text)
	if err != nil {
		return topicClassification{}, domain.Transient(domain.ReasonTransientExternal, fmt.Errorf("topic classification: %w", err))
	}
	var classification topicClassification
	if err := json.Unmarshal(body, &classification); err != nil {
		return topicClassification{}, domain.Transient(domain.ReasonTransientExternal, fmt.Errorf("decode topic classification: %w", err))
	}
	classification.TopicID = normalizeTopicID(classification.TopicID)
	if classification.InScope && classification.TopicID == "" {
		return topicClassification{}, domain.Transient(domain.ReasonTransientExternal, errors.New("topic classification returned no topic id"))
	}

	encoded, err := json.Marshal(classification)
	if err == nil {
		o.responses.Set(signature, cache.ResponseEntry{
			Value:         encoded,
			ModelID:       result.ModelID,
			PromptVersion: topicPromptVersion,
		})
	}
	return classification, nil
}

func (o *Orchestrator) writeScript(ctx context.Context, data scriptPromptData) (quality.Script, error) {
	prompt, err := o.prompts.Render(scriptPromptVersion, data)
	if err != nil {
		return quality.Script{}, domain.Transient(domain.ReasonInternal, err)
	}

	result, err := o.generateText(ctx, ai.TaskScriptGeneration, prompt)
	if err != nil {
		return quality.Script{}, o.externalError(err)
	}

	body, err := quality.ExtractJSON(result.Text)
	if err != nil {
		return quality.Script{}, domain.Transient(domain.ReasonTransientExternal, fmt.Errorf("script generation: %w", err))
	}
	validated, err := o.validator.ValidateScript(quality.ScriptValidationInput{
		Body:        body,
		TargetWords: data.TargetWords,
	})
	if err != nil {
		return quality.Script{}, domain.Transient(domain.ReasonTransientExternal, fmt.Errorf("script generation: %w", err))
	}

	script := validated.Script
	script.ModelID = result.ModelID
	return script, nil
}

// externalError classifies a failed call to an external service. An open
// circuit defers the message until the cooldown has passed.
func (o *Orchestrator) externalError(err error) error {
	var open *breaker.OpenError
	if errors.As(err, &open) {
		return domain.Deferred(domain.ReasonCircuitOpen, open.RetryAfter, err)
	}
	return ai.ClassifyProviderError(err)
}
