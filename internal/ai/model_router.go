package ai

import "strings"

type TaskKind string

const (
	TaskTopicExtraction  TaskKind = "topic_extraction"
	TaskScriptGeneration TaskKind = "script_generation"
)

type ModelProfile struct {
	PrimaryModel    string
	FallbackModel   string
	Temperature     float64
	MaxOutputTokens int
}

// Models returns the primary model followed by the fallback when it differs.
func (p ModelProfile) Models() []string {
	models := []string{p.PrimaryModel}
	if p.FallbackModel != "" && p.FallbackModel != p.PrimaryModel {
		models = append(models, p.FallbackModel)
	}
	return models
}

type ModelRouterConfig struct {
	TopicPrimary  string
	TopicFallback string

	ScriptPrimary  string
	ScriptFallback string
}

type ModelRouter struct {
	config ModelRouterConfig
}

func NewModelRouter(config ModelRouterConfig) *ModelRouter {
	if strings.TrimSpace(config.TopicPrimary) == "" {
		config.TopicPrimary = "openai/gpt-4.1-mini"
	}
	if strings.TrimSpace(config.TopicFallback) == "" {
		config.TopicFallback = "openai/gpt-4.1-nano"
	}
	if strings.TrimSpace(config.ScriptPrimary) == "" {
		config.ScriptPrimary = "openai/gpt-4.1"
	}
	if strings.TrimSpace(config.ScriptFallback) == "" {
		config.ScriptFallback = "openai/gpt-4.1-mini"
	}

	return &ModelRouter{config: config}
}

func (r *ModelRouter) Select(task TaskKind) ModelProfile {
	switch task {
	case TaskTopicExtraction:
		return ModelProfile{
			PrimaryModel:    r.config.TopicPrimary,
			FallbackModel:   r.config.TopicFallback,
			Temperature:     0,
			MaxOutputTokens: 200,
		}
	case TaskScriptGeneration:
		return ModelProfile{
			PrimaryModel:    r.config.ScriptPrimary,
			FallbackModel:   r.config.ScriptFallback,
			Temperature:     0.6,
			MaxOutputTokens: 2400,
		}
	default:
		return ModelProfile{
			PrimaryModel:    r.config.TopicPrimary,
			FallbackModel:   r.config.TopicFallback,
			Temperature:     0.2,
			MaxOutputTokens: 700,
		}
	}
}
