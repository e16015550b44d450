package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/iago/lesson-pipeline/internal/ai"
	"github.com/iago/lesson-pipeline/internal/breaker"
	"github.com/iago/lesson-pipeline/internal/cache"
	contextbuilder "github.com/iago/lesson-pipeline/internal/context"
	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/iago/lesson-pipeline/internal/quality"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// lessonState is the request context handed from stage to stage.
type lessonState struct {
	request   *domain.ContentRequest
	message   domain.QueueMessage
	modality  domain.Modality
	plan      []domain.Stage
	completed domain.Stage
	duration  int

	topic     Topic
	keywords  []string
	cacheKey  cache.Key
	context   contextbuilder.BuildOutput
	script    quality.Script
	artifacts domain.ArtifactSet
	cacheHit  bool
}

func (o *Orchestrator) newState(request *domain.ContentRequest, message domain.QueueMessage) *lessonState {
	modality := request.Modality
	if !modality.Valid() {
		modality = message.Modality
	}
	if !modality.Valid() {
		modality = domain.ModalityTextOnly
	}
	requested := request.DurationSeconds
	if requested <= 0 {
		requested = message.DurationSeconds
	}
	return &lessonState{
		request:  request,
		message:  message,
		modality: modality,
		plan:     domain.Plan(modality),
		duration: ClampDuration(requested, o.tuning),
	}
}

func (s *lessonState) style() string {
	if strings.TrimSpace(s.request.Style) != "" {
		return s.request.Style
	}
	if strings.TrimSpace(s.message.Style) != "" {
		return s.message.Style
	}
	return domain.DefaultStyle
}

func (s *lessonState) interest() string {
	if strings.TrimSpace(s.request.Interest) != "" {
		return s.request.Interest
	}
	return s.message.Interest
}

// lessonKey is the stable object store prefix for the lesson's artifacts.
func (s *lessonState) lessonKey() string {
	return "lessons/" + s.cacheKey.Fingerprint()
}

func (o *Orchestrator) extractTopic(ctx context.Context, state *lessonState) error {
	hint := strings.TrimSpace(state.message.TopicHint)
	query := state.request.Query

	if err := o.scope.Enforce(hint, query, state.interest()); err != nil {
		return domain.Permanent(domain.ReasonOutOfScope, err)
	}

	topic, matched := o.catalog.Match(hint, query)
	if !matched {
		classification, err := o.classifyTopic(ctx, hint, query)
		if err != nil {
			return err
		}
		if !classification.InScope {
			return domain.Permanent(domain.ReasonOutOfScope, fmt.Errorf("topic classification: %s", query))
		}
		if known, ok := o.catalog.Get(classification.TopicID); ok {
			topic = known
		} else {
			topic = Topic{ID: classification.TopicID, Name: classification.TopicName}
			if strings.TrimSpace(topic.Name) == "" {
				topic.Name = strings.ReplaceAll(topic.ID, "_", " ")
			}
		}
		topic.Keywords = mergeKeywords(topic.Keywords, classification.Keywords)
	}

	state.topic = topic
	state.keywords = mergeKeywords(topic.Keywords, cache.ExtractKeywords(query))
	state.cacheKey = cache.Key{
		TopicID:  topic.ID,
		Interest: state.interest(),
		Style:    state.style(),
		Modality: state.modality,
	}
	return o.update(ctx, state, domain.RequestUpdate{TopicID: domain.Ptr(topic.ID)})
}

func (o *Orchestrator) retrieveContext(ctx context.Context, state *lessonState) error {
	output, err := o.builder.Build(ctx, contextbuilder.BuildInput{
		Retrieval: contextbuilder.RetrievalInput{
			TopicID:   state.topic.ID,
			TopicName: state.topic.Name,
			Query:     state.request.Query,
			Interest:  state.interest(),
			Keywords:  state.keywords,
		},
		MaxInputTokens: o.tuning.ContextTokenBudget,
	})
	if err != nil {
		return domain.Transient(domain.ReasonInternal, fmt.Errorf("build context: %w", err))
	}
	state.context = output
	return nil
}

// lookupCache reports whether the canonical lesson for the request's
// fingerprint already exists. A store error is treated as a miss.
func (o *Orchestrator) lookupCache(ctx context.Context, state *lessonState) (bool, error) {
	entry, hit, err := o.cache.Lookup(ctx, state.cacheKey)
	if err != nil {
		o.logger.Warn().
			Err(err).
			Str("request_id", state.request.ID).
			Msg("lesson cache lookup failed, generating")
		return false, nil
	}
	if !hit || entry.Artifacts.ScriptURL == "" {
		return false, nil
	}
	if state.modality.IncludesVideo() && entry.Artifacts.VideoURL == "" {
		return false, nil
	}

	state.cacheHit = true
	state.artifacts = entry.Artifacts
	state.script.Title = entry.Title
	o.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("topic_id", state.topic.ID)))
	o.logger.Info().
		Str("request_id", state.request.ID).
		Str("cache_entry", entry.ID).
		Msg("lesson cache hit, skipping generation")
	return true, nil
}

func (o *Orchestrator) generateScript(ctx context.Context, state *lessonState) error {
	script, err := o.writeScript(ctx, scriptPromptData{
		TopicName:       state.topic.Name,
		Query:           state.request.Query,
		Interest:        state.interest(),
		Style:           state.style(),
		TargetWords:     TargetWords(state.duration, o.tuning.WordsPerSecond),
		DurationSeconds: state.duration,
		Keywords:        state.keywords,
		Context:         state.context.ContextText,
	})
	if err != nil {
		return err
	}
	state.script = script
	return nil
}

func (o *Orchestrator) synthesizeSpeech(ctx context.Context, state *lessonState) error {
	speech, err := breaker.Execute(ctx, o.breakers, ServiceSpeechSynthesis, func(callCtx context.Context) (ai.SpeechResult, error) {
		return o.speech.Synthesize(callCtx, ai.SpeechRequest{Text: state.script.Narration()})
	})
	if err != nil {
		return o.externalError(err)
	}

	extension := strings.TrimPrefix(speech.Extension, ".")
	if extension == "" {
		extension = "mp3"
	}
	url, err := o.store.Put(ctx, state.lessonKey()+"/narration."+extension, speech.Audio, speech.ContentType)
	if err != nil {
		return domain.Transient(domain.ReasonTransientStore, fmt.Errorf("store narration: %w", err))
	}
	state.artifacts.AudioURL = url
	return nil
}

func (o *Orchestrator) assembleVideo(ctx context.Context, state *lessonState) error {
	if o.video == nil {
		return domain.Permanent(domain.ReasonExternalRejected, ai.ErrProviderUnavailable)
	}
	video, err := breaker.Execute(ctx, o.breakers, ServiceVideoAssembly, func(callCtx context.Context) (ai.VideoResult, error) {
		return o.video.Assemble(callCtx, ai.VideoRequest{
			LessonKey:       state.cacheKey.Fingerprint(),
			Title:           state.script.Title,
			Script:          state.script.Narration(),
			AudioURL:        state.artifacts.AudioURL,
			Style:           state.style(),
			DurationSeconds: state.duration,
		})
	})
	if err != nil {
		return o.externalError(err)
	}
	state.artifacts.VideoURL = video.URL
	return nil
}

// persist records generated artifacts in the lesson cache and completes the
// request. A cache hit reuses the cached artifact locations.
func (o *Orchestrator) persist(ctx context.Context, state *lessonState) error {
	if !state.cacheHit {
		body, err := json.Marshal(state.script)
		if err != nil {
			return domain.Transient(domain.ReasonInternal, fmt.Errorf("encode script: %w", err))
		}
		url, err := o.store.Put(ctx, state.lessonKey()+"/script.json", body, "application/json")
		if err != nil {
			return domain.Transient(domain.ReasonTransientStore, fmt.Errorf("store script: %w", err))
		}
		state.artifacts.ScriptURL = url

		keywords := mergeKeywords(state.script.Keywords, state.keywords)
		if _, err := o.cache.Record(ctx, state.cacheKey, state.script.Title, state.artifacts, keywords); err != nil {
			return domain.Transient(domain.ReasonTransientStore, err)
		}
	}

	if err := o.update(ctx, state, domain.RequestUpdate{
		Status:    domain.Ptr(domain.StatusCompleted),
		Stage:     domain.Ptr(domain.StageDone),
		Progress:  domain.Ptr(100),
		Artifacts: domain.Ptr(state.artifacts),
		CacheHit:  domain.Ptr(state.cacheHit),
	}); err != nil {
		return err
	}

	o.resolved.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(domain.StatusCompleted))))
	o.logger.Info().
		Str("request_id", state.request.ID).
		Str("topic_id", state.topic.ID).
		Bool("cache_hit", state.cacheHit).
		Msg("lesson completed")
	return nil
}

// TargetWords is the narration length implied by a clamped duration.
func TargetWords(durationSeconds int, wordsPerSecond float64) int {
	words := int(float64(durationSeconds) * wordsPerSecond)
	if words < 1 {
		return 1
	}
	return words
}

func mergeKeywords(groups ...[]string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0)
	for _, group := range groups {
		for _, keyword := range group {
			normalized := strings.ToLower(strings.TrimSpace(keyword))
			if normalized == "" {
				continue
			}
			if _, dup := seen[normalized]; dup {
				continue
			}
			seen[normalized] = struct{}{}
			out = append(out, normalized)
		}
	}
	return out
}
