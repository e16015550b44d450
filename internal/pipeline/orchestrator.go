// Package pipeline drives one lesson request through topic extraction,
// context retrieval, script generation, speech synthesis, optional video
// assembly and persistence.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/iago/lesson-pipeline/internal/ai"
	"github.com/iago/lesson-pipeline/internal/breaker"
	"github.com/iago/lesson-pipeline/internal/cache"
	"github.com/iago/lesson-pipeline/internal/config"
	contextbuilder "github.com/iago/lesson-pipeline/internal/context"
	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/iago/lesson-pipeline/internal/policy"
	"github.com/iago/lesson-pipeline/internal/quality"
	"github.com/iago/lesson-pipeline/internal/repository"
	"github.com/iago/lesson-pipeline/internal/storage"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

// Breaker service names. Each external service has its own circuit.
const (
	ServiceTextGeneration  = "text_generation"
	ServiceSpeechSynthesis = "speech_synthesis"
	ServiceVideoAssembly   = "video_assembly"
)

const (
	unsupportedMessage = "We can't make a lesson about this question. Try asking about a school subject."
	failedMessage      = "We couldn't finish this lesson. Please try again later."
)

// errResolved stops a run whose request reached a terminal status elsewhere.
var errResolved = errors.New("request already resolved")

type Dependencies struct {
	Requests  repository.RequestsRepository
	Cache     *cache.Cache
	Responses *cache.ResponseCache
	Breakers  *breaker.Registry
	Text      ai.TextGenerator
	Router    *ai.ModelRouter
	Speech    ai.SpeechSynthesizer
	Video     ai.VideoAssembler
	Store     storage.Store
	Builder   *contextbuilder.Builder
	Validator *quality.ScriptValidator
	Scope     *policy.ScopeGuard
	Catalog   *Catalog
	Prompts   *PromptLibrary
	Tuning    config.PipelineTuning
	Logger    zerolog.Logger
}

type stageFunc func(ctx context.Context, state *lessonState) error

// Orchestrator is safe for concurrent use by the worker pool. It keeps no
// per-request state between calls.
type Orchestrator struct {
	requests  repository.RequestsRepository
	cache     *cache.Cache
	responses *cache.ResponseCache
	breakers  *breaker.Registry
	text      ai.TextGenerator
	router    *ai.ModelRouter
	speech    ai.SpeechSynthesizer
	video     ai.VideoAssembler
	store     storage.Store
	builder   *contextbuilder.Builder
	validator *quality.ScriptValidator
	scope     *policy.ScopeGuard
	catalog   *Catalog
	prompts   *PromptLibrary
	tuning    config.PipelineTuning
	progress  Progress
	logger    zerolog.Logger

	stages map[domain.Stage]stageFunc

	tracer       trace.Tracer
	stageCounter metric.Int64Counter
	cacheHits    metric.Int64Counter
	resolved     metric.Int64Counter
}

func New(deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Requests == nil:
		return nil, errors.New("pipeline: requests repository is required")
	case deps.Cache == nil:
		return nil, errors.New("pipeline: lesson cache is required")
	case deps.Store == nil:
		return nil, errors.New("pipeline: object store is required")
	case deps.Speech == nil:
		return nil, errors.New("pipeline: speech synthesizer is required")
	}

	if deps.Catalog == nil {
		deps.Catalog = NewCatalog(nil)
	}
	if deps.Responses == nil {
		deps.Responses = cache.NewResponseCache(cache.ResponseCacheConfig{})
	}
	if deps.Breakers == nil {
		deps.Breakers = breaker.NewRegistry(breaker.RegistryConfig{Logger: deps.Logger})
	}
	if deps.Router == nil {
		deps.Router = ai.NewModelRouter(ai.ModelRouterConfig{})
	}
	if deps.Builder == nil {
		deps.Builder = contextbuilder.NewBuilder(contextbuilder.NewBasicRetriever(deps.Catalog.Notes()))
	}
	if deps.Validator == nil {
		deps.Validator = quality.NewScriptValidator()
	}
	if deps.Scope == nil {
		deps.Scope = policy.NewScopeGuard(nil)
	}
	if deps.Prompts == nil {
		deps.Prompts = NewPromptLibrary("")
	}
	deps.Tuning = withTuningDefaults(deps.Tuning)

	o := &Orchestrator{
		requests:  deps.Requests,
		cache:     deps.Cache,
		responses: deps.Responses,
		breakers:  deps.Breakers,
		text:      deps.Text,
		router:    deps.Router,
		speech:    deps.Speech,
		video:     deps.Video,
		store:     deps.Store,
		builder:   deps.Builder,
		validator: deps.Validator,
		scope:     deps.Scope,
		catalog:   deps.Catalog,
		prompts:   deps.Prompts,
		tuning:    deps.Tuning,
		progress:  NewProgress(deps.Tuning.StageWeights),
		logger:    deps.Logger.With().Str("component", "pipeline").Logger(),
		tracer:    otel.Tracer("lesson-pipeline/pipeline"),
	}
	o.stages = map[domain.Stage]stageFunc{
		domain.StageTopicExtraction:  o.extractTopic,
		domain.StageContextRetrieval: o.retrieveContext,
		domain.StageScriptGeneration: o.generateScript,
		domain.StageSpeechSynthesis:  o.synthesizeSpeech,
		domain.StageVideoAssembly:    o.assembleVideo,
		domain.StagePersisted:        o.persist,
	}

	meter := otel.Meter("lesson-pipeline/pipeline")
	o.stageCounter = newCounter(meter, "pipeline.stage.completed", o.logger)
	o.cacheHits = newCounter(meter, "pipeline.cache.hits", o.logger)
	o.resolved = newCounter(meter, "pipeline.requests.resolved", o.logger)
	return o, nil
}

// Process runs the message's request to a resolution. A nil error means the
// message is safe to acknowledge: the request completed, was already
// terminal, or was routed to the unsupported-query status. Other errors are
// classified with domain.Classify for retry or dead-letter routing.
func (o *Orchestrator) Process(ctx context.Context, message domain.QueueMessage) error {
	ctx, span := o.tracer.Start(ctx, "pipeline.process")
	defer span.End()

	requestID, err := domain.ParseRequestID(message.RequestID)
	if err != nil {
		span.SetStatus(codes.Error, "malformed request id")
		return domain.Permanent(domain.ReasonMalformedInput, err)
	}
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.Int("attempt", message.Attempt),
	)

	request, err := o.requests.GetRequest(ctx, requestID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "load request")
		if errors.Is(err, repository.ErrNotFound) {
			return domain.Permanent(domain.ReasonMalformedInput, fmt.Errorf("request %s: %w", requestID, err))
		}
		return domain.Transient(domain.ReasonTransientStore, fmt.Errorf("load request %s: %w", requestID, err))
	}
	if request.Status.Terminal() {
		o.logger.Debug().
			Str("request_id", requestID).
			Str("status", string(request.Status)).
			Msg("request already resolved, skipping")
		return nil
	}

	state := o.newState(request, message)
	err = o.run(ctx, state)
	if err == nil || errors.Is(err, errResolved) {
		span.SetStatus(codes.Ok, "resolved")
		return nil
	}
	return o.resolveFailure(ctx, span, state, err)
}

// MarkFailed moves a request to the failed status with a generic user
// message. A request that is already terminal is left unchanged.
func (o *Orchestrator) MarkFailed(ctx context.Context, requestID string, reason domain.FailureReason) error {
	_, err := o.requests.UpdateRequest(ctx, requestID, domain.RequestUpdate{
		Status:        domain.Ptr(domain.StatusFailed),
		Stage:         domain.Ptr(domain.StageFailed),
		FailureReason: domain.Ptr(reason),
		UserMessage:   domain.Ptr(failedMessage),
	})
	if err != nil && !errors.Is(err, repository.ErrTerminalState) {
		return fmt.Errorf("mark request %s failed: %w", requestID, err)
	}
	if err == nil {
		o.resolved.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(domain.StatusFailed))))
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, state *lessonState) error {
	for index := 0; index < len(state.plan); index++ {
		stage := state.plan[index]

		if stage == domain.StageScriptGeneration {
			hit, err := o.lookupCache(ctx, state)
			if err != nil {
				return err
			}
			if hit {
				index = indexOf(state.plan, domain.StagePersisted) - 1
				continue
			}
		}

		if err := o.enterStage(ctx, state, stage); err != nil {
			return err
		}

		stageCtx, span := o.tracer.Start(ctx, "pipeline."+string(stage))
		err := o.stages[stage](stageCtx, state)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, string(domain.Classify(err).Reason))
			span.End()
			return err
		}
		span.End()

		state.completed = stage
		o.stageCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(stage))))
	}
	return nil
}

// enterStage re-reads the persisted status before any work is done so that a
// duplicate delivery of an already resolved request stops here.
func (o *Orchestrator) enterStage(ctx context.Context, state *lessonState, stage domain.Stage) error {
	current, err := o.requests.GetRequest(ctx, state.request.ID)
	if err != nil {
		return domain.Transient(domain.ReasonTransientStore, fmt.Errorf("reload request: %w", err))
	}
	if current.Status.Terminal() {
		return errResolved
	}

	return o.update(ctx, state, domain.RequestUpdate{
		Status:   domain.Ptr(domain.StatusProcessing),
		Stage:    domain.Ptr(stage),
		Progress: domain.Ptr(o.progress.Through(state.plan, state.completed)),
	})
}

func (o *Orchestrator) update(ctx context.Context, state *lessonState, update domain.RequestUpdate) error {
	updated, err := o.requests.UpdateRequest(ctx, state.request.ID, update)
	if err != nil {
		if errors.Is(err, repository.ErrTerminalState) {
			return errResolved
		}
		return domain.Transient(domain.ReasonTransientStore, fmt.Errorf("update request: %w", err))
	}
	state.request = updated
	return nil
}

func (o *Orchestrator) resolveFailure(ctx context.Context, span trace.Span, state *lessonState, err error) error {
	classified := domain.Classify(err)
	span.RecordError(err)
	span.SetStatus(codes.Error, string(classified.Reason))

	logEvent := o.logger.Warn()
	if classified.Class == domain.ClassPermanent {
		logEvent = o.logger.Error()
	}
	logEvent.
		Err(err).
		Str("request_id", state.request.ID).
		Str("stage", string(state.request.Stage)).
		Str("failure_reason", string(classified.Reason)).
		Int("attempt", state.message.Attempt).
		Dur("retry_after", classified.RetryAfter).
		Msg("lesson stage failed")

	switch {
	case classified.Reason == domain.ReasonOutOfScope:
		updateErr := o.update(ctx, state, domain.RequestUpdate{
			Status:        domain.Ptr(domain.StatusClarificationNeeded),
			Stage:         domain.Ptr(domain.StageUnsupported),
			FailureReason: domain.Ptr(domain.ReasonOutOfScope),
			UserMessage:   domain.Ptr(unsupportedMessage),
		})
		if updateErr != nil && !errors.Is(updateErr, errResolved) {
			return updateErr
		}
		o.resolved.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(domain.StatusClarificationNeeded))))
		return nil
	case classified.Class == domain.ClassPermanent:
		if markErr := o.MarkFailed(ctx, state.request.ID, classified.Reason); markErr != nil {
			o.logger.Error().Err(markErr).Str("request_id", state.request.ID).Msg("mark request failed")
		}
		return err
	default:
		return err
	}
}

func newCounter(meter metric.Meter, name string, logger zerolog.Logger) metric.Int64Counter {
	counter, err := meter.Int64Counter(name)
	if err != nil {
		logger.Warn().Err(err).Str("counter", name).Msg("create counter")
		return noop.Int64Counter{}
	}
	return counter
}

func withTuningDefaults(tuning config.PipelineTuning) config.PipelineTuning {
	defaults := config.DefaultTuning().Pipeline
	if tuning.MinDurationSeconds <= 0 {
		tuning.MinDurationSeconds = defaults.MinDurationSeconds
	}
	if tuning.MaxDurationSeconds < tuning.MinDurationSeconds {
		tuning.MaxDurationSeconds = defaults.MaxDurationSeconds
	}
	if tuning.MaxDurationSeconds < tuning.MinDurationSeconds {
		tuning.MaxDurationSeconds = tuning.MinDurationSeconds
	}
	if tuning.DefaultDurationSeconds <= 0 {
		tuning.DefaultDurationSeconds = defaults.DefaultDurationSeconds
	}
	if tuning.WordsPerSecond <= 0 {
		tuning.WordsPerSecond = defaults.WordsPerSecond
	}
	if tuning.ContextTokenBudget <= 0 {
		tuning.ContextTokenBudget = defaults.ContextTokenBudget
	}
	if len(tuning.StageWeights) == 0 {
		tuning.StageWeights = defaults.StageWeights
	}
	return tuning
}

// ClampDuration applies the configured duration range. A missing hint uses
// the default duration.
func ClampDuration(requested int, tuning config.PipelineTuning) int {
	duration := requested
	if duration <= 0 {
		duration = tuning.DefaultDurationSeconds
	}
	if duration < tuning.MinDurationSeconds {
		return tuning.MinDurationSeconds
	}
	if tuning.MaxDurationSeconds > 0 && duration > tuning.MaxDurationSeconds {
		return tuning.MaxDurationSeconds
	}
	return duration
}

func indexOf(plan []domain.Stage, stage domain.Stage) int {
	for index, planned := range plan {
		if planned == stage {
			return index
		}
	}
	return len(plan)
}
