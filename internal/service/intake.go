package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/iago/lesson-pipeline/internal/cache"
	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/iago/lesson-pipeline/internal/pipeline"
	"github.com/iago/lesson-pipeline/internal/policy"
	"github.com/iago/lesson-pipeline/internal/queue"
	"github.com/iago/lesson-pipeline/internal/repository"
	"github.com/iago/lesson-pipeline/internal/screener"
	"github.com/rs/zerolog"
)

const (
	maxStudentIDLength = 128
	maxQueryLength     = 2000
	maxTagLength       = 80
	maxDurationSeconds = 3600
	similarLimit       = 3
)

var ErrInvalidInput = errors.New("invalid lesson request")

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

type GenerateInput struct {
	StudentID       string
	Query           string
	Interest        string
	Style           string
	Modality        domain.Modality
	DurationSeconds int
}

// GenerateResult is either a clarification (no durable record) or an
// accepted request that is now queued.
type GenerateResult struct {
	Status    domain.RequestStatus
	RequestID string
	Questions []string
	Similar   []SimilarLesson
}

type SimilarLesson struct {
	EntryID        string
	TopicID        string
	Title          string
	Tier           cache.Tier
	Score          float64
	SharedKeywords []string
	Artifacts      domain.ArtifactSet
}

// LessonStatus is the polling view of one request.
type LessonStatus struct {
	RequestID       string
	Status          domain.RequestStatus
	ProgressPercent int
	CurrentStage    domain.Stage
	Artifacts       *domain.ArtifactSet
	CacheHit        bool
	Message         string
	UpdatedAt       time.Time
}

type SimilarFinder interface {
	FindSimilar(ctx context.Context, query cache.SimilarQuery) []cache.Match
}

type IntakeDependencies struct {
	Requests repository.RequestsRepository
	Producer queue.Producer
	Screener *screener.Screener
	Similar  SimilarFinder
	Catalog  *pipeline.Catalog
	Logger   zerolog.Logger
}

type IntakeService struct {
	requests repository.RequestsRepository
	producer queue.Producer
	screener *screener.Screener
	similar  SimilarFinder
	catalog  *pipeline.Catalog
	logger   zerolog.Logger
	now      func() time.Time
}

func NewIntakeService(deps IntakeDependencies) *IntakeService {
	screen := deps.Screener
	if screen == nil {
		screen = screener.New(screener.Config{})
	}
	catalog := deps.Catalog
	if catalog == nil {
		catalog = pipeline.NewCatalog(nil)
	}
	return &IntakeService{
		requests: deps.Requests,
		producer: deps.Producer,
		screener: screen,
		similar:  deps.Similar,
		catalog:  catalog,
		logger:   deps.Logger.With().Str("component", "intake").Logger(),
		now:      time.Now,
	}
}

// Generate screens the query inline. A vague query returns clarifying
// questions and nearby existing lessons without touching the ledger or the
// queue. A specific query is recorded as pending and enqueued.
func (s *IntakeService) Generate(ctx context.Context, input GenerateInput) (GenerateResult, error) {
	input, err := normalizeInput(input)
	if err != nil {
		return GenerateResult{}, err
	}

	topic, matched := s.catalog.Match(input.Query)
	topicHint := ""
	if matched {
		topicHint = topic.ID
	}

	if result := s.screener.Screen(input.Query); result.NeedsClarification() {
		s.logger.Info().
			Str("student_id", input.StudentID).
			Str("screen_reason", result.Reason).
			Msg("query needs clarification")
		return GenerateResult{
			Status:    domain.StatusClarificationNeeded,
			Questions: result.Questions,
			Similar:   s.Similar(ctx, topicHint, input.Interest, input.Query),
		}, nil
	}

	now := s.now().UTC()
	request := &domain.ContentRequest{
		ID:              domain.NewRequestID(),
		StudentID:       input.StudentID,
		Query:           policy.MaskPII(input.Query),
		Interest:        input.Interest,
		Style:           input.Style,
		Modality:        input.Modality,
		DurationSeconds: input.DurationSeconds,
		Stage:           domain.StageIntake,
		Status:          domain.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.requests.CreateRequest(ctx, request); err != nil {
		return GenerateResult{}, fmt.Errorf("create request: %w", err)
	}

	message := domain.QueueMessage{
		RequestID:       request.ID,
		TopicHint:       topicHint,
		Interest:        request.Interest,
		Style:           request.Style,
		Modality:        request.Modality,
		DurationSeconds: request.DurationSeconds,
		Attempt:         0,
		RequestedAt:     now,
	}
	if err := s.producer.Enqueue(ctx, message); err != nil {
		_, updateErr := s.requests.UpdateRequest(ctx, request.ID, domain.RequestUpdate{
			Status:        domain.Ptr(domain.StatusFailed),
			Stage:         domain.Ptr(domain.StageFailed),
			FailureReason: domain.Ptr(domain.ReasonInternal),
			UserMessage:   domain.Ptr("We could not queue your lesson. Please try again."),
		})
		if updateErr != nil {
			s.logger.Error().Err(updateErr).Str("request_id", request.ID).Msg("mark unqueued request failed")
		}
		return GenerateResult{}, fmt.Errorf("enqueue request: %w", err)
	}

	s.logger.Info().
		Str("request_id", request.ID).
		Str("topic_hint", topicHint).
		Str("modality", string(request.Modality)).
		Msg("lesson request accepted")
	return GenerateResult{Status: domain.StatusProcessing, RequestID: request.ID}, nil
}

// Status returns the polling view. Artifact locations are only exposed once
// the request is completed.
func (s *IntakeService) Status(ctx context.Context, rawID string) (LessonStatus, error) {
	requestID, err := domain.ParseRequestID(rawID)
	if err != nil {
		return LessonStatus{}, err
	}
	request, err := s.requests.GetRequest(ctx, requestID)
	if err != nil {
		return LessonStatus{}, err
	}

	view := LessonStatus{
		RequestID:       request.ID,
		Status:          request.Status,
		ProgressPercent: request.Progress,
		CurrentStage:    request.Stage,
		CacheHit:        request.CacheHit,
		Message:         request.UserMessage,
		UpdatedAt:       request.UpdatedAt,
	}
	if view.CurrentStage == "" {
		view.CurrentStage = domain.StageIntake
	}
	if request.Status == domain.StatusCompleted {
		artifacts := request.Artifacts
		view.Artifacts = &artifacts
	}
	return view, nil
}

// Similar is advisory and degrades to an empty list.
func (s *IntakeService) Similar(ctx context.Context, topicID, interest, queryText string) []SimilarLesson {
	if s.similar == nil {
		return []SimilarLesson{}
	}
	matches := s.similar.FindSimilar(ctx, cache.SimilarQuery{
		TopicID:   topicID,
		Interest:  interest,
		QueryText: queryText,
		Limit:     similarLimit,
	})
	out := make([]SimilarLesson, 0, len(matches))
	for _, match := range matches {
		out = append(out, SimilarLesson{
			EntryID:        match.Entry.ID,
			TopicID:        match.Entry.TopicID,
			Title:          match.Entry.Title,
			Tier:           match.Tier,
			Score:          match.Score,
			SharedKeywords: match.SharedKeywords,
			Artifacts:      match.Entry.Artifacts,
		})
	}
	return out
}

func normalizeInput(input GenerateInput) (GenerateInput, error) {
	input.StudentID = strings.TrimSpace(input.StudentID)
	input.Query = strings.TrimSpace(input.Query)
	input.Interest = strings.TrimSpace(input.Interest)
	input.Style = strings.TrimSpace(input.Style)

	switch {
	case input.StudentID == "":
		return input, &ValidationError{Field: "student_id", Message: "is required"}
	case utf8.RuneCountInString(input.StudentID) > maxStudentIDLength:
		return input, &ValidationError{Field: "student_id", Message: "is too long"}
	case input.Query == "":
		return input, &ValidationError{Field: "query", Message: "is required"}
	case utf8.RuneCountInString(input.Query) > maxQueryLength:
		return input, &ValidationError{Field: "query", Message: fmt.Sprintf("must be at most %d characters", maxQueryLength)}
	case utf8.RuneCountInString(input.Interest) > maxTagLength:
		return input, &ValidationError{Field: "interest", Message: "is too long"}
	case utf8.RuneCountInString(input.Style) > maxTagLength:
		return input, &ValidationError{Field: "style", Message: "is too long"}
	case input.DurationSeconds < 0 || input.DurationSeconds > maxDurationSeconds:
		return input, &ValidationError{Field: "duration_seconds", Message: "is out of range"}
	}

	if input.Modality == "" {
		input.Modality = domain.ModalityTextOnly
	}
	if !input.Modality.Valid() {
		return input, &ValidationError{Field: "modality", Message: "must be text_only or text_and_video"}
	}
	if input.Style == "" {
		input.Style = domain.DefaultStyle
	}
	return input, nil
}
