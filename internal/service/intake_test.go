package service

import (
	"context"
	"errors"
	"testing"

	"github.com/iago/lesson-pipeline/internal/cache"
	"github.com/iago/lesson-pipeline/internal/config"
	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/iago/lesson-pipeline/internal/pipeline"
	"github.com/iago/lesson-pipeline/internal/queue"
	"github.com/iago/lesson-pipeline/internal/repository"
	"github.com/iago/lesson-pipeline/internal/screener"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingProducer struct{}

func (failingProducer) Enqueue(context.Context, domain.QueueMessage) error {
	return errors.New("broker unavailable")
}

type intakeHarness struct {
	service  *IntakeService
	requests *repository.MemoryRequestsRepository
	queue    *queue.LocalQueue
	cache    *cache.Cache
}

func newIntakeHarness(t *testing.T, producer queue.Producer) intakeHarness {
	t.Helper()
	tuning := config.DefaultTuning()
	requests := repository.NewMemoryRequestsRepository()
	local := queue.NewLocalQueue(16, 3, zerolog.Nop())
	if producer == nil {
		producer = local
	}
	lessons := cache.New(cache.NewMemoryStore(), cache.Options{Logger: zerolog.Nop()})
	service := NewIntakeService(IntakeDependencies{
		Requests: requests,
		Producer: producer,
		Screener: screener.New(screener.Config{
			MinInformativeWords: tuning.Screener.MinInformativeWords,
			VaguePrefixes:       tuning.Screener.VaguePrefixes,
			QualifierWords:      tuning.Screener.QualifierWords,
		}),
		Similar: lessons,
		Catalog: pipeline.CatalogFromTuning(tuning.Topics),
		Logger:  zerolog.Nop(),
	})
	return intakeHarness{service: service, requests: requests, queue: local, cache: lessons}
}

func TestGenerateReturnsClarificationWithoutSideEffects(t *testing.T) {
	h := newIntakeHarness(t, nil)
	_, err := h.cache.Record(context.Background(), cache.Key{
		TopicID:  "earth.volcanoes",
		Interest: "football",
		Modality: domain.ModalityTextOnly,
	}, "Volcanoes and football", domain.ArtifactSet{ScriptURL: "file://lessons/a/script.json"}, []string{"magma"})
	require.NoError(t, err)

	result, err := h.service.Generate(context.Background(), GenerateInput{
		StudentID: "student-1",
		Query:     "tell me about volcanoes",
		Interest:  "football",
		Modality:  domain.ModalityTextOnly,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StatusClarificationNeeded, result.Status)
	assert.Empty(t, result.RequestID)
	assert.Len(t, result.Questions, 3)
	require.Len(t, result.Similar, 1)
	assert.Equal(t, "earth.volcanoes", result.Similar[0].TopicID)
	assert.Equal(t, cache.TierHigh, result.Similar[0].Tier)
	assert.Zero(t, h.queue.Len(), "clarification never enqueues")
}

func TestGenerateAcceptsSpecificQuery(t *testing.T) {
	h := newIntakeHarness(t, nil)

	result, err := h.service.Generate(context.Background(), GenerateInput{
		StudentID:       "student-1",
		Query:           "explain how volcanoes erupt at plate boundaries, mail me at ana@example.com",
		Interest:        "football",
		Modality:        domain.ModalityTextAndVideo,
		DurationSeconds: 120,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, result.Status)
	require.NotEmpty(t, result.RequestID)

	stored, err := h.requests.GetRequest(context.Background(), result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, domain.StageIntake, stored.Stage)
	assert.Equal(t, domain.DefaultStyle, stored.Style)
	assert.NotContains(t, stored.Query, "ana@example.com")

	deliveries, err := h.queue.Lease(context.Background(), 1, 0)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	message := deliveries[0].Message()
	assert.Equal(t, result.RequestID, message.RequestID)
	assert.Equal(t, "earth.volcanoes", message.TopicHint)
	assert.Equal(t, domain.ModalityTextAndVideo, message.Modality)
	assert.Equal(t, 120, message.DurationSeconds)
}

func TestGenerateMarksRequestFailedWhenEnqueueFails(t *testing.T) {
	h := newIntakeHarness(t, failingProducer{})

	_, err := h.service.Generate(context.Background(), GenerateInput{
		StudentID: "student-1",
		Query:     "explain how volcanoes erupt at plate boundaries",
		Modality:  domain.ModalityTextOnly,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "enqueue request")
}

func TestGenerateValidatesInput(t *testing.T) {
	h := newIntakeHarness(t, nil)
	cases := []struct {
		name  string
		input GenerateInput
		field string
	}{
		{name: "missing student", input: GenerateInput{Query: "how do volcanoes erupt"}, field: "student_id"},
		{name: "missing query", input: GenerateInput{StudentID: "s", Query: "   "}, field: "query"},
		{name: "bad modality", input: GenerateInput{StudentID: "s", Query: "how do volcanoes erupt", Modality: "audio"}, field: "modality"},
		{name: "negative duration", input: GenerateInput{StudentID: "s", Query: "how do volcanoes erupt", DurationSeconds: -1}, field: "duration_seconds"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.service.Generate(context.Background(), tc.input)
			require.ErrorIs(t, err, ErrInvalidInput)
			var validation *ValidationError
			require.ErrorAs(t, err, &validation)
			assert.Equal(t, tc.field, validation.Field)
		})
	}
	assert.Zero(t, h.queue.Len())
}

func TestStatusReportsProgressAndArtifacts(t *testing.T) {
	h := newIntakeHarness(t, nil)
	result, err := h.service.Generate(context.Background(), GenerateInput{
		StudentID: "student-1",
		Query:     "explain how volcanoes erupt at plate boundaries",
		Modality:  domain.ModalityTextOnly,
	})
	require.NoError(t, err)

	view, err := h.service.Status(context.Background(), result.RequestID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, view.Status)
	assert.Equal(t, domain.StageIntake, view.CurrentStage)
	assert.Nil(t, view.Artifacts)

	_, err = h.requests.UpdateRequest(context.Background(), result.RequestID, domain.RequestUpdate{
		Status:    domain.Ptr(domain.StatusCompleted),
		Stage:     domain.Ptr(domain.StageDone),
		Progress:  domain.Ptr(100),
		Artifacts: domain.Ptr(domain.ArtifactSet{ScriptURL: "file://lessons/x/script.json"}),
	})
	require.NoError(t, err)

	view, err = h.service.Status(context.Background(), " "+result.RequestID+" ")
	require.NoError(t, err)
	assert.Equal(t, 100, view.ProgressPercent)
	require.NotNil(t, view.Artifacts)
	assert.Equal(t, "file://lessons/x/script.json", view.Artifacts.ScriptURL)
}

func TestStatusRejectsMalformedAndUnknownIDs(t *testing.T) {
	h := newIntakeHarness(t, nil)

	_, err := h.service.Status(context.Background(), "not-a-uuid")
	require.ErrorIs(t, err, domain.ErrMalformedRequestID)

	_, err = h.service.Status(context.Background(), domain.NewRequestID())
	require.ErrorIs(t, err, repository.ErrNotFound)
}
