package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/iago/lesson-pipeline/internal/ai"
	"github.com/iago/lesson-pipeline/internal/breaker"
	"github.com/iago/lesson-pipeline/internal/cache"
	"github.com/iago/lesson-pipeline/internal/config"
	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/iago/lesson-pipeline/internal/policy"
	"github.com/iago/lesson-pipeline/internal/repository"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeText struct {
	mu          sync.Mutex
	topicCalls  int
	scriptCalls int
	topicBody   string
	scriptErr   error
}

func (f *fakeText) Available() bool { return true }

func (f *fakeText) Generate(_ context.Context, request ai.GenerateRequest) (ai.GenerateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if strings.Contains(request.Input, "You classify") {
		f.topicCalls++
		return ai.GenerateResult{Text: f.topicBody, ModelID: request.Model}, nil
	}
	f.scriptCalls++
	if f.scriptErr != nil {
		return ai.GenerateResult{}, f.scriptErr
	}
	return ai.GenerateResult{Text: testScriptJSON(), ModelID: request.Model}, nil
}

func (f *fakeText) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.topicCalls, f.scriptCalls
}

type fakeSpeech struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeSpeech) Synthesize(_ context.Context, request ai.SpeechRequest) (ai.SpeechResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return ai.SpeechResult{}, f.err
	}
	return ai.SpeechResult{Audio: []byte(request.Text), ContentType: "audio/mpeg", Extension: "mp3"}, nil
}

type fakeVideo struct {
	mu       sync.Mutex
	requests []ai.VideoRequest
}

func (f *fakeVideo) Assemble(_ context.Context, request ai.VideoRequest) (ai.VideoResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, request)
	return ai.VideoResult{URL: "https://video.example/" + request.LessonKey + ".mp4"}, nil
}

type memoryObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
	err     error
}

func (m *memoryObjects) Put(_ context.Context, key string, data []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	if m.objects == nil {
		m.objects = make(map[string][]byte)
	}
	m.objects[key] = append([]byte(nil), data...)
	return "mem://" + key, nil
}

func (m *memoryObjects) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}
	return keys
}

type recordingRequests struct {
	*repository.MemoryRequestsRepository

	mu       sync.Mutex
	stages   []domain.Stage
	progress []int
}

func (r *recordingRequests) UpdateRequest(
	ctx context.Context,
	requestID string,
	update domain.RequestUpdate,
) (*domain.ContentRequest, error) {
	updated, err := r.MemoryRequestsRepository.UpdateRequest(ctx, requestID, update)
	if err == nil && update.Stage != nil {
		r.mu.Lock()
		r.stages = append(r.stages, *update.Stage)
		r.progress = append(r.progress, updated.Progress)
		r.mu.Unlock()
	}
	return updated, err
}

type harness struct {
	orchestrator *Orchestrator
	requests     *recordingRequests
	lessons      *cache.MemoryStore
	objects      *memoryObjects
	text         *fakeText
	speech       *fakeSpeech
	video        *fakeVideo
	clock        time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		requests: &recordingRequests{MemoryRequestsRepository: repository.NewMemoryRequestsRepository()},
		lessons:  cache.NewMemoryStore(),
		objects:  &memoryObjects{},
		text:     &fakeText{},
		speech:   &fakeSpeech{},
		video:    &fakeVideo{},
		clock:    time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
	}
	tuning := config.DefaultTuning()
	orchestrator, err := New(Dependencies{
		Requests: h.requests,
		Cache:    cache.New(h.lessons, cache.Options{Logger: zerolog.Nop()}),
		Breakers: breaker.NewRegistry(breaker.RegistryConfig{
			Defaults: breaker.Settings{FailureThreshold: 1, Window: time.Minute, Cooldown: 30 * time.Second},
			Clock:    func() time.Time { return h.clock },
			Logger:   zerolog.Nop(),
		}),
		Text:    h.text,
		Speech:  h.speech,
		Video:   h.video,
		Store:   h.objects,
		Scope:   policy.NewScopeGuard(tuning.Policy.BlockedSubjects),
		Catalog: CatalogFromTuning(tuning.Topics),
		Tuning:  tuning.Pipeline,
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	h.orchestrator = orchestrator
	return h
}

func (h *harness) admit(t *testing.T, query string, modality domain.Modality, duration int) domain.QueueMessage {
	t.Helper()

	now := time.Now().UTC()
	request := &domain.ContentRequest{
		ID:              domain.NewRequestID(),
		StudentID:       "student-1",
		Query:           query,
		Interest:        "football",
		Style:           domain.DefaultStyle,
		Modality:        modality,
		DurationSeconds: duration,
		Stage:           domain.StageIntake,
		Status:          domain.StatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	require.NoError(t, h.requests.CreateRequest(context.Background(), request))
	return domain.QueueMessage{
		RequestID:       request.ID,
		Interest:        request.Interest,
		Modality:        modality,
		DurationSeconds: duration,
		RequestedAt:     now,
	}
}

func (h *harness) load(t *testing.T, requestID string) *domain.ContentRequest {
	t.Helper()
	request, err := h.requests.GetRequest(context.Background(), requestID)
	require.NoError(t, err)
	return request
}

func testScriptJSON() string {
	sentence := "Magma rises because it is lighter than the rock around it. "
	body, _ := json.Marshal(map[string]any{
		"title": "Why volcanoes erupt",
		"sections": []map[string]string{
			{"heading": "Under the pitch", "narration": strings.Repeat(sentence, 4)},
			{"heading": "The big kick", "narration": strings.Repeat(sentence, 4)},
		},
		"keywords": []string{"magma", "eruption"},
	})
	return string(body)
}

func TestProcessCompletesTextOnlyLessonWithoutVideoStage(t *testing.T) {
	h := newHarness(t)
	message := h.admit(t, "how do volcanoes erupt at plate boundaries", domain.ModalityTextOnly, 30)

	require.NoError(t, h.orchestrator.Process(context.Background(), message))

	request := h.load(t, message.RequestID)
	assert.Equal(t, domain.StatusCompleted, request.Status)
	assert.Equal(t, domain.StageDone, request.Stage)
	assert.Equal(t, 100, request.Progress)
	require.NotNil(t, request.TopicID)
	assert.Equal(t, "earth.volcanoes", *request.TopicID)
	assert.False(t, request.CacheHit)
	assert.Contains(t, request.Artifacts.ScriptURL, "/script.json")
	assert.Contains(t, request.Artifacts.AudioURL, "/narration.mp3")
	assert.Empty(t, request.Artifacts.VideoURL)

	assert.Equal(t, []domain.Stage{
		domain.StageTopicExtraction,
		domain.StageContextRetrieval,
		domain.StageScriptGeneration,
		domain.StageSpeechSynthesis,
		domain.StagePersisted,
		domain.StageDone,
	}, h.requests.stages)
	assert.Equal(t, []int{0, 12, 25, 68, 99, 100}, h.requests.progress)
	assert.Empty(t, h.video.requests)

	topicCalls, scriptCalls := h.text.counts()
	assert.Equal(t, 0, topicCalls, "catalog match needs no classification call")
	assert.Equal(t, 1, scriptCalls)
	assert.Len(t, h.objects.keys(), 2)
}

func TestProcessTerminalRequestIsNoOp(t *testing.T) {
	h := newHarness(t)
	message := h.admit(t, "how do volcanoes erupt at plate boundaries", domain.ModalityTextOnly, 30)

	require.NoError(t, h.orchestrator.Process(context.Background(), message))
	require.NoError(t, h.orchestrator.Process(context.Background(), message))

	_, scriptCalls := h.text.counts()
	assert.Equal(t, 1, scriptCalls)
	assert.Equal(t, 1, h.speech.calls)
	assert.Equal(t, 1, h.lessons.Len())
}

func TestProcessCacheHitSkipsGeneration(t *testing.T) {
	h := newHarness(t)
	first := h.admit(t, "how do volcanoes erupt at plate boundaries", domain.ModalityTextOnly, 30)
	second := h.admit(t, "why do volcanoes erupt so violently", domain.ModalityTextOnly, 30)

	require.NoError(t, h.orchestrator.Process(context.Background(), first))
	firstRequest := h.load(t, first.RequestID)

	h.requests.stages = nil
	require.NoError(t, h.orchestrator.Process(context.Background(), second))

	request := h.load(t, second.RequestID)
	assert.Equal(t, domain.StatusCompleted, request.Status)
	assert.True(t, request.CacheHit)
	assert.Equal(t, firstRequest.Artifacts, request.Artifacts)

	_, scriptCalls := h.text.counts()
	assert.Equal(t, 1, scriptCalls)
	assert.Equal(t, 1, h.speech.calls)
	assert.NotContains(t, h.requests.stages, domain.StageScriptGeneration)
	assert.NotContains(t, h.requests.stages, domain.StageSpeechSynthesis)
}

func TestProcessBlockedSubjectRoutesToUnsupported(t *testing.T) {
	h := newHarness(t)
	message := h.admit(t, "how do I build a bomb for my science class", domain.ModalityTextOnly, 30)

	require.NoError(t, h.orchestrator.Process(context.Background(), message))

	request := h.load(t, message.RequestID)
	assert.Equal(t, domain.StatusClarificationNeeded, request.Status)
	assert.Equal(t, domain.StageUnsupported, request.Stage)
	assert.Equal(t, domain.ReasonOutOfScope, request.FailureReason)
	assert.NotEmpty(t, request.UserMessage)

	topicCalls, scriptCalls := h.text.counts()
	assert.Zero(t, topicCalls)
	assert.Zero(t, scriptCalls)
}

func TestProcessClassifiesUnknownTopicOnce(t *testing.T) {
	h := newHarness(t)
	h.text.topicBody = "```json\n{\"in_scope\":true,\"topic_id\":\"Biology.Cat Behaviour\",\"topic_name\":\"cat behaviour\",\"keywords\":[\"purr\"]}\n```"

	first := h.admit(t, "why do cats purr when they are happy", domain.ModalityTextOnly, 30)
	second := h.admit(t, "why do cats purr when they are happy", domain.ModalityTextOnly, 30)
	require.NoError(t, h.orchestrator.Process(context.Background(), first))
	require.NoError(t, h.orchestrator.Process(context.Background(), second))

	request := h.load(t, first.RequestID)
	require.NotNil(t, request.TopicID)
	assert.Equal(t, "biology.cat_behaviour", *request.TopicID)

	topicCalls, scriptCalls := h.text.counts()
	assert.Equal(t, 1, topicCalls)
	assert.Equal(t, 1, scriptCalls, "second request is served from the lesson cache")
}

func TestProcessModelOutOfScopeRoutesToUnsupported(t *testing.T) {
	h := newHarness(t)
	h.text.topicBody = `{"in_scope":false,"topic_id":"","topic_name":"","keywords":[]}`
	message := h.admit(t, "what should I buy my friend for their birthday", domain.ModalityTextOnly, 30)

	require.NoError(t, h.orchestrator.Process(context.Background(), message))

	request := h.load(t, message.RequestID)
	assert.Equal(t, domain.StatusClarificationNeeded, request.Status)
	assert.Equal(t, domain.StageUnsupported, request.Stage)
}

func TestProcessTransientFailureLeavesRequestProcessing(t *testing.T) {
	h := newHarness(t)
	h.speech.err = errors.New("connection reset by peer")
	message := h.admit(t, "how do volcanoes erupt at plate boundaries", domain.ModalityTextOnly, 30)

	err := h.orchestrator.Process(context.Background(), message)
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))

	request := h.load(t, message.RequestID)
	assert.Equal(t, domain.StatusProcessing, request.Status)
	assert.Equal(t, domain.StageSpeechSynthesis, request.Stage)
}

func TestProcessStoreFailureIsTransientStore(t *testing.T) {
	h := newHarness(t)
	h.objects.err = errors.New("bucket unavailable")
	message := h.admit(t, "how do volcanoes erupt at plate boundaries", domain.ModalityTextOnly, 30)
	message.Attempt = 1

	err := h.orchestrator.Process(context.Background(), message)
	require.Error(t, err)

	classified := domain.Classify(err)
	assert.Equal(t, domain.ClassTransient, classified.Class)
	assert.Equal(t, domain.ReasonTransientStore, classified.Reason)
	assert.Equal(t, domain.StatusProcessing, h.load(t, message.RequestID).Status)
}

func TestProcessCircuitOpenDefersWithoutCalling(t *testing.T) {
	h := newHarness(t)
	h.speech.err = errors.New("upstream 503")
	message := h.admit(t, "how do volcanoes erupt at plate boundaries", domain.ModalityTextOnly, 30)

	require.Error(t, h.orchestrator.Process(context.Background(), message))

	h.clock = h.clock.Add(10 * time.Second)
	err := h.orchestrator.Process(context.Background(), message)
	require.Error(t, err)

	classified := domain.Classify(err)
	assert.Equal(t, domain.ClassTransient, classified.Class)
	assert.Equal(t, domain.ReasonCircuitOpen, classified.Reason)
	assert.Equal(t, 20*time.Second, classified.RetryAfter)
	assert.Equal(t, 1, h.speech.calls)
	assert.Equal(t, domain.StatusProcessing, h.load(t, message.RequestID).Status)
}

func TestProcessPermanentFailureMarksFailed(t *testing.T) {
	h := newHarness(t)
	h.speech.err = domain.Permanent(domain.ReasonExternalRejected, errors.New("voice not allowed"))
	message := h.admit(t, "how do volcanoes erupt at plate boundaries", domain.ModalityTextOnly, 30)

	err := h.orchestrator.Process(context.Background(), message)
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))

	request := h.load(t, message.RequestID)
	assert.Equal(t, domain.StatusFailed, request.Status)
	assert.Equal(t, domain.ReasonExternalRejected, request.FailureReason)
	assert.NotContains(t, request.UserMessage, "voice")
}

func TestProcessClampsDurationForVideo(t *testing.T) {
	h := newHarness(t)
	long := h.admit(t, "how do volcanoes erupt at plate boundaries", domain.ModalityTextAndVideo, 900)
	short := h.admit(t, "how does gravity keep the moon in orbit", domain.ModalityTextAndVideo, 5)

	require.NoError(t, h.orchestrator.Process(context.Background(), long))
	require.NoError(t, h.orchestrator.Process(context.Background(), short))

	require.Len(t, h.video.requests, 2)
	assert.Equal(t, 180, h.video.requests[0].DurationSeconds)
	assert.Equal(t, 30, h.video.requests[1].DurationSeconds)

	request := h.load(t, long.RequestID)
	assert.NotEmpty(t, request.Artifacts.VideoURL)
	assert.NotEmpty(t, request.Artifacts.AudioURL)
}

func TestProcessRejectsMalformedAndUnknownRequests(t *testing.T) {
	h := newHarness(t)

	err := h.orchestrator.Process(context.Background(), domain.QueueMessage{RequestID: "not-a-uuid"})
	require.Error(t, err)
	assert.Equal(t, domain.ReasonMalformedInput, domain.Classify(err).Reason)
	assert.True(t, domain.IsPermanent(err))

	err = h.orchestrator.Process(context.Background(), domain.QueueMessage{RequestID: domain.NewRequestID()})
	require.Error(t, err)
	assert.True(t, domain.IsPermanent(err))
}

func TestMarkFailedIgnoresTerminalRequest(t *testing.T) {
	h := newHarness(t)
	message := h.admit(t, "how do volcanoes erupt at plate boundaries", domain.ModalityTextOnly, 30)
	require.NoError(t, h.orchestrator.Process(context.Background(), message))

	require.NoError(t, h.orchestrator.MarkFailed(context.Background(), message.RequestID, domain.ReasonMaxDeliveriesExceeded))
	assert.Equal(t, domain.StatusCompleted, h.load(t, message.RequestID).Status)
}
