package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/iago/lesson-pipeline/internal/cache"
	"github.com/iago/lesson-pipeline/internal/config"
	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/iago/lesson-pipeline/internal/pipeline"
	"github.com/iago/lesson-pipeline/internal/queue"
	"github.com/iago/lesson-pipeline/internal/repository"
	"github.com/iago/lesson-pipeline/internal/screener"
	"github.com/iago/lesson-pipeline/internal/service"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const specificQuery = "explain how volcanoes erupt at plate boundaries"

type apiHarness struct {
	api      *API
	requests *repository.MemoryRequestsRepository
	queue    *queue.LocalQueue
}

func newAPIHarness(t *testing.T) apiHarness {
	t.Helper()
	tuning := config.DefaultTuning()
	requests := repository.NewMemoryRequestsRepository()
	local := queue.NewLocalQueue(16, 3, zerolog.Nop())
	intake := service.NewIntakeService(service.IntakeDependencies{
		Requests: requests,
		Producer: local,
		Screener: screener.New(screener.Config{
			MinInformativeWords: tuning.Screener.MinInformativeWords,
			VaguePrefixes:       tuning.Screener.VaguePrefixes,
			QualifierWords:      tuning.Screener.QualifierWords,
		}),
		Similar: cache.New(cache.NewMemoryStore(), cache.Options{Logger: zerolog.Nop()}),
		Catalog: pipeline.CatalogFromTuning(tuning.Topics),
		Logger:  zerolog.Nop(),
	})
	return apiHarness{
		api:      NewAPI(intake, NewMemoryIdempotencyStore(time.Hour), zerolog.Nop()),
		requests: requests,
		queue:    local,
	}
}

func postLesson(t *testing.T, api *API, body map[string]any, idempotencyKey string) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	request := httptest.NewRequest(http.MethodPost, "/v1/lessons", bytes.NewReader(raw))
	request.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		request.Header.Set("Idempotency-Key", idempotencyKey)
	}
	recorder := httptest.NewRecorder()
	api.Lessons(recorder, request)
	return recorder
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}

func TestLessonsAcceptsSpecificQuery(t *testing.T) {
	h := newAPIHarness(t)

	recorder := postLesson(t, h.api, map[string]any{
		"student_id": "student-1",
		"query":      specificQuery,
		"interest":   "football",
		"modality":   "text_only",
	}, "")

	require.Equal(t, http.StatusAccepted, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, "processing", body["status"])
	requestID, _ := body["request_id"].(string)
	_, err := domain.ParseRequestID(requestID)
	require.NoError(t, err)
	assert.Equal(t, "/v1/lessons/"+requestID, body["status_url"])
	assert.Equal(t, "2", recorder.Header().Get("Retry-After"))
	assert.Equal(t, 1, h.queue.Len())
}

func TestLessonsReturnsClarificationForVagueQuery(t *testing.T) {
	h := newAPIHarness(t)

	recorder := postLesson(t, h.api, map[string]any{
		"student_id": "student-1",
		"query":      "tell me about science",
		"modality":   "text_only",
	}, "")

	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, "clarification_needed", body["status"])
	assert.Len(t, body["questions"], 3)
	assert.Equal(t, []any{}, body["similar"])
	assert.NotContains(t, body, "request_id")
	assert.Zero(t, h.queue.Len())
}

func TestLessonsRejectsInvalidPayloads(t *testing.T) {
	h := newAPIHarness(t)

	recorder := postLesson(t, h.api, map[string]any{
		"student_id": "student-1",
		"query":      specificQuery,
		"modality":   "hologram",
	}, "")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "modality")

	recorder = postLesson(t, h.api, map[string]any{
		"student_id": "student-1",
		"query":      specificQuery,
		"unexpected": true,
	}, "")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	recorder = postLesson(t, h.api, map[string]any{"student_id": "s", "query": specificQuery}, "short")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)

	request := httptest.NewRequest(http.MethodGet, "/v1/lessons", nil)
	methodRecorder := httptest.NewRecorder()
	h.api.Lessons(methodRecorder, request)
	assert.Equal(t, http.StatusMethodNotAllowed, methodRecorder.Code)
}

func TestLessonsIdempotencyReplaysAndConflicts(t *testing.T) {
	h := newAPIHarness(t)
	key := "lesson-key-0000000001"
	payload := map[string]any{
		"student_id": "student-1",
		"query":      specificQuery,
		"modality":   "text_only",
	}

	first := postLesson(t, h.api, payload, key)
	require.Equal(t, http.StatusAccepted, first.Code)
	second := postLesson(t, h.api, payload, key)
	require.Equal(t, http.StatusAccepted, second.Code)

	assert.Equal(t, decodeBody(t, first)["request_id"], decodeBody(t, second)["request_id"])
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 1, h.queue.Len(), "replay does not enqueue again")

	payload["query"] = "explain why volcanoes form along plate boundaries"
	conflict := postLesson(t, h.api, payload, key)
	assert.Equal(t, http.StatusConflict, conflict.Code)
	assert.Contains(t, conflict.Body.String(), "idempotency_conflict")
}

func TestLessonStatus(t *testing.T) {
	h := newAPIHarness(t)
	accepted := postLesson(t, h.api, map[string]any{
		"student_id": "student-1",
		"query":      specificQuery,
		"modality":   "text_only",
	}, "")
	require.Equal(t, http.StatusAccepted, accepted.Code)
	requestID := decodeBody(t, accepted)["request_id"].(string)

	get := func(id string) *httptest.ResponseRecorder {
		recorder := httptest.NewRecorder()
		h.api.LessonStatus(recorder, httptest.NewRequest(http.MethodGet, "/v1/lessons/"+id, nil))
		return recorder
	}

	recorder := get(requestID)
	require.Equal(t, http.StatusOK, recorder.Code)
	body := decodeBody(t, recorder)
	assert.Equal(t, "pending", body["status"])
	assert.Equal(t, "intake", body["current_stage"])
	assert.EqualValues(t, 0, body["progress_percent"])
	assert.NotContains(t, body, "artifact_urls")

	_, err := h.requests.UpdateRequest(context.Background(), requestID, domain.RequestUpdate{
		Status:    domain.Ptr(domain.StatusCompleted),
		Stage:     domain.Ptr(domain.StageDone),
		Progress:  domain.Ptr(100),
		Artifacts: domain.Ptr(domain.ArtifactSet{ScriptURL: "file://lessons/a/script.json", AudioURL: "file://lessons/a/narration.mp3"}),
	})
	require.NoError(t, err)

	recorder = get(requestID)
	require.Equal(t, http.StatusOK, recorder.Code)
	body = decodeBody(t, recorder)
	assert.Equal(t, "completed", body["status"])
	assert.EqualValues(t, 100, body["progress_percent"])
	artifacts, ok := body["artifact_urls"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "file://lessons/a/script.json", artifacts["script_url"])
	assert.Empty(t, recorder.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusBadRequest, get("not-a-uuid").Code)
	assert.Equal(t, http.StatusNotFound, get(domain.NewRequestID()).Code)
}

func TestMemoryIdempotencyStoreKeepsFirstRecordAndExpires(t *testing.T) {
	store := NewMemoryIdempotencyStore(time.Minute)
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "key-aaaaaaaaaaaaaaaa", IdempotencyRecord{PayloadHash: 1, RequestID: "first", CreatedAt: now}))
	require.NoError(t, store.Put(ctx, "key-aaaaaaaaaaaaaaaa", IdempotencyRecord{PayloadHash: 2, RequestID: "second", CreatedAt: now}))

	record, ok, err := store.Get(ctx, "key-aaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "first", record.RequestID)

	now = now.Add(2 * time.Minute)
	_, ok, err = store.Get(ctx, "key-aaaaaaaaaaaaaaaa")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHealth(t *testing.T) {
	h := newAPIHarness(t)
	recorder := httptest.NewRecorder()
	h.api.Health(recorder, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "ok", decodeBody(t, recorder)["status"])
}
