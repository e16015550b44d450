package handlers

import (
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/iago/lesson-pipeline/internal/http/middleware"
	"github.com/iago/lesson-pipeline/internal/repository"
	"github.com/iago/lesson-pipeline/internal/service"
)

const lessonsPath = "/v1/lessons/"

type generateRequest struct {
	StudentID       string `json:"student_id"`
	Query           string `json:"query"`
	Interest        string `json:"interest,omitempty"`
	Style           string `json:"style,omitempty"`
	Modality        string `json:"modality"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
}

type similarPayload struct {
	EntryID        string             `json:"entry_id"`
	TopicID        string             `json:"topic_id"`
	Title          string             `json:"title"`
	Tier           string             `json:"tier"`
	Score          float64            `json:"score"`
	SharedKeywords []string           `json:"shared_keywords"`
	ArtifactURLs   domain.ArtifactSet `json:"artifact_urls"`
}

// Lessons accepts a learning query. Vague queries get clarifying questions
// synchronously; specific ones are queued and answered with 202.
func (api *API) Lessons(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if idempotencyKey != "" && !validIdempotencyKey(idempotencyKey) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "Idempotency-Key must be 16 to 200 characters without spaces")
		return
	}

	var request generateRequest
	if err := decodeJSON(w, r, &request); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "invalid JSON payload")
		return
	}

	payloadHash := hashPayload(request)
	if idempotencyKey != "" {
		record, exists, err := api.idempotency.Get(r.Context(), idempotencyKey)
		if err != nil {
			api.logger.Warn().
				Err(err).
				Str("http_request_id", middleware.GetRequestID(r.Context())).
				Msg("idempotency lookup failed")
		}
		if exists {
			if record.PayloadHash != payloadHash {
				writeError(w, r, http.StatusConflict, "idempotency_conflict", "Idempotency-Key already used with different payload")
				return
			}
			w.Header().Set("Idempotent-Replayed", "true")
			writeAccepted(w, record.RequestID, record.CreatedAt)
			return
		}
	}

	result, err := api.intake.Generate(r.Context(), service.GenerateInput{
		StudentID:       request.StudentID,
		Query:           request.Query,
		Interest:        request.Interest,
		Style:           request.Style,
		Modality:        domain.Modality(strings.ToLower(strings.TrimSpace(request.Modality))),
		DurationSeconds: request.DurationSeconds,
	})
	if err != nil {
		var validation *service.ValidationError
		if errors.As(err, &validation) {
			writeError(w, r, http.StatusBadRequest, "invalid_request", validation.Error())
			return
		}
		api.logger.Error().
			Err(err).
			Str("http_request_id", middleware.GetRequestID(r.Context())).
			Msg("lesson intake failed")
		writeError(w, r, http.StatusServiceUnavailable, "intake_unavailable", "could not accept the request, try again later")
		return
	}

	if result.Status == domain.StatusClarificationNeeded {
		similar := make([]similarPayload, 0, len(result.Similar))
		for _, lesson := range result.Similar {
			similar = append(similar, similarPayload{
				EntryID:        lesson.EntryID,
				TopicID:        lesson.TopicID,
				Title:          lesson.Title,
				Tier:           string(lesson.Tier),
				Score:          math.Round(lesson.Score*100) / 100,
				SharedKeywords: lesson.SharedKeywords,
				ArtifactURLs:   lesson.Artifacts,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    result.Status,
			"questions": result.Questions,
			"similar":   similar,
		})
		return
	}

	acceptedAt := time.Now().UTC()
	if idempotencyKey != "" {
		if err := api.idempotency.Put(r.Context(), idempotencyKey, IdempotencyRecord{
			PayloadHash: payloadHash,
			RequestID:   result.RequestID,
			CreatedAt:   acceptedAt,
		}); err != nil {
			api.logger.Warn().Err(err).Str("request_id", result.RequestID).Msg("store idempotency key")
		}
	}
	writeAccepted(w, result.RequestID, acceptedAt)
}

// LessonStatus serves GET /v1/lessons/{request_id}.
func (api *API) LessonStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	rawID := strings.TrimPrefix(r.URL.Path, lessonsPath)
	view, err := api.intake.Status(r.Context(), rawID)
	switch {
	case errors.Is(err, domain.ErrMalformedRequestID):
		writeError(w, r, http.StatusBadRequest, "invalid_request_id", "request_id must be a UUID")
		return
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", "request not found")
		return
	case err != nil:
		api.logger.Error().Err(err).Str("request_id", rawID).Msg("load lesson status")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "could not load request status")
		return
	}

	response := map[string]any{
		"request_id":       view.RequestID,
		"status":           view.Status,
		"progress_percent": view.ProgressPercent,
		"current_stage":    view.CurrentStage,
		"cache_hit":        view.CacheHit,
		"updated_at":       view.UpdatedAt.Format(time.RFC3339Nano),
	}
	if view.Artifacts != nil {
		response["artifact_urls"] = view.Artifacts
	}
	if view.Message != "" {
		response["message"] = view.Message
	}
	if !view.Status.Terminal() {
		w.Header().Set("Retry-After", "2")
	}
	writeJSON(w, http.StatusOK, response)
}

func writeAccepted(w http.ResponseWriter, requestID string, acceptedAt time.Time) {
	w.Header().Set("Retry-After", "2")
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      domain.StatusProcessing,
		"request_id":  requestID,
		"status_url":  lessonsPath + requestID,
		"accepted_at": acceptedAt.Format(time.RFC3339Nano),
	})
}
