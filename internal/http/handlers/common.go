package handlers

import (
	"encoding/json"
	"errors"
	"hash/fnv"
	"net/http"

	"github.com/iago/lesson-pipeline/internal/http/middleware"
	"github.com/iago/lesson-pipeline/internal/service"
	"github.com/rs/zerolog"
)

const maxBodyBytes = 64 << 10

var errInvalidPayload = errors.New("invalid payload")

type API struct {
	intake      *service.IntakeService
	idempotency IdempotencyStore
	logger      zerolog.Logger
}

// NewAPI falls back to an in-memory idempotency store when none is given.
func NewAPI(intake *service.IntakeService, idempotency IdempotencyStore, logger zerolog.Logger) *API {
	if idempotency == nil {
		idempotency = NewMemoryIdempotencyStore(0)
	}
	return &API{
		intake:      intake,
		idempotency: idempotency,
		logger:      logger.With().Str("component", "http").Logger(),
	}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, value any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(value); err != nil {
		return errInvalidPayload
	}
	return nil
}

func hashPayload(value any) uint64 {
	payload, _ := json.Marshal(value)
	hasher := fnv.New64a()
	_, _ = hasher.Write(payload)
	return hasher.Sum64()
}
