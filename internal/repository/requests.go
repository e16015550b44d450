package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/iago/lesson-pipeline/internal/domain"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrAlreadyExists     = errors.New("resource already exists")
	ErrTerminalState     = errors.New("request is in a terminal state")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// RequestsRepository persists content requests. Update enforces forward-only
// status transitions and rejects any mutation of a terminal request.
type RequestsRepository interface {
	CreateRequest(ctx context.Context, request *domain.ContentRequest) error
	GetRequest(ctx context.Context, requestID string) (*domain.ContentRequest, error)
	UpdateRequest(ctx context.Context, requestID string, update domain.RequestUpdate) (*domain.ContentRequest, error)
}

// MemoryRequestsRepository stores requests in memory for local development.
type MemoryRequestsRepository struct {
	mu       sync.RWMutex
	requests map[string]*domain.ContentRequest
	now      func() time.Time
}

func NewMemoryRequestsRepository() *MemoryRequestsRepository {
	return &MemoryRequestsRepository{
		requests: make(map[string]*domain.ContentRequest),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (r *MemoryRequestsRepository) CreateRequest(_ context.Context, request *domain.ContentRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.requests[request.ID]; exists {
		return ErrAlreadyExists
	}
	r.requests[request.ID] = cloneRequest(request)
	return nil
}

func (r *MemoryRequestsRepository) GetRequest(_ context.Context, requestID string) (*domain.ContentRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	request, ok := r.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(request), nil
}

func (r *MemoryRequestsRepository) UpdateRequest(
	_ context.Context,
	requestID string,
	update domain.RequestUpdate,
) (*domain.ContentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	next := cloneRequest(current)
	if err := applyUpdate(next, update, r.now()); err != nil {
		return nil, err
	}
	r.requests[requestID] = next
	return cloneRequest(next), nil
}

// applyUpdate mutates request in place after validating the transition.
func applyUpdate(request *domain.ContentRequest, update domain.RequestUpdate, now time.Time) error {
	if request.Status.Terminal() {
		return ErrTerminalState
	}
	if update.Status != nil && *update.Status != request.Status {
		if !domain.CanTransition(request.Status, *update.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, request.Status, *update.Status)
		}
		request.Status = *update.Status
		if request.Status.Terminal() {
			completedAt := now
			request.CompletedAt = &completedAt
		}
	}
	if update.Stage != nil {
		request.Stage = *update.Stage
	}
	if update.Progress != nil {
		progress := clampProgress(*update.Progress)
		if progress > request.Progress {
			request.Progress = progress
		}
	}
	if update.TopicID != nil {
		topicID := *update.TopicID
		request.TopicID = &topicID
	}
	if update.Artifacts != nil {
		request.Artifacts = *update.Artifacts
	}
	if update.CacheHit != nil {
		request.CacheHit = *update.CacheHit
	}
	if update.FailureReason != nil {
		request.FailureReason = *update.FailureReason
	}
	if update.UserMessage != nil {
		request.UserMessage = *update.UserMessage
	}
	request.UpdatedAt = now
	return nil
}

func clampProgress(value int) int {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

func cloneRequest(request *domain.ContentRequest) *domain.ContentRequest {
	if request == nil {
		return nil
	}
	clone := *request
	if request.TopicID != nil {
		topicID := *request.TopicID
		clone.TopicID = &topicID
	}
	if request.CompletedAt != nil {
		completedAt := *request.CompletedAt
		clone.CompletedAt = &completedAt
	}
	return &clone
}
