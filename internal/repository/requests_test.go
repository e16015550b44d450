package repository

import (
	"context"
	"testing"
	"time"

	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPendingRequest() *domain.ContentRequest {
	now := time.Now().UTC()
	return &domain.ContentRequest{
		ID:        domain.NewRequestID(),
		StudentID: "student-1",
		Query:     "explain how volcanoes form at plate boundaries",
		Interest:  "football",
		Style:     domain.DefaultStyle,
		Modality:  domain.ModalityTextOnly,
		Stage:     domain.StageIntake,
		Status:    domain.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestMemoryRequestsRepositoryCreateAndGet(t *testing.T) {
	repo := NewMemoryRequestsRepository()
	request := newPendingRequest()

	require.NoError(t, repo.CreateRequest(context.Background(), request))
	require.ErrorIs(t, repo.CreateRequest(context.Background(), request), ErrAlreadyExists)

	stored, err := repo.GetRequest(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, request.Query, stored.Query)

	stored.Query = "mutated"
	again, err := repo.GetRequest(context.Background(), request.ID)
	require.NoError(t, err)
	assert.Equal(t, request.Query, again.Query)

	_, err = repo.GetRequest(context.Background(), domain.NewRequestID())
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRequestsRepositoryForwardOnly(t *testing.T) {
	repo := NewMemoryRequestsRepository()
	request := newPendingRequest()
	require.NoError(t, repo.CreateRequest(context.Background(), request))

	updated, err := repo.UpdateRequest(context.Background(), request.ID, domain.RequestUpdate{
		Status:   domain.Ptr(domain.StatusProcessing),
		Stage:    domain.Ptr(domain.StageTopicExtraction),
		Progress: domain.Ptr(10),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, updated.Status)
	assert.Equal(t, 10, updated.Progress)

	_, err = repo.UpdateRequest(context.Background(), request.ID, domain.RequestUpdate{
		Status: domain.Ptr(domain.StatusPending),
	})
	require.ErrorIs(t, err, ErrInvalidTransition)

	// progress never moves backwards
	updated, err = repo.UpdateRequest(context.Background(), request.ID, domain.RequestUpdate{
		Progress: domain.Ptr(5),
	})
	require.NoError(t, err)
	assert.Equal(t, 10, updated.Progress)

	completed, err := repo.UpdateRequest(context.Background(), request.ID, domain.RequestUpdate{
		Status:   domain.Ptr(domain.StatusCompleted),
		Progress: domain.Ptr(100),
	})
	require.NoError(t, err)
	require.NotNil(t, completed.CompletedAt)

	_, err = repo.UpdateRequest(context.Background(), request.ID, domain.RequestUpdate{
		Status: domain.Ptr(domain.StatusFailed),
	})
	require.ErrorIs(t, err, ErrTerminalState)

	_, err = repo.UpdateRequest(context.Background(), request.ID, domain.RequestUpdate{
		Stage: domain.Ptr(domain.StageDone),
	})
	require.ErrorIs(t, err, ErrTerminalState)
}

func TestMemoryRequestsRepositoryFailedFromPending(t *testing.T) {
	repo := NewMemoryRequestsRepository()
	request := newPendingRequest()
	require.NoError(t, repo.CreateRequest(context.Background(), request))

	failed, err := repo.UpdateRequest(context.Background(), request.ID, domain.RequestUpdate{
		Status:        domain.Ptr(domain.StatusFailed),
		FailureReason: domain.Ptr(domain.ReasonMaxDeliveriesExceeded),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	assert.Equal(t, domain.ReasonMaxDeliveriesExceeded, failed.FailureReason)
}
