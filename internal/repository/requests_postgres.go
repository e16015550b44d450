package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const selectRequestColumns = `
	SELECT id, student_id, query, topic_id, interest, style, modality, duration_seconds,
		stage, progress, status, script_url, audio_url, video_url, cache_hit,
		failure_reason, user_message, created_at, updated_at, completed_at
	FROM content_requests
`

type PostgresRequestsRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRequestsRepository(pool *pgxpool.Pool) *PostgresRequestsRepository {
	return &PostgresRequestsRepository{pool: pool}
}

func (r *PostgresRequestsRepository) CreateRequest(ctx context.Context, request *domain.ContentRequest) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO content_requests (
			id, student_id, query, topic_id, interest, style, modality, duration_seconds,
			stage, progress, status, script_url, audio_url, video_url, cache_hit,
			failure_reason, user_message, created_at, updated_at, completed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`,
		request.ID,
		request.StudentID,
		request.Query,
		request.TopicID,
		request.Interest,
		request.Style,
		string(request.Modality),
		request.DurationSeconds,
		string(request.Stage),
		request.Progress,
		string(request.Status),
		request.Artifacts.ScriptURL,
		request.Artifacts.AudioURL,
		request.Artifacts.VideoURL,
		request.CacheHit,
		string(request.FailureReason),
		request.UserMessage,
		request.CreatedAt,
		request.UpdatedAt,
		request.CompletedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrAlreadyExists
		}
		return fmt.Errorf("insert content request: %w", err)
	}
	return nil
}

func (r *PostgresRequestsRepository) GetRequest(ctx context.Context, requestID string) (*domain.ContentRequest, error) {
	request, err := scanRequest(r.pool.QueryRow(ctx, selectRequestColumns+" WHERE id = $1", requestID))
	if err != nil {
		return nil, err
	}
	return request, nil
}

// UpdateRequest locks the row so the transition check and the write see the
// same persisted status.
func (r *PostgresRequestsRepository) UpdateRequest(
	ctx context.Context,
	requestID string,
	update domain.RequestUpdate,
) (*domain.ContentRequest, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	request, err := scanRequest(tx.QueryRow(ctx, selectRequestColumns+" WHERE id = $1 FOR UPDATE", requestID))
	if err != nil {
		return nil, err
	}
	if err := applyUpdate(request, update, time.Now().UTC()); err != nil {
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE content_requests
		SET topic_id = $2,
			stage = $3,
			progress = $4,
			status = $5,
			script_url = $6,
			audio_url = $7,
			video_url = $8,
			cache_hit = $9,
			failure_reason = $10,
			user_message = $11,
			updated_at = $12,
			completed_at = $13
		WHERE id = $1
	`,
		request.ID,
		request.TopicID,
		string(request.Stage),
		request.Progress,
		string(request.Status),
		request.Artifacts.ScriptURL,
		request.Artifacts.AudioURL,
		request.Artifacts.VideoURL,
		request.CacheHit,
		string(request.FailureReason),
		request.UserMessage,
		request.UpdatedAt,
		request.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("update content request: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit content request: %w", err)
	}
	return request, nil
}

func scanRequest(row pgx.Row) (*domain.ContentRequest, error) {
	var (
		request       domain.ContentRequest
		modality      string
		stage         string
		status        string
		failureReason string
	)
	err := row.Scan(
		&request.ID,
		&request.StudentID,
		&request.Query,
		&request.TopicID,
		&request.Interest,
		&request.Style,
		&modality,
		&request.DurationSeconds,
		&stage,
		&request.Progress,
		&status,
		&request.Artifacts.ScriptURL,
		&request.Artifacts.AudioURL,
		&request.Artifacts.VideoURL,
		&request.CacheHit,
		&failureReason,
		&request.UserMessage,
		&request.CreatedAt,
		&request.UpdatedAt,
		&request.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query content request: %w", err)
	}
	request.Modality = domain.Modality(modality)
	request.Stage = domain.Stage(stage)
	request.Status = domain.RequestStatus(status)
	request.FailureReason = domain.FailureReason(failureReason)
	return &request, nil
}
