package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const requestsSchema = `
CREATE TABLE IF NOT EXISTS content_requests (
	id               uuid PRIMARY KEY,
	student_id       text NOT NULL,
	query            text NOT NULL,
	topic_id         text,
	interest         text NOT NULL DEFAULT '',
	style            text NOT NULL DEFAULT 'standard',
	modality         text NOT NULL,
	duration_seconds integer NOT NULL DEFAULT 0,
	stage            text NOT NULL,
	progress         integer NOT NULL DEFAULT 0,
	status           text NOT NULL,
	script_url       text NOT NULL DEFAULT '',
	audio_url        text NOT NULL DEFAULT '',
	video_url        text NOT NULL DEFAULT '',
	cache_hit        boolean NOT NULL DEFAULT false,
	failure_reason   text NOT NULL DEFAULT '',
	user_message     text NOT NULL DEFAULT '',
	created_at       timestamptz NOT NULL,
	updated_at       timestamptz NOT NULL,
	completed_at     timestamptz
);
CREATE INDEX IF NOT EXISTS content_requests_student_idx ON content_requests (student_id, created_at DESC);
`

// OpenPool creates the pgx pool shared by the ledger and the cache store.
func OpenPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return pool, nil
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, requestsSchema); err != nil {
		return fmt.Errorf("ensure content_requests schema: %w", err)
	}
	return nil
}
