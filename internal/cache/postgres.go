package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const cacheSchema = `
CREATE TABLE IF NOT EXISTS lesson_cache_entries (
	id          uuid PRIMARY KEY,
	fingerprint text NOT NULL,
	topic_id    text NOT NULL,
	interest    text NOT NULL,
	style       text NOT NULL,
	modality    text NOT NULL,
	title       text NOT NULL DEFAULT '',
	script_url  text NOT NULL DEFAULT '',
	audio_url   text NOT NULL DEFAULT '',
	video_url   text NOT NULL DEFAULT '',
	keywords    text[] NOT NULL DEFAULT '{}',
	created_at  timestamptz NOT NULL
);
CREATE TABLE IF NOT EXISTS lesson_cache_canonical (
	fingerprint text PRIMARY KEY,
	entry_id    uuid NOT NULL REFERENCES lesson_cache_entries (id),
	topic_id    text NOT NULL,
	updated_at  timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS lesson_cache_canonical_topic_idx ON lesson_cache_canonical (topic_id);
`

const selectCanonicalEntries = `
	SELECT e.id, e.fingerprint, e.topic_id, e.interest, e.style, e.modality, e.title,
		e.script_url, e.audio_url, e.video_url, e.keywords, e.created_at
	FROM lesson_cache_canonical c
	JOIN lesson_cache_entries e ON e.id = c.entry_id
`

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, cacheSchema); err != nil {
		return fmt.Errorf("ensure cache schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Canonical(ctx context.Context, fingerprint string) (Entry, error) {
	row := s.pool.QueryRow(ctx, selectCanonicalEntries+" WHERE c.fingerprint = $1", fingerprint)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrMiss
		}
		return Entry{}, fmt.Errorf("query canonical entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) Insert(ctx context.Context, entry Entry) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	_, err = tx.Exec(ctx, `
		INSERT INTO lesson_cache_entries (
			id, fingerprint, topic_id, interest, style, modality, title,
			script_url, audio_url, video_url, keywords, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		entry.ID,
		entry.Fingerprint,
		entry.TopicID,
		entry.Interest,
		entry.Style,
		string(entry.Modality),
		entry.Title,
		entry.Artifacts.ScriptURL,
		entry.Artifacts.AudioURL,
		entry.Artifacts.VideoURL,
		entry.Keywords,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert cache entry: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO lesson_cache_canonical (fingerprint, entry_id, topic_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (fingerprint) DO UPDATE
		SET entry_id = EXCLUDED.entry_id,
			topic_id = EXCLUDED.topic_id,
			updated_at = EXCLUDED.updated_at
	`, entry.Fingerprint, entry.ID, entry.TopicID, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert canonical entry: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) Candidates(ctx context.Context, filter CandidateFilter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.pool.Query(ctx, selectCanonicalEntries+`
		WHERE ($1 = '' OR c.topic_id = $1)
		ORDER BY e.created_at DESC
		LIMIT $2
	`, filter.TopicID, limit)
	if err != nil {
		return nil, fmt.Errorf("list cache candidates: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cache candidate: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cache candidates: %w", err)
	}
	return out, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		entry    Entry
		modality string
	)
	err := row.Scan(
		&entry.ID,
		&entry.Fingerprint,
		&entry.TopicID,
		&entry.Interest,
		&entry.Style,
		&modality,
		&entry.Title,
		&entry.Artifacts.ScriptURL,
		&entry.Artifacts.AudioURL,
		&entry.Artifacts.VideoURL,
		&entry.Keywords,
		&entry.CreatedAt,
	)
	if err != nil {
		return Entry{}, err
	}
	entry.Modality = domain.Modality(modality)
	return entry, nil
}
