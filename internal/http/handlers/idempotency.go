package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	idempotencyHeader     = "Idempotency-Key"
	minIdempotencyKeyLen  = 16
	maxIdempotencyKeyLen  = 200
	defaultIdempotencyTTL = 24 * time.Hour
)

// IdempotencyRecord remembers which request a key produced.
type IdempotencyRecord struct {
	PayloadHash uint64    `json:"payload_hash"`
	RequestID   string    `json:"request_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type IdempotencyStore interface {
	Get(ctx context.Context, key string) (IdempotencyRecord, bool, error)
	// Put keeps the first record stored for key.
	Put(ctx context.Context, key string, record IdempotencyRecord) error
}

type MemoryIdempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]IdempotencyRecord
	now     func() time.Time
}

func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &MemoryIdempotencyStore{
		ttl:     ttl,
		entries: make(map[string]IdempotencyRecord),
		now:     time.Now,
	}
}

func (s *MemoryIdempotencyStore) Get(_ context.Context, key string) (IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.entries[key]
	if !ok {
		return IdempotencyRecord{}, false, nil
	}
	if s.now().Sub(record.CreatedAt) > s.ttl {
		delete(s.entries, key)
		return IdempotencyRecord{}, false, nil
	}
	return record, true, nil
}

func (s *MemoryIdempotencyStore) Put(_ context.Context, key string, record IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for existingKey, existing := range s.entries {
		if now.Sub(existing.CreatedAt) > s.ttl {
			delete(s.entries, existingKey)
		}
	}
	if _, exists := s.entries[key]; exists {
		return nil
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now.UTC()
	}
	s.entries[key] = record
	return nil
}

// RedisIdempotencyStore shares idempotency keys across API replicas.
type RedisIdempotencyStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisIdempotencyStore(client redis.UniversalClient, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = defaultIdempotencyTTL
	}
	return &RedisIdempotencyStore{client: client, prefix: "lesson_idempotency:", ttl: ttl}
}

func (s *RedisIdempotencyStore) Get(ctx context.Context, key string) (IdempotencyRecord, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("redis get idempotency key: %w", err)
	}
	var record IdempotencyRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return IdempotencyRecord{}, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	return record, true, nil
}

func (s *RedisIdempotencyStore) Put(ctx context.Context, key string, record IdempotencyRecord) error {
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode idempotency record: %w", err)
	}
	if err := s.client.SetNX(ctx, s.prefix+key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set idempotency key: %w", err)
	}
	return nil
}

func validIdempotencyKey(key string) bool {
	if len(key) < minIdempotencyKeyLen || len(key) > maxIdempotencyKeyLen {
		return false
	}
	return !strings.ContainsAny(key, " \t\r\n")
}
