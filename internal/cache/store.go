package cache

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/iago/lesson-pipeline/internal/domain"
)

var ErrMiss = errors.New("cache miss")

// Entry is an immutable record of one successful generation.
type Entry struct {
	ID          string
	Fingerprint string
	TopicID     string
	Interest    string
	Style       string
	Modality    domain.Modality
	Title       string
	Artifacts   domain.ArtifactSet
	Keywords    []string
	CreatedAt   time.Time
}

type CandidateFilter struct {
	TopicID string
	Limit   int
}

// Store persists entries. Insert never modifies an existing entry; it adds a
// new one and points the fingerprint's canonical slot at it.
type Store interface {
	Canonical(ctx context.Context, fingerprint string) (Entry, error)
	Insert(ctx context.Context, entry Entry) error
	Candidates(ctx context.Context, filter CandidateFilter) ([]Entry, error)
}

type MemoryStore struct {
	mu        sync.RWMutex
	entries   map[string]Entry
	canonical map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string]Entry),
		canonical: make(map[string]string),
	}
}

func (s *MemoryStore) Canonical(_ context.Context, fingerprint string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.canonical[fingerprint]
	if !ok {
		return Entry{}, ErrMiss
	}
	return cloneEntry(s.entries[id]), nil
}

func (s *MemoryStore) Insert(_ context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[entry.ID]; exists {
		return errors.New("cache entry already exists")
	}
	s.entries[entry.ID] = cloneEntry(entry)
	s.canonical[entry.Fingerprint] = entry.ID
	return nil
}

func (s *MemoryStore) Candidates(_ context.Context, filter CandidateFilter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Entry, 0)
	for _, id := range s.canonical {
		entry := s.entries[id]
		if filter.TopicID != "" && entry.TopicID != filter.TopicID {
			continue
		}
		out = append(out, cloneEntry(entry))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Len reports the number of stored entries, canonical or not.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func cloneEntry(entry Entry) Entry {
	clone := entry
	clone.Keywords = append([]string(nil), entry.Keywords...)
	return clone
}
