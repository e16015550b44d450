// Package cache maps a (topic, interest, style, modality) fingerprint to
// previously generated lesson artifacts and ranks similar existing lessons.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/rs/zerolog"
)

type Key struct {
	TopicID  string
	Interest string
	Style    string
	Modality domain.Modality
}

func (k Key) Fingerprint() string {
	return Fingerprint(k.TopicID, k.Interest, k.Style, k.Modality)
}

type Cache struct {
	store   Store
	weights Weights
	logger  zerolog.Logger
	now     func() time.Time
}

type Options struct {
	Weights Weights
	Logger  zerolog.Logger
	Clock   func() time.Time
}

func New(store Store, opts Options) *Cache {
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights()
	}
	return &Cache{store: store, weights: opts.Weights, logger: opts.Logger, now: opts.Clock}
}

// Lookup is the exact-match path used by the pipeline.
func (c *Cache) Lookup(ctx context.Context, key Key) (Entry, bool, error) {
	entry, err := c.store.Canonical(ctx, key.Fingerprint())
	if err != nil {
		if errors.Is(err, ErrMiss) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("cache lookup: %w", err)
	}
	return entry, true, nil
}

// Record stores a new immutable entry for key and makes it canonical.
func (c *Cache) Record(
	ctx context.Context,
	key Key,
	title string,
	artifacts domain.ArtifactSet,
	keywords []string,
) (Entry, error) {
	style := key.Style
	if strings.TrimSpace(style) == "" {
		style = domain.DefaultStyle
	}
	entry := Entry{
		ID:          uuid.NewString(),
		Fingerprint: key.Fingerprint(),
		TopicID:     key.TopicID,
		Interest:    normalize(key.Interest),
		Style:       normalize(style),
		Modality:    key.Modality,
		Title:       title,
		Artifacts:   artifacts,
		Keywords:    normalizeKeywords(keywords),
		CreatedAt:   c.now(),
	}
	if err := c.store.Insert(ctx, entry); err != nil {
		return Entry{}, fmt.Errorf("cache record: %w", err)
	}
	return entry, nil
}

// FindSimilar is advisory. Any failure is logged and reported as no results.
func (c *Cache) FindSimilar(ctx context.Context, query SimilarQuery) (matches []Match) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error().Interface("panic", recovered).Msg("find similar panicked")
			matches = nil
		}
	}()

	limit := query.Limit
	if limit <= 0 {
		limit = 5
	}

	candidates, err := c.store.Candidates(ctx, CandidateFilter{
		TopicID: query.TopicID,
		Limit:   c.weights.CandidateLimit,
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("topic_id", query.TopicID).Msg("find similar degraded to no results")
		return nil
	}

	queryKeywords := make(map[string]struct{})
	for _, keyword := range ExtractKeywords(query.QueryText) {
		queryKeywords[keyword] = struct{}{}
	}

	now := c.now()
	matches = make([]Match, 0, len(candidates))
	for _, candidate := range candidates {
		total, shared := score(candidate, query, queryKeywords, c.weights, now)
		tier, ok := tierFor(total, c.weights)
		if !ok {
			continue
		}
		matches = append(matches, Match{
			Entry:          candidate,
			Score:          total,
			Tier:           tier,
			SharedKeywords: shared,
		})
	}
	rank(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches
}

func normalizeKeywords(keywords []string) []string {
	seen := make(map[string]struct{}, len(keywords))
	out := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		normalized := normalize(keyword)
		if normalized == "" {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		out = append(out, normalized)
	}
	return out
}
