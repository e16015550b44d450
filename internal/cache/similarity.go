package cache

import (
	"sort"
	"strings"
	"time"
	"unicode"
)

type Tier string

const (
	TierHigh   Tier = "high"
	TierMedium Tier = "medium"
)

// Weights drive the advisory similarity score. The defaults were picked
// empirically and are expected to be tuned.
type Weights struct {
	Topic           float64
	Interest        float64
	Keyword         float64
	Recency         float64
	HighThreshold   float64
	MediumThreshold float64
	FreshnessWindow time.Duration
	CandidateLimit  int
}

func DefaultWeights() Weights {
	return Weights{
		Topic:           50,
		Interest:        30,
		Keyword:         10,
		Recency:         5,
		HighThreshold:   60,
		MediumThreshold: 40,
		FreshnessWindow: 30 * 24 * time.Hour,
		CandidateLimit:  200,
	}
}

type SimilarQuery struct {
	TopicID   string
	Interest  string
	QueryText string
	Limit     int
}

type Match struct {
	Entry          Entry
	Score          float64
	Tier           Tier
	SharedKeywords []string
}

func score(entry Entry, query SimilarQuery, queryKeywords map[string]struct{}, weights Weights, now time.Time) (float64, []string) {
	total := 0.0
	if query.TopicID != "" && normalize(entry.TopicID) == normalize(query.TopicID) {
		total += weights.Topic
	}
	if query.Interest != "" && normalize(entry.Interest) == normalize(query.Interest) {
		total += weights.Interest
	}

	shared := make([]string, 0)
	seen := make(map[string]struct{}, len(entry.Keywords))
	for _, keyword := range entry.Keywords {
		normalized := normalize(keyword)
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		if _, ok := queryKeywords[normalized]; ok {
			shared = append(shared, normalized)
		}
	}
	sort.Strings(shared)
	total += float64(len(shared)) * weights.Keyword

	if weights.FreshnessWindow > 0 && now.Sub(entry.CreatedAt) <= weights.FreshnessWindow {
		total += weights.Recency
	}
	return total, shared
}

func tierFor(score float64, weights Weights) (Tier, bool) {
	switch {
	case score >= weights.HighThreshold:
		return TierHigh, true
	case score >= weights.MediumThreshold:
		return TierMedium, true
	default:
		return "", false
	}
}

func rank(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if !matches[i].Entry.CreatedAt.Equal(matches[j].Entry.CreatedAt) {
			return matches[i].Entry.CreatedAt.After(matches[j].Entry.CreatedAt)
		}
		return matches[i].Entry.ID < matches[j].Entry.ID
	})
}

// ExtractKeywords returns the distinct content words of text.
func ExtractKeywords(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	seen := make(map[string]struct{}, len(fields))
	out := make([]string, 0, len(fields))
	for _, field := range fields {
		if len(field) < 3 {
			continue
		}
		if _, stop := keywordStopWords[field]; stop {
			continue
		}
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		out = append(out, field)
	}
	return out
}

var keywordStopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "about": {}, "tell": {}, "explain": {}, "how": {},
	"why": {}, "what": {}, "are": {}, "was": {}, "were": {}, "with": {}, "into": {},
	"from": {}, "this": {}, "that": {}, "does": {}, "did": {}, "can": {}, "you": {},
	"describe": {}, "teach": {}, "learn": {}, "want": {}, "please": {}, "lesson": {},
}
