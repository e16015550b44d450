package contextbuilder

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

type RetrievalInput struct {
	TopicID   string
	TopicName string
	Query     string
	Interest  string
	Keywords  []string
}

type Chunk struct {
	ID     string
	Source string
	Text   string
	Score  float64
}

type Retriever interface {
	Retrieve(ctx context.Context, input RetrievalInput) ([]Chunk, error)
}

// BasicRetriever ranks per-topic reference notes with lexical signals from
// the request until a vector store is available.
type BasicRetriever struct {
	notes map[string][]string
}

// NewBasicRetriever indexes notes by topic id.
func NewBasicRetriever(notes map[string][]string) *BasicRetriever {
	indexed := make(map[string][]string, len(notes))
	for topicID, topicNotes := range notes {
		key := strings.ToLower(strings.TrimSpace(topicID))
		indexed[key] = append(indexed[key], topicNotes...)
	}
	return &BasicRetriever{notes: indexed}
}

const fragmentLimit = 24

func (r *BasicRetriever) Retrieve(_ context.Context, input RetrievalInput) ([]Chunk, error) {
	terms := requestTerms(input)
	interest := strings.ToLower(strings.TrimSpace(input.Interest))

	type fragment struct {
		source string
		text   string
	}
	fragments := make([]fragment, 0, fragmentLimit)
	for _, note := range r.notes[strings.ToLower(strings.TrimSpace(input.TopicID))] {
		fragments = append(fragments, fragment{source: "topic_notes", text: note})
	}
	if query := strings.TrimSpace(input.Query); query != "" {
		if len(query) > 520 {
			query = query[:520]
		}
		fragments = append(fragments, fragment{source: "student_query", text: "Student question: " + query})
	}
	if interest != "" {
		fragments = append(fragments, fragment{
			source: "interest",
			text:   fmt.Sprintf("The student is interested in %s; draw examples and analogies from it.", strings.TrimSpace(input.Interest)),
		})
	}

	seen := make(map[string]struct{}, len(fragments))
	chunks := make([]Chunk, 0, len(fragments))
	for _, item := range fragments {
		trimmed := strings.TrimSpace(item.text)
		if trimmed == "" {
			continue
		}
		key := fragmentFingerprint(trimmed)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}

		index := len(chunks)
		chunks = append(chunks, Chunk{
			ID:     fmt.Sprintf("chunk-%d", index+1),
			Source: item.source,
			Text:   trimmed,
			Score:  computeScore(index, trimmed, terms, item.source),
		})
		if len(chunks) >= fragmentLimit {
			break
		}
	}
	return chunks, nil
}

func requestTerms(input RetrievalInput) map[string]struct{} {
	terms := make(map[string]struct{})
	add := func(text string) {
		for _, word := range splitWords(text) {
			if len(word) >= 3 {
				terms[word] = struct{}{}
			}
		}
	}
	add(input.Query)
	add(input.TopicName)
	for _, keyword := range input.Keywords {
		add(keyword)
	}
	return terms
}

func computeScore(index int, fragment string, terms map[string]struct{}, source string) float64 {
	score := 100.0 - float64(index*3)

	matches := 0
	for _, word := range splitWords(fragment) {
		if _, ok := terms[word]; ok {
			matches++
		}
	}
	if matches > 4 {
		matches = 4
	}
	score += float64(matches * 8)

	switch source {
	case "student_query":
		score += 10
	case "interest":
		score += 6
	}

	if score < 1 {
		score = 1
	}
	return score
}

func splitWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

var repeatedSpacePattern = regexp.MustCompile(`\s+`)

func fragmentFingerprint(value string) string {
	lowered := strings.ToLower(strings.TrimSpace(value))
	return repeatedSpacePattern.ReplaceAllString(lowered, " ")
}
