package pipeline

import (
	"sort"
	"strings"
	"unicode"

	"github.com/iago/lesson-pipeline/internal/config"
)

// Topic is one curriculum subject the platform generates lessons for.
type Topic struct {
	ID       string
	Name     string
	Aliases  []string
	Keywords []string
	Notes    []string
}

// Catalog resolves topic hints and queries to known topics without calling
// the text generation service. It is built once per process.
type Catalog struct {
	topics []Topic
	byID   map[string]Topic
}

func NewCatalog(topics []Topic) *Catalog {
	catalog := &Catalog{
		topics: make([]Topic, 0, len(topics)),
		byID:   make(map[string]Topic, len(topics)),
	}
	for _, topic := range topics {
		id := normalizeTopicID(topic.ID)
		if id == "" {
			continue
		}
		topic.ID = id
		if strings.TrimSpace(topic.Name) == "" {
			topic.Name = id
		}
		catalog.topics = append(catalog.topics, topic)
		catalog.byID[id] = topic
	}
	return catalog
}

func CatalogFromTuning(entries []config.TopicTuning) *Catalog {
	topics := make([]Topic, 0, len(entries))
	for _, entry := range entries {
		topics = append(topics, Topic{
			ID:       entry.ID,
			Name:     entry.Name,
			Aliases:  entry.Aliases,
			Keywords: entry.Keywords,
			Notes:    entry.Notes,
		})
	}
	return NewCatalog(topics)
}

func (c *Catalog) Get(id string) (Topic, bool) {
	if c == nil {
		return Topic{}, false
	}
	topic, ok := c.byID[normalizeTopicID(id)]
	return topic, ok
}

// Match returns the topic whose name or alias appears as a whole phrase in the
// first text that mentions any topic. Longer phrases win within one text.
func (c *Catalog) Match(texts ...string) (Topic, bool) {
	if c == nil {
		return Topic{}, false
	}
	for _, text := range texts {
		padded := " " + strings.Join(phraseWords(text), " ") + " "
		if strings.TrimSpace(padded) == "" {
			continue
		}

		var (
			best       Topic
			bestLength int
		)
		for _, topic := range c.topics {
			for _, phrase := range append([]string{topic.Name}, topic.Aliases...) {
				words := phraseWords(phrase)
				if len(words) == 0 {
					continue
				}
				normalized := strings.Join(words, " ")
				if !strings.Contains(padded, " "+normalized+" ") {
					continue
				}
				if len(normalized) > bestLength {
					best = topic
					bestLength = len(normalized)
				}
			}
		}
		if bestLength > 0 {
			return best, true
		}
	}
	return Topic{}, false
}

// Notes returns the reference notes of every topic keyed by topic id.
func (c *Catalog) Notes() map[string][]string {
	notes := make(map[string][]string)
	if c == nil {
		return notes
	}
	for _, topic := range c.topics {
		if len(topic.Notes) > 0 {
			notes[topic.ID] = append([]string(nil), topic.Notes...)
		}
	}
	return notes
}

func (c *Catalog) IDs() []string {
	if c == nil {
		return nil
	}
	ids := make([]string, 0, len(c.topics))
	for _, topic := range c.topics {
		ids = append(ids, topic.ID)
	}
	sort.Strings(ids)
	return ids
}

func phraseWords(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalizeTopicID lowercases id and keeps letters, digits, dots and
// underscores. Other runs of characters collapse to one underscore.
func normalizeTopicID(id string) string {
	var builder strings.Builder
	pendingSeparator := false
	for _, r := range strings.ToLower(strings.TrimSpace(id)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '.':
			if pendingSeparator && builder.Len() > 0 {
				builder.WriteByte('_')
			}
			pendingSeparator = false
			builder.WriteRune(r)
		default:
			pendingSeparator = true
		}
	}
	normalized := strings.Trim(builder.String(), "._")
	if len(normalized) > 80 {
		normalized = strings.Trim(normalized[:80], "._")
	}
	return normalized
}
