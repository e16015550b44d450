// Package screener decides, without any I/O, whether a learning query is
// specific enough to start generation or needs clarifying questions first.
package screener

import (
	"strings"
	"unicode"
)

type Verdict string

const (
	VerdictSpecific           Verdict = "specific"
	VerdictNeedsClarification Verdict = "needs_clarification"
)

// Result is the screening outcome. Questions holds exactly three entries
// when the verdict is VerdictNeedsClarification.
type Result struct {
	Verdict   Verdict
	Questions []string
	Reason    string
}

func (r Result) NeedsClarification() bool {
	return r.Verdict == VerdictNeedsClarification
}

type Config struct {
	MinInformativeWords int
	VaguePrefixes       []string
	QualifierWords      []string
	BroadenQuestion     string
	NarrowQuestion      string
	SpecificityQuestion string
}

type Screener struct {
	minInformative int
	prefixes       [][]string
	qualifiers     map[string]struct{}
	questions      [3]string
}

const subjectPlaceholder = "{{subject}}"

func New(cfg Config) *Screener {
	if cfg.MinInformativeWords <= 0 {
		cfg.MinInformativeWords = 3
	}
	if cfg.BroadenQuestion == "" {
		cfg.BroadenQuestion = "Would you like a broad overview of " + subjectPlaceholder + "?"
	}
	if cfg.NarrowQuestion == "" {
		cfg.NarrowQuestion = "Which part of " + subjectPlaceholder + " should the lesson focus on?"
	}
	if cfg.SpecificityQuestion == "" {
		cfg.SpecificityQuestion = "What exactly do you want to understand about " + subjectPlaceholder + "?"
	}

	prefixes := make([][]string, 0, len(cfg.VaguePrefixes))
	for _, prefix := range cfg.VaguePrefixes {
		if words := words(prefix); len(words) > 0 {
			prefixes = append(prefixes, words)
		}
	}
	// longest prefix first so "tell me about" wins over "tell me"
	for i := 1; i < len(prefixes); i++ {
		for j := i; j > 0 && len(prefixes[j]) > len(prefixes[j-1]); j-- {
			prefixes[j], prefixes[j-1] = prefixes[j-1], prefixes[j]
		}
	}

	qualifiers := make(map[string]struct{}, len(cfg.QualifierWords))
	for _, word := range cfg.QualifierWords {
		qualifiers[strings.ToLower(strings.TrimSpace(word))] = struct{}{}
	}

	return &Screener{
		minInformative: cfg.MinInformativeWords,
		prefixes:       prefixes,
		qualifiers:     qualifiers,
		questions:      [3]string{cfg.BroadenQuestion, cfg.NarrowQuestion, cfg.SpecificityQuestion},
	}
}

// Screen never fails: any internal panic is reported as specific so the
// student is not blocked by the screener itself.
func (s *Screener) Screen(query string) (result Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			result = Result{Verdict: VerdictSpecific, Reason: "screener_error"}
		}
	}()

	tokens := words(query)
	informative := s.informativeWords(tokens)

	switch {
	case len(tokens) == 0:
		return s.clarify(informative, "empty_query")
	case len(tokens) == 1:
		return s.clarify(informative, "single_word")
	}

	rest, matched := s.stripVaguePrefix(tokens)
	if matched && !s.hasQualifier(rest) && len(rest) <= 3 {
		return s.clarify(informative, "vague_template")
	}
	if len(informative) < s.minInformative && !s.hasQualifier(tokens) {
		return s.clarify(informative, "bare_topic")
	}
	if len(informative) < s.minInformative-1 {
		return s.clarify(informative, "too_few_informative_words")
	}
	return Result{Verdict: VerdictSpecific}
}

func (s *Screener) clarify(informative []string, reason string) Result {
	subject := "this topic"
	if len(informative) > 0 {
		subject = strings.Join(informative, " ")
	}
	questions := make([]string, 0, len(s.questions))
	for _, template := range s.questions {
		questions = append(questions, strings.ReplaceAll(template, subjectPlaceholder, subject))
	}
	return Result{Verdict: VerdictNeedsClarification, Questions: questions, Reason: reason}
}

func (s *Screener) stripVaguePrefix(tokens []string) ([]string, bool) {
	for _, prefix := range s.prefixes {
		if len(tokens) < len(prefix) {
			continue
		}
		matched := true
		for i, word := range prefix {
			if tokens[i] != word {
				matched = false
				break
			}
		}
		if matched {
			return tokens[len(prefix):], true
		}
	}
	return tokens, false
}

func (s *Screener) hasQualifier(tokens []string) bool {
	for _, token := range tokens {
		if _, ok := s.qualifiers[token]; ok {
			return true
		}
	}
	return false
}

func (s *Screener) informativeWords(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if len(token) < 3 {
			continue
		}
		if _, stop := stopWords[token]; stop {
			continue
		}
		if _, qualifier := s.qualifiers[token]; qualifier {
			continue
		}
		out = append(out, token)
	}
	return out
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}

var stopWords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "about": {}, "tell": {}, "explain": {},
	"what": {}, "are": {}, "was": {}, "were": {}, "describe": {}, "teach": {},
	"learn": {}, "want": {}, "know": {}, "some": {}, "something": {}, "stuff": {},
	"things": {}, "thing": {}, "please": {}, "can": {}, "you": {}, "your": {},
	"with": {}, "this": {}, "that": {}, "these": {}, "those": {}, "from": {},
	"into": {}, "talk": {}, "give": {}, "show": {}, "lesson": {}, "video": {},
	"more": {}, "info": {}, "information": {}, "basics": {}, "does": {}, "did": {},
	"have": {}, "has": {}, "its": {}, "it's": {}, "who": {}, "all": {}, "any": {},
}
