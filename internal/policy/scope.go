package policy

import (
	"errors"
	"strings"
	"unicode"
)

var ErrOutOfScope = errors.New("query is out of scope")

const maxQueryLength = 2000

type Violation struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type Evaluation struct {
	Allowed    bool        `json:"allowed"`
	Violations []Violation `json:"violations,omitempty"`
}

type ScopeViolationError struct {
	Violations []Violation
}

func (e *ScopeViolationError) Error() string {
	if len(e.Violations) == 0 {
		return ErrOutOfScope.Error()
	}
	return "query is out of scope: " + e.Violations[0].Message
}

func (e *ScopeViolationError) Unwrap() error {
	return ErrOutOfScope
}

// ScopeGuard rejects subjects the platform does not produce lessons for.
// It is a local check that runs before any external classification.
type ScopeGuard struct {
	blocked map[string]struct{}
}

func NewScopeGuard(blockedSubjects []string) *ScopeGuard {
	blocked := make(map[string]struct{}, len(blockedSubjects))
	for _, subject := range blockedSubjects {
		normalized := strings.ToLower(strings.TrimSpace(subject))
		if normalized != "" {
			blocked[normalized] = struct{}{}
		}
	}
	return &ScopeGuard{blocked: blocked}
}

func (g *ScopeGuard) Enforce(texts ...string) error {
	evaluation := g.Evaluate(texts...)
	if evaluation.Allowed {
		return nil
	}
	return &ScopeViolationError{Violations: evaluation.Violations}
}

func (g *ScopeGuard) Evaluate(texts ...string) Evaluation {
	violations := make([]Violation, 0, 2)
	for _, text := range texts {
		if len(text) > maxQueryLength {
			violations = append(violations, Violation{
				Code:    "query_too_large",
				Message: "query exceeds the supported length",
			})
			break
		}
	}

	if g != nil && len(g.blocked) > 0 {
	scan:
		for _, text := range texts {
			for _, word := range tokenize(text) {
				if _, blocked := g.blocked[word]; blocked {
					violations = append(violations, Violation{
						Code:    "blocked_subject",
						Message: "subject is not supported for lessons",
					})
					break scan
				}
			}
		}
	}

	if len(violations) == 0 {
		return Evaluation{Allowed: true}
	}
	return Evaluation{Allowed: false, Violations: violations}
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	words := make([]string, 0, len(fields)*2)
	for _, field := range fields {
		words = append(words, field)
		// plural forms match their singular entry
		if singular := strings.TrimSuffix(field, "s"); singular != field && len(singular) > 2 {
			words = append(words, singular)
		}
	}
	return words
}
