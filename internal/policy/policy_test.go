package policy

import (
	"errors"
	"strings"
	"testing"
)

func TestScopeGuardBlocksSubject(t *testing.T) {
	guard := NewScopeGuard([]string{"weapon", "casino"})

	err := guard.Enforce("how do I build weapons at home")
	if err == nil {
		t.Fatalf("expected blocked subject to be rejected")
	}
	if !errors.Is(err, ErrOutOfScope) {
		t.Fatalf("expected ErrOutOfScope, got %v", err)
	}
}

func TestScopeGuardAllowsLearningQuery(t *testing.T) {
	guard := NewScopeGuard([]string{"weapon"})
	if err := guard.Enforce("explain how photosynthesis converts sunlight into energy"); err != nil {
		t.Fatalf("expected query to be allowed, got %v", err)
	}
}

func TestScopeGuardRejectsOversizedQuery(t *testing.T) {
	guard := NewScopeGuard(nil)
	evaluation := guard.Evaluate(strings.Repeat("a", maxQueryLength+1))
	if evaluation.Allowed {
		t.Fatalf("expected oversized query to be rejected")
	}
	if evaluation.Violations[0].Code != "query_too_large" {
		t.Fatalf("unexpected violation %+v", evaluation.Violations)
	}
}

func TestMaskPIIMasksCommonPatterns(t *testing.T) {
	masked := MaskPII("mail me at student@example.com or +1 415 555 0100, card 4111 1111 1111 1111")

	if strings.Contains(masked, "student@example.com") {
		t.Fatalf("expected email to be masked: %s", masked)
	}
	if strings.Contains(masked, "555 0100") {
		t.Fatalf("expected phone to be masked: %s", masked)
	}
	if strings.Contains(masked, "4111 1111 1111 1111") {
		t.Fatalf("expected card to be masked: %s", masked)
	}
}
