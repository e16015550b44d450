package quality

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/iago/lesson-pipeline/internal/policy"
)

var ErrQualityRejected = errors.New("output failed quality checks")

const (
	minScriptScore  = 0.50
	maxSections     = 8
	maxKeywords     = 12
	maxTitleLen     = 120
	maxHeadingLen   = 90
	maxNarrationLen = 1800
)

type ScriptSection struct {
	Heading   string `json:"heading"`
	Narration string `json:"narration"`
}

// Script is a validated lesson script as stored in the object store.
type Script struct {
	Title        string          `json:"title"`
	Sections     []ScriptSection `json:"sections"`
	Keywords     []string        `json:"keywords"`
	WordCount    int             `json:"word_count"`
	QualityScore float64         `json:"quality_score"`
	ModelID      string          `json:"model_id,omitempty"`
}

// Narration joins the section narration into the text read aloud.
func (s Script) Narration() string {
	parts := make([]string, 0, len(s.Sections))
	for _, section := range s.Sections {
		parts = append(parts, section.Narration)
	}
	return strings.Join(parts, "\n\n")
}

type ScriptValidationInput struct {
	Body json.RawMessage
	// TargetWords is the word count implied by the requested duration.
	TargetWords int
}

type ScriptValidationResult struct {
	Script    Script
	Score     float64
	Corrected bool
}

type ScriptValidator struct{}

func NewScriptValidator() *ScriptValidator {
	return &ScriptValidator{}
}

func (v *ScriptValidator) ValidateScript(input ScriptValidationInput) (ScriptValidationResult, error) {
	var payload struct {
		Title    string          `json:"title"`
		Sections []ScriptSection `json:"sections"`
		Keywords []string        `json:"keywords"`
	}
	if err := json.Unmarshal(input.Body, &payload); err != nil {
		return ScriptValidationResult{}, fmt.Errorf("%w: decode script payload: %v", ErrQualityRejected, err)
	}

	corrected := false
	penalty := 0.0

	title := normalizeText(policy.MaskPII(payload.Title))
	if title == "" {
		title = "Your lesson"
		corrected = true
		penalty += 0.05
	}
	if len(title) > maxTitleLen {
		title = truncateAtWord(title, maxTitleLen)
		corrected = true
		penalty += 0.02
	}

	sections := make([]ScriptSection, 0, len(payload.Sections))
	words := 0
	for _, section := range payload.Sections {
		heading := normalizeText(policy.MaskPII(section.Heading))
		narration := normalizeText(section.Narration)
		if masked := policy.MaskPII(narration); masked != narration {
			narration = masked
			corrected = true
			penalty += 0.05
		}
		if narration == "" {
			corrected = true
			penalty += 0.05
			continue
		}
		if heading == "" {
			heading = fmt.Sprintf("Part %d", len(sections)+1)
			corrected = true
		}
		if len(heading) > maxHeadingLen {
			heading = truncateAtWord(heading, maxHeadingLen)
			corrected = true
			penalty += 0.02
		}
		if len(narration) > maxNarrationLen {
			narration = truncateAtWord(narration, maxNarrationLen)
			corrected = true
			penalty += 0.05
		}
		if !hasTerminalPunctuation(narration) {
			narration += "."
			corrected = true
		}
		sections = append(sections, ScriptSection{Heading: heading, Narration: narration})
		words += len(strings.Fields(narration))
		if len(sections) >= maxSections {
			break
		}
	}

	if len(sections) == 0 {
		return ScriptValidationResult{}, fmt.Errorf("%w: script sections are empty", ErrQualityRejected)
	}
	if len(sections) < 2 {
		penalty += 0.12
	}
	if input.TargetWords > 0 {
		switch {
		case words < input.TargetWords/3:
			penalty += 0.40
		case words < input.TargetWords/2:
			penalty += 0.15
		case words > input.TargetWords*2:
			penalty += 0.10
		}
	}

	keywords := make([]string, 0, len(payload.Keywords))
	seen := make(map[string]struct{}, len(payload.Keywords))
	for _, keyword := range payload.Keywords {
		normalized := strings.ToLower(normalizeText(keyword))
		if normalized == "" || len(normalized) > 40 {
			continue
		}
		if _, exists := seen[normalized]; exists {
			continue
		}
		seen[normalized] = struct{}{}
		keywords = append(keywords, normalized)
		if len(keywords) >= maxKeywords {
			break
		}
	}

	score := clamp01(1.0 - penalty)
	if score < minScriptScore {
		return ScriptValidationResult{}, fmt.Errorf("%w: low script quality score %.2f", ErrQualityRejected, score)
	}

	return ScriptValidationResult{
		Script: Script{
			Title:        title,
			Sections:     sections,
			Keywords:     keywords,
			WordCount:    words,
			QualityScore: round2(score),
		},
		Score:     round2(score),
		Corrected: corrected,
	}, nil
}

func normalizeText(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	parts := strings.Fields(trimmed)
	return strings.Join(parts, " ")
}

func truncateAtWord(value string, maxLen int) string {
	if len(value) <= maxLen || maxLen <= 0 {
		return value
	}
	cut := value[:maxLen]
	lastSpace := strings.LastIndex(cut, " ")
	if lastSpace > maxLen/2 {
		cut = cut[:lastSpace]
	}
	return strings.TrimSpace(cut)
}

func hasTerminalPunctuation(value string) bool {
	if value == "" {
		return false
	}
	last := value[len(value)-1]
	return last == '.' || last == '!' || last == '?'
}

func clamp01(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
