package screener

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestScreener() *Screener {
	return New(Config{
		MinInformativeWords: 3,
		VaguePrefixes:       []string{"tell me", "tell me about", "explain", "what is", "describe"},
		QualifierWords:      []string{"how", "why", "when", "which", "between", "versus"},
		BroadenQuestion:     "Overview of {{subject}}?",
		NarrowQuestion:      "Which part of {{subject}}?",
		SpecificityQuestion: "What exactly about {{subject}}?",
	})
}

func TestScreenVagueTemplate(t *testing.T) {
	result := newTestScreener().Screen("tell me about science")

	require.True(t, result.NeedsClarification())
	require.Len(t, result.Questions, 3)
	assert.Equal(t, "Overview of science?", result.Questions[0])
	assert.Equal(t, "Which part of science?", result.Questions[1])
	assert.Equal(t, "What exactly about science?", result.Questions[2])
	assert.Equal(t, "vague_template", result.Reason)
}

func TestScreenSpecificQuery(t *testing.T) {
	result := newTestScreener().Screen("explain how photosynthesis converts sunlight into chemical energy in plant cells")

	assert.Equal(t, VerdictSpecific, result.Verdict)
	assert.Empty(t, result.Questions)
}

func TestScreenCases(t *testing.T) {
	cases := []struct {
		query string
		want  Verdict
	}{
		{query: "", want: VerdictNeedsClarification},
		{query: "   ?!  ", want: VerdictNeedsClarification},
		{query: "volcanoes", want: VerdictNeedsClarification},
		{query: "roman empire", want: VerdictNeedsClarification},
		{query: "Explain fractions", want: VerdictNeedsClarification},
		{query: "what is gravity", want: VerdictNeedsClarification},
		{query: "why is the sky blue", want: VerdictSpecific},
		{query: "compare mitosis and meiosis stages in animal cells", want: VerdictSpecific},
		{query: "how did the roman senate lose power to the emperors", want: VerdictSpecific},
	}

	screener := newTestScreener()
	for _, tc := range cases {
		result := screener.Screen(tc.query)
		assert.Equal(t, tc.want, result.Verdict, tc.query)
		if result.NeedsClarification() {
			assert.Len(t, result.Questions, 3, tc.query)
		}
	}
}

func TestScreenUsesFallbackSubject(t *testing.T) {
	result := newTestScreener().Screen("tell me")
	require.True(t, result.NeedsClarification())
	assert.Equal(t, "Overview of this topic?", result.Questions[0])
}

func TestScreenDefaultsProduceThreeQuestions(t *testing.T) {
	result := New(Config{}).Screen("dinosaurs")
	require.True(t, result.NeedsClarification())
	assert.Len(t, result.Questions, 3)
}

func TestScreenIsFast(t *testing.T) {
	screener := newTestScreener()
	start := time.Now()
	for i := 0; i < 1000; i++ {
		screener.Screen("explain how photosynthesis converts sunlight into chemical energy in plant cells")
	}
	perCall := time.Since(start) / 1000
	assert.True(t, perCall < 50*time.Millisecond, "screen took %s per call", perCall)
}
