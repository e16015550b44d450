package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/iago/lesson-pipeline/internal/config"
	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogMatchPrefersHintAndWholeWords(t *testing.T) {
	catalog := CatalogFromTuning(config.DefaultTuning().Topics)

	topic, ok := catalog.Match("", "How did the Roman Empire build its roads?")
	require.True(t, ok)
	assert.Equal(t, "history.roman_empire", topic.ID)

	topic, ok = catalog.Match("gravity", "how do volcanoes erupt")
	require.True(t, ok)
	assert.Equal(t, "physics.gravity", topic.ID, "hint is checked first")

	_, ok = catalog.Match("", "cellphones and batteries")
	assert.False(t, ok, "aliases only match whole words")

	topic, ok = catalog.Get(" Earth.Volcanoes ")
	require.True(t, ok)
	assert.NotEmpty(t, topic.Notes)
}

func TestCatalogNotesAndIDs(t *testing.T) {
	catalog := NewCatalog([]Topic{
		{ID: "b.topic", Notes: []string{"note"}},
		{ID: "A Topic"},
		{ID: "  "},
	})

	assert.Equal(t, []string{"a_topic", "b.topic"}, catalog.IDs())
	assert.Equal(t, map[string][]string{"b.topic": {"note"}}, catalog.Notes())
}

func TestProgressNormalisesOverPlan(t *testing.T) {
	progress := NewProgress(config.DefaultTuning().Pipeline.StageWeights)

	video := domain.Plan(domain.ModalityTextAndVideo)
	assert.Equal(t, 0, progress.Through(video, ""))
	assert.Equal(t, 10, progress.Through(video, domain.StageTopicExtraction))
	assert.Equal(t, 55, progress.Through(video, domain.StageScriptGeneration))
	assert.Equal(t, 80, progress.Through(video, domain.StageSpeechSynthesis))
	assert.Equal(t, 99, progress.Through(video, domain.StageVideoAssembly))
	assert.Equal(t, 100, progress.Through(video, domain.StagePersisted))

	textOnly := domain.Plan(domain.ModalityTextOnly)
	assert.Equal(t, 68, progress.Through(textOnly, domain.StageScriptGeneration))
	assert.Equal(t, 0, progress.Through(textOnly, domain.StageVideoAssembly))
}

func TestClampDuration(t *testing.T) {
	tuning := config.DefaultTuning().Pipeline

	assert.Equal(t, 90, ClampDuration(0, tuning))
	assert.Equal(t, 30, ClampDuration(10, tuning))
	assert.Equal(t, 120, ClampDuration(120, tuning))
	assert.Equal(t, 180, ClampDuration(1000, tuning))
	assert.Equal(t, 75, TargetWords(30, tuning.WordsPerSecond))
}

func TestPromptLibraryPrefersOverrideDirectory(t *testing.T) {
	builtin := NewPromptLibrary("")
	rendered, err := builtin.Render(scriptPromptVersion, scriptPromptData{
		TopicName:   "volcanoes",
		Query:       "how do volcanoes erupt",
		Interest:    "football",
		Style:       "standard",
		TargetWords: 200,
		Keywords:    []string{"magma", "lava"},
		Context:     "Reference context:",
	})
	require.NoError(t, err)
	assert.Contains(t, rendered, "Student interest: football")
	assert.Contains(t, rendered, "magma, lava")

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "topic_v1.tmpl"), []byte("custom {{ .Query }}"), 0o644))
	custom := NewPromptLibrary(dir)

	rendered, err = custom.Render(topicPromptVersion, map[string]any{"Query": "q"})
	require.NoError(t, err)
	assert.Equal(t, "custom q", rendered)

	rendered, err = custom.Render(scriptPromptVersion, scriptPromptData{TopicName: "gravity"})
	require.NoError(t, err)
	assert.Contains(t, rendered, "Topic: gravity")
}
