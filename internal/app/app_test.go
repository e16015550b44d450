package app

import (
	"context"
	"testing"
	"time"

	"github.com/iago/lesson-pipeline/internal/config"
	"github.com/iago/lesson-pipeline/internal/domain"
	"github.com/iago/lesson-pipeline/internal/queue"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTuningConversions(t *testing.T) {
	tuning := config.DefaultTuning()

	weights := SimilarityWeights(tuning.Similarity)
	assert.Equal(t, 50.0, weights.Topic)
	assert.Equal(t, 30*24*time.Hour, weights.FreshnessWindow)

	screen := ScreenerConfig(tuning.Screener)
	assert.Equal(t, tuning.Screener.VaguePrefixes, screen.VaguePrefixes)

	workerCfg := WorkerConfig(tuning.Worker, zerolog.Nop())
	assert.Equal(t, 8, workerCfg.BatchSize)
	assert.Equal(t, 4, workerCfg.PoolSize)
	assert.Equal(t, 5*time.Second, workerCfg.LeaseWait)

	registry := BreakerRegistry(tuning.Breaker, zerolog.Nop())
	assert.Equal(t, "text_generation", registry.Snapshot("text_generation").Service)
}

func TestBuildWithLocalBackends(t *testing.T) {
	cfg := config.Config{
		AppEnv:             "test",
		QueueBackend:       "local",
		QueueMaxDeliveries: 3,
		ObjectStore:        "filesystem",
		StoragePath:        t.TempDir(),
		TextProvider:       "openrouter",
	}

	components, err := Build(context.Background(), cfg, config.DefaultTuning(), zerolog.Nop())
	require.NoError(t, err)
	defer components.Close()

	require.NotNil(t, components.Orchestrator)
	_, isLocal := components.Consumer.(*queue.LocalQueue)
	assert.True(t, isLocal)
	_, ok := components.Catalog.Get("earth.volcanoes")
	assert.True(t, ok)

	require.NoError(t, components.Producer.Enqueue(context.Background(), domain.QueueMessage{
		RequestID: "not-a-uuid",
		Modality:  domain.ModalityTextOnly,
	}))
	stats := components.Worker().Run(context.Background(), 5*time.Second, 50*time.Millisecond)
	assert.Equal(t, 1, stats.Dropped)
}
