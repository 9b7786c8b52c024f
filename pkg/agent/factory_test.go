package agent

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarlab/paperflow/pkg/config"
	"github.com/scholarlab/paperflow/pkg/llm"
	"github.com/scholarlab/paperflow/pkg/models"
)

func testConfig(fallbackEnabled bool) *config.Config {
	providers := map[string]*config.ProviderConfig{
		"openai": {Enabled: true, Type: config.ProviderOpenAI, Model: "gpt-4o-mini"},
		"local":  {Enabled: true, Type: config.ProviderOllama, Model: "llama3"},
	}
	stageProviders := make(map[string]string, len(models.AllStageKinds))
	for _, kind := range models.AllStageKinds {
		stageProviders[string(kind)] = "openai"
	}
	return &config.Config{
		Providers:      config.NewProviderRegistry(providers),
		RateLimits:     map[string]*config.RateLimitConfig{},
		Breakers:       map[string]*config.BreakerConfig{},
		Retry:          &config.RetryConfig{MaxAttempts: 3, BaseDelayMs: 1, Multiplier: 2},
		Fallback:       &config.FallbackConfig{Enabled: fallbackEnabled, LocalContentCap: 8000},
		Pipeline:       &config.PipelineConfig{DefaultDeadlineMs: 60000, DefaultStageBudgetMs: 30000, QualityFloor: 0.5},
		StageProviders: stageProviders,
	}
}

func testProviders() map[string]llm.Provider {
	return map[string]llm.Provider{
		"openai": &scriptedProvider{name: "openai", fn: goodSummary},
		"local":  &scriptedProvider{name: "local", fn: goodSummary},
	}
}

func TestBuildSet_AgentPerStage(t *testing.T) {
	set, err := BuildSet(Deps{
		Config:    testConfig(false),
		Providers: testProviders(),
		Tasks:     newFakeTasks(),
		Memos:     newFakeMemos(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	for _, kind := range models.AllStageKinds {
		a, ok := set.Get(kind)
		require.True(t, ok, "no agent for %s", kind)
		assert.Equal(t, kind, a.Kind())
	}
	assert.False(t, set.HasFallback(models.StageSummarizer))
}

func TestBuildSet_FallbackCoverage(t *testing.T) {
	set, err := BuildSet(Deps{
		Config:    testConfig(true),
		Providers: testProviders(),
		Tasks:     newFakeTasks(),
		Memos:     newFakeMemos(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)

	for kind := range fallbackEligible {
		assert.True(t, set.HasFallback(kind), "missing fallback for %s", kind)
	}
	// Discoverer depends on external catalogs; no local path exists.
	assert.False(t, set.HasFallback(models.StageDiscoverer))
}

func TestBuildSet_MissingStageProvider(t *testing.T) {
	cfg := testConfig(false)
	delete(cfg.StageProviders, string(models.StageDiscoverer))

	_, err := BuildSet(Deps{
		Config:    cfg,
		Providers: testProviders(),
		Tasks:     newFakeTasks(),
		Memos:     newFakeMemos(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	assert.Error(t, err)
}
