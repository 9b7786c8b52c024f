package agent

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/scholarlab/paperflow/pkg/config"
	"github.com/scholarlab/paperflow/pkg/llm"
	"github.com/scholarlab/paperflow/pkg/models"
	"github.com/scholarlab/paperflow/pkg/resilience"
)

// Deps carries everything the agent set is built from.
type Deps struct {
	Config    *config.Config
	Providers map[string]llm.Provider
	Tasks     TaskRecorder
	Memos     MemoBank
	Resolver  IdentifierResolver
	Logger    *slog.Logger
}

// Set holds the constructed agent per stage kind, sharing per-provider
// limiter and breaker state across all agents and requests.
type Set struct {
	agents    map[models.StageKind]Agent
	fallbacks *FallbackRegistry
}

// BuildSet constructs the full agent set from configuration: one limiter,
// breaker and executor per enabled provider, one agent per stage kind,
// and the fallback registry when a local provider is configured.
func BuildSet(deps Deps) (*Set, error) {
	cfg := deps.Config

	executors := make(map[string]*Executor, len(deps.Providers))
	for name, provider := range deps.Providers {
		pcfg, err := cfg.GetProvider(name)
		if err != nil {
			return nil, err
		}
		rl := cfg.RateLimit(name)
		executors[name] = NewExecutor(
			provider,
			resilience.NewLimiter(name, rl.Capacity, rl.RefillPerSec, rl.MaxWaiters),
			newBreaker(name, cfg.Breaker(name)),
			pcfg.Timeout(),
		)
	}

	registry := NewFallbackRegistry()
	if cfg.Fallback.Enabled {
		if err := registerFallbacks(cfg, deps.Providers, executors, registry); err != nil {
			return nil, err
		}
	}

	retry := resilience.RetryPolicy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   time.Duration(cfg.Retry.BaseDelayMs) * time.Millisecond,
		Multiplier:  cfg.Retry.Multiplier,
		Jitter:      cfg.Retry.JitterFraction,
	}

	specs := map[models.StageKind]StageSpec{
		models.StageTextExtractor:     ExtractorSpec(),
		models.StageMetadataEnhancer:  EnhancerSpec(deps.Resolver, deps.Logger),
		models.StageSummarizer:        SummarizerSpec(),
		models.StageConceptExplainer:  ExplainerSpec(),
		models.StageQualityChecker:    QualitySpec(cfg.Pipeline.QualityFloor, deps.Logger),
		models.StageCitationFormatter: FormatterSpec(),
		models.StageDiscoverer:        DiscovererSpec(),
	}

	agents := make(map[models.StageKind]Agent, len(specs))
	for kind, spec := range specs {
		providerName, ok := cfg.StageProviders[string(kind)]
		if !ok {
			return nil, fmt.Errorf("no provider mapped for stage %s", kind)
		}
		exec, ok := executors[providerName]
		if !ok {
			return nil, fmt.Errorf("stage %s maps to provider %s, which is not built", kind, providerName)
		}
		agents[kind] = NewBaseAgent(spec, exec, registry, retry, deps.Tasks, deps.Memos, deps.Logger)
	}

	deps.Logger.Info("agent set built",
		"agents", len(agents),
		"providers", len(executors),
		"fallbacks", registry.Len())
	return &Set{agents: agents, fallbacks: registry}, nil
}

// registerFallbacks wires the local degraded path for every eligible
// stage. The fallback executor shares the local provider's limiter and
// breaker with any agent using it as primary.
func registerFallbacks(cfg *config.Config, providers map[string]llm.Provider, executors map[string]*Executor, registry *FallbackRegistry) error {
	localName := ""
	for name, pcfg := range cfg.Providers.GetAll() {
		if pcfg.Enabled && pcfg.Type == config.ProviderOllama {
			localName = name
			break
		}
	}
	if localName == "" {
		return fmt.Errorf("fallback enabled but no local provider configured: %w", config.ErrNoLocalProvider)
	}
	if _, ok := providers[localName]; !ok {
		return fmt.Errorf("local provider %s not built", localName)
	}

	exec := executors[localName].WithDegradation(cfg.Fallback.LocalContentCap, degradedNote)
	for kind := range fallbackEligible {
		if err := registry.Register(kind, exec); err != nil {
			return err
		}
	}
	return nil
}

func newBreaker(name string, b *config.BreakerConfig) *resilience.Breaker {
	return resilience.NewBreaker(name, resilience.BreakerOpts{
		WindowSize:       b.WindowSize,
		FailureThreshold: b.FailureThreshold,
		CoolDown:         time.Duration(b.CoolDownMs) * time.Millisecond,
		CoolDownCeil:     time.Duration(b.CoolDownCeilMs) * time.Millisecond,
		HalfOpenProbes:   b.HalfOpenProbes,
	})
}

// Get returns the agent for a stage kind.
func (s *Set) Get(kind models.StageKind) (Agent, bool) {
	a, ok := s.agents[kind]
	return a, ok
}

// HasFallback reports whether a stage has a registered degraded path.
func (s *Set) HasFallback(kind models.StageKind) bool {
	return s.fallbacks.Lookup(kind) != nil
}
