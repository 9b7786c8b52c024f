package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarlab/paperflow/pkg/agent"
	"github.com/scholarlab/paperflow/pkg/collab"
	"github.com/scholarlab/paperflow/pkg/config"
	"github.com/scholarlab/paperflow/pkg/llm"
	"github.com/scholarlab/paperflow/pkg/models"
	"github.com/scholarlab/paperflow/pkg/store"
)

// memTasks is an in-memory task log mirroring the store's transition
// semantics, usable both by the orchestrator and by the agents.
type memTasks struct {
	mu    sync.Mutex
	tasks map[string]*models.AgentTask
}

func newMemTasks() *memTasks {
	return &memTasks{tasks: make(map[string]*models.AgentTask)}
}

func (m *memTasks) Create(_ context.Context, task *models.AgentTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; ok {
		return fmt.Errorf("%w: %s", store.ErrDuplicateID, task.ID)
	}
	cp := *task
	cp.Status = models.TaskStatusPending
	m.tasks[task.ID] = &cp
	return nil
}

func (m *memTasks) Get(_ context.Context, id string) (*models.AgentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	cp := *t
	return &cp, nil
}

func (m *memTasks) MarkRunning(_ context.Context, id string, startedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	if t.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", store.ErrIllegalTransition, id, t.Status)
	}
	t.Status = models.TaskStatusRunning
	if t.StartedAt == nil || startedAt.Before(*t.StartedAt) {
		t.StartedAt = &startedAt
	}
	return nil
}

func (m *memTasks) Settle(_ context.Context, id string, status models.TaskStatus, result json.RawMessage, errText string, completedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrTaskNotFound, id)
	}
	if t.Status.IsTerminal() {
		if t.Status == status && t.Error == errText {
			return nil
		}
		return fmt.Errorf("%w: %s already %s", store.ErrIllegalTransition, id, t.Status)
	}
	t.Status = status
	t.Result = result
	t.Error = errText
	t.CompletedAt = &completedAt
	return nil
}

func (m *memTasks) ListByPrefix(_ context.Context, prefix string) ([]*models.AgentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AgentTask
	for id, t := range m.tasks {
		if strings.HasPrefix(id, prefix) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memTasks) ListByUser(_ context.Context, userID string, limit int) ([]*models.AgentTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AgentTask
	for _, t := range m.tasks {
		if t.UserID == userID {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memTasks) task(t *testing.T, id string) *models.AgentTask {
	t.Helper()
	task, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

// memMemos is an in-memory memo bank with pruning.
type memMemos struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
}

func newMemMemos() *memMemos {
	return &memMemos{entries: make(map[string]json.RawMessage)}
}

func (m *memMemos) Get(_ context.Context, key string) (*models.MemoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrMemoNotFound, key)
	}
	return &models.MemoryEntry{Key: key, Data: data}, nil
}

func (m *memMemos) Put(_ context.Context, key string, data json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = data
	return nil
}

func (m *memMemos) Prune(context.Context, time.Duration) (int, error) { return 0, nil }

// unionResponse answers every stage's schema at once: each decoder picks
// out the fields it knows.
const unionResponse = `{
	"text": "Extracted paper text about optimization methods.",
	"sections": ["Introduction"],
	"title": "A Study of Optimization",
	"authors": ["Ada Lovelace"],
	"year": 2024,
	"brief": "short",
	"standard": "a standard length summary paragraph",
	"detailed": "a much longer detailed summary covering methods, results and conclusions of the paper",
	"explanations": {"gradient descent": "an optimization method that follows the slope"},
	"score": 0.9,
	"issues": [],
	"citations": [{"authors": ["Ada Lovelace"], "title": "Prior Work", "year": 2020}],
	"papers": [{"title": "Related Study", "relationship": "semantic", "relevance": 0.8}]
}`

// stageProvider answers unionResponse, optionally failing calls whose
// system prompt contains failOn with failErr.
type stageProvider struct {
	name    string
	failOn  string
	failErr error

	mu    sync.Mutex
	calls int
}

func (p *stageProvider) Name() string { return p.name }

func (p *stageProvider) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.failOn != "" && strings.Contains(req.System, p.failOn) {
		return nil, p.failErr
	}
	return &llm.Response{Text: unionResponse, Model: "test"}, nil
}

func (p *stageProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// blockingProvider parks every call until its context dies.
type blockingProvider struct{ name string }

func (p *blockingProvider) Name() string { return p.name }

func (p *blockingProvider) Complete(ctx context.Context, _ llm.Request) (*llm.Response, error) {
	<-ctx.Done()
	return nil, llm.NewError(models.ErrKindProviderTransient, ctx.Err())
}

func pipelineConfig(fallbackEnabled bool) *config.Config {
	providers := map[string]*config.ProviderConfig{
		"primary": {Enabled: true, Type: config.ProviderOpenAI, Model: "gpt-4o-mini"},
		"local":   {Enabled: true, Type: config.ProviderOllama, Model: "llama3"},
	}
	stageProviders := make(map[string]string, len(models.AllStageKinds))
	for _, kind := range models.AllStageKinds {
		stageProviders[string(kind)] = "primary"
	}
	fast := &config.RateLimitConfig{Capacity: 100, RefillPerSec: 10000, MaxWaiters: 100}
	return &config.Config{
		Providers:  config.NewProviderRegistry(providers),
		RateLimits: map[string]*config.RateLimitConfig{"primary": fast, "local": fast},
		Breakers:   map[string]*config.BreakerConfig{},
		Retry:      &config.RetryConfig{MaxAttempts: 3, BaseDelayMs: 1, Multiplier: 2},
		Fallback:   &config.FallbackConfig{Enabled: fallbackEnabled, LocalContentCap: 8000},
		Pipeline: &config.PipelineConfig{
			DefaultDeadlineMs:    60_000,
			DefaultStageBudgetMs: 30_000,
			QualityFloor:         0.5,
			MemoryRetentionMs:    3_600_000,
			MaxConcurrent:        4,
		},
		StageProviders: stageProviders,
	}
}

type fixture struct {
	cfg     *config.Config
	orch    *Orchestrator
	core    *Core
	tasks   *memTasks
	memos   *memMemos
	papers  *collab.InMemoryPaperStore
	credits *collab.InMemoryCreditLedger
	primary llm.Provider
	local   llm.Provider
}

type fixtureOpt func(*fixture)

func withPrimary(p llm.Provider) fixtureOpt { return func(f *fixture) { f.primary = p } }
func withFallback() fixtureOpt              { return func(f *fixture) { f.cfg = pipelineConfig(true) } }

func newFixture(t *testing.T, opts ...fixtureOpt) *fixture {
	t.Helper()
	f := &fixture{
		cfg:     pipelineConfig(false),
		tasks:   newMemTasks(),
		memos:   newMemMemos(),
		papers:  collab.NewInMemoryPaperStore(),
		credits: collab.NewInMemoryCreditLedger(),
		primary: &stageProvider{name: "primary"},
		local:   &stageProvider{name: "local"},
	}
	for _, opt := range opts {
		opt(f)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	set, err := agent.BuildSet(agent.Deps{
		Config:    f.cfg,
		Providers: map[string]llm.Provider{"primary": f.primary, "local": f.local},
		Tasks:     f.tasks,
		Memos:     f.memos,
		Logger:    logger,
	})
	require.NoError(t, err)

	f.papers.AddPaper("paper-1", []byte("raw paper content about optimization"))
	f.credits.Grant("user-1", 100)

	f.orch = NewOrchestrator(set, f.tasks, f.papers, f.credits, nil,
		f.cfg.Pipeline.StageBudget(), logger)
	f.core = NewCore(f.cfg, f.orch, f.tasks, f.memos, logger)
	return f
}

func (f *fixture) request(stages ...models.StageKind) *models.PipelineRequest {
	return &models.PipelineRequest{
		ID:        "req-" + string(stages[0]),
		PaperID:   "paper-1",
		UserID:    "user-1",
		Stages:    stages,
		CreatedAt: time.Now().UTC(),
	}
}

func TestOrchestrator_HappyPath(t *testing.T) {
	f := newFixture(t)
	req := f.request(models.AllStageKinds...)

	result := f.orch.Run(context.Background(), req)

	require.True(t, result.Success)
	require.Len(t, result.Stages, 7)
	for kind, res := range result.Stages {
		assert.True(t, res.Success, "stage %s failed: %v", kind, res.Err)
		assert.False(t, res.UsedFallback)
		task := f.tasks.task(t, taskID(req.ID, kind))
		assert.Equal(t, models.TaskStatusCompleted, task.Status)
	}

	// One persisted artifact per stage, one credit charged per stage.
	assert.Equal(t, 7, f.papers.SaveCount())
	assert.Equal(t, 93, f.credits.Balance("user-1"))
}

func TestOrchestrator_ImplicitDependencies(t *testing.T) {
	f := newFixture(t)
	req := f.request(models.StageSummarizer)

	result := f.orch.Run(context.Background(), req)

	require.True(t, result.Success)
	// The extractor and enhancer ran to feed the summarizer.
	assert.Len(t, result.Stages, 3)
	assert.Contains(t, result.Stages, models.StageTextExtractor)
	assert.Contains(t, result.Stages, models.StageMetadataEnhancer)
}

func TestOrchestrator_UpstreamFailurePropagates(t *testing.T) {
	failing := &stageProvider{
		name:    "primary",
		failOn:  "summarizer",
		failErr: llm.NewError(models.ErrKindInvalidRequest, fmt.Errorf("bad request")),
	}
	f := newFixture(t, withPrimary(failing))
	req := f.request(models.StageSummarizer, models.StageConceptExplainer, models.StageQualityChecker)

	result := f.orch.Run(context.Background(), req)

	require.False(t, result.Success)
	assert.True(t, result.Stages[models.StageTextExtractor].Success)
	assert.False(t, result.Stages[models.StageSummarizer].Success)

	for _, kind := range []models.StageKind{models.StageConceptExplainer, models.StageQualityChecker} {
		res := result.Stages[kind]
		require.False(t, res.Success)
		assert.Equal(t, models.ErrKindUpstreamFailed, res.Err.Kind)
		task := f.tasks.task(t, taskID(req.ID, kind))
		assert.Equal(t, models.TaskStatusFailed, task.Status)
		assert.Contains(t, task.Error, "upstream-failed")
	}

	// Only the two successful stages were charged; failed and skipped
	// stages released (or never held) their reservation.
	assert.Equal(t, 98, f.credits.Balance("user-1"))
}

func TestOrchestrator_FallbackServesStage(t *testing.T) {
	failing := &stageProvider{
		name:    "primary",
		failOn:  "summarizer",
		failErr: llm.NewError(models.ErrKindProviderTransient, fmt.Errorf("upstream 503")),
	}
	f := newFixture(t, withFallback(), withPrimary(failing))
	req := f.request(models.StageSummarizer)

	result := f.orch.Run(context.Background(), req)

	require.True(t, result.Success)
	res := result.Stages[models.StageSummarizer]
	assert.True(t, res.UsedFallback)
	assert.Equal(t, models.ErrKindProviderTransient, res.PrimaryFailureReason)
	assert.NotEmpty(t, res.ProcessingNote)

	// The degraded result still persists and commits its credit.
	_, saved := f.papers.SavedResult("paper-1", models.StageSummarizer)
	assert.True(t, saved)
	assert.Equal(t, 97, f.credits.Balance("user-1"))
}

func TestOrchestrator_MemoizedSecondRun(t *testing.T) {
	f := newFixture(t)
	provider := f.primary.(*stageProvider)

	first := f.request(models.StageSummarizer)
	require.True(t, f.orch.Run(context.Background(), first).Success)
	callsAfterFirst := provider.callCount()

	second := f.request(models.StageSummarizer)
	second.ID = "req-second"
	result := f.orch.Run(context.Background(), second)

	require.True(t, result.Success)
	// Same paper, same stages: every stage served from memory.
	assert.Equal(t, callsAfterFirst, provider.callCount())
	task := f.tasks.task(t, taskID(second.ID, models.StageSummarizer))
	assert.Equal(t, models.TaskStatusCompleted, task.Status)
}

func TestOrchestrator_InsufficientCredits(t *testing.T) {
	f := newFixture(t)
	f.credits.Grant("user-2", 1)
	req := f.request(models.StageSummarizer)
	req.UserID = "user-2"

	result := f.orch.Run(context.Background(), req)

	// One of the three planned stages ran on the single credit; the rest
	// failed at reservation or upstream.
	require.False(t, result.Success)
	assert.Equal(t, 0, f.credits.Balance("user-2"))
}

func TestOrchestrator_MissingPaper(t *testing.T) {
	f := newFixture(t)
	req := f.request(models.StageTextExtractor)
	req.PaperID = "no-such-paper"

	result := f.orch.Run(context.Background(), req)

	require.False(t, result.Success)
	res := result.Stages[models.StageTextExtractor]
	assert.Equal(t, models.ErrKindInvalidInput, res.Err.Kind)
	task := f.tasks.task(t, taskID(req.ID, models.StageTextExtractor))
	assert.Equal(t, models.TaskStatusFailed, task.Status)
}
