package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"

	"github.com/scholarlab/paperflow/pkg/config"
	"github.com/scholarlab/paperflow/pkg/models"
)

// Core sentinel errors.
var (
	// ErrRequestNotFound indicates an unknown pipeline request id.
	ErrRequestNotFound = errors.New("pipeline request not found")
)

// MemoPruner is the slice of the memo store the retention sweep needs.
type MemoPruner interface {
	Prune(ctx context.Context, olderThan time.Duration) (int, error)
}

// Core is the public face of the pipeline: request submission with
// fingerprint dedup, bounded-concurrency execution, status, cancellation,
// and the memo retention sweep.
type Core struct {
	cfg    *config.Config
	orch   *Orchestrator
	tasks  TaskLog
	memos  MemoPruner
	sem    *semaphore.Weighted
	logger *slog.Logger

	mu            sync.Mutex
	running       map[string]*run
	byFingerprint map[string]string

	// finished retains recently settled runs so Wait callers that lose the
	// race with completion still get the result. Durable state lives in
	// the task store; this is a convenience window only.
	finished *lru.Cache[string, *run]
}

// run tracks one in-flight request.
type run struct {
	req    *models.PipelineRequest
	plan   *plan
	cancel context.CancelFunc
	done   chan struct{}
	result *models.PipelineResult
}

// NewCore wires the pipeline core.
func NewCore(cfg *config.Config, orch *Orchestrator, tasks TaskLog, memos MemoPruner, logger *slog.Logger) *Core {
	maxConcurrent := cfg.Pipeline.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	finished, _ := lru.New[string, *run](1024)
	return &Core{
		cfg:           cfg,
		orch:          orch,
		tasks:         tasks,
		memos:         memos,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		logger:        logger,
		running:       make(map[string]*run),
		byFingerprint: make(map[string]string),
		finished:      finished,
	}
}

// Submit validates and enqueues a pipeline request, returning its id.
// A submission identical to one still running (same user, paper and
// stage set) returns the running request's id instead of starting
// duplicate work.
func (c *Core) Submit(ctx context.Context, userID, paperID string, stages []models.StageKind, deadline *time.Time) (string, error) {
	if userID == "" {
		return "", models.NewStageError(models.ErrKindInvalidInput, "user id is required")
	}
	if paperID == "" {
		return "", models.NewStageError(models.ErrKindInvalidInput, "paper id is required")
	}
	req := &models.PipelineRequest{
		ID:        uuid.NewString(),
		PaperID:   paperID,
		UserID:    userID,
		Stages:    stages,
		CreatedAt: time.Now().UTC(),
		Deadline:  deadline,
	}
	pl, err := buildPlan(stages)
	if err != nil {
		return "", err
	}
	if deadline != nil && !deadline.After(time.Now()) {
		return "", models.NewStageError(models.ErrKindInvalidInput, "deadline is in the past")
	}

	fp := req.Fingerprint()

	c.mu.Lock()
	if existing, ok := c.byFingerprint[fp]; ok {
		c.mu.Unlock()
		c.logger.Info("deduplicating pipeline submission",
			"request_id", existing, "paper_id", paperID)
		return existing, nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r := &run{req: req, plan: pl, cancel: cancel, done: make(chan struct{})}
	c.running[req.ID] = r
	c.byFingerprint[fp] = req.ID
	c.mu.Unlock()

	go c.execute(runCtx, r, fp)

	c.logger.Info("pipeline submitted",
		"request_id", req.ID,
		"paper_id", paperID,
		"user_id", userID,
		"stages", len(stages))
	return req.ID, nil
}

// execute runs one request under the concurrency bound and the request
// deadline, then retires the run.
func (c *Core) execute(ctx context.Context, r *run, fp string) {
	defer r.cancel()

	deadline := c.cfg.Pipeline.DefaultDeadline()
	if r.req.Deadline != nil {
		deadline = time.Until(*r.req.Deadline)
	}
	runCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// A cancelled request skips the queue and goes straight to Run, which
	// settles every stage as cancelled against the dead context.
	if err := c.sem.Acquire(runCtx, 1); err == nil {
		defer c.sem.Release(1)
	}

	result := c.orch.Run(runCtx, r.req)

	c.mu.Lock()
	r.result = result
	c.finished.Add(r.req.ID, r)
	delete(c.running, r.req.ID)
	delete(c.byFingerprint, fp)
	c.mu.Unlock()
	close(r.done)
}

// Status reports the externally visible state of a request: one entry per
// planned stage, pending entries synthesized for stages not yet created.
func (c *Core) Status(ctx context.Context, requestID string) (*models.PipelineStatus, error) {
	c.mu.Lock()
	r, isRunning := c.running[requestID]
	c.mu.Unlock()

	tasks, err := c.tasks.ListByPrefix(ctx, requestID+":")
	if err != nil {
		return nil, fmt.Errorf("failed to load request tasks: %w", err)
	}
	if len(tasks) == 0 && !isRunning {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}

	seen := make(map[models.StageKind]bool, len(tasks))
	states := make([]models.StageState, 0, len(tasks))
	for _, task := range tasks {
		states = append(states, taskState(task))
		seen[task.AgentID] = true
	}
	if isRunning {
		for _, kind := range r.plan.kinds() {
			if !seen[kind] {
				states = append(states, models.StageState{Kind: kind, Status: models.TaskStatusPending})
			}
		}
	}

	return &models.PipelineStatus{
		RequestID: requestID,
		Running:   isRunning,
		Stages:    states,
		Progress:  models.Progress(states),
	}, nil
}

// Cancel requests cooperative cancellation. Idempotent: cancelling a
// settled request is a no-op; an unknown id is ErrRequestNotFound.
func (c *Core) Cancel(ctx context.Context, requestID string) error {
	c.mu.Lock()
	r, ok := c.running[requestID]
	c.mu.Unlock()
	if ok {
		c.logger.Info("cancelling pipeline", "request_id", requestID)
		r.cancel()
		return nil
	}

	tasks, err := c.tasks.ListByPrefix(ctx, requestID+":")
	if err != nil {
		return fmt.Errorf("failed to load request tasks: %w", err)
	}
	if len(tasks) == 0 {
		return fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
	}
	return nil
}

// Wait blocks until the request settles or ctx is done. Used by tests and
// by graceful shutdown; API callers observe progress through events.
func (c *Core) Wait(ctx context.Context, requestID string) (*models.PipelineResult, error) {
	c.mu.Lock()
	r, ok := c.running[requestID]
	c.mu.Unlock()
	if !ok {
		if r, ok = c.finished.Get(requestID); !ok {
			return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, requestID)
		}
	}
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ListRequests aggregates a user's recent tasks into per-request
// summaries, most recent first.
func (c *Core) ListRequests(ctx context.Context, userID string, limit int) ([]*models.RequestSummary, error) {
	tasks, err := c.tasks.ListByUser(ctx, userID, limit*len(models.AllStageKinds))
	if err != nil {
		return nil, fmt.Errorf("failed to list user tasks: %w", err)
	}

	byRequest := make(map[string]*models.RequestSummary)
	var order []string
	for _, task := range tasks {
		reqID, ok := requestOf(task.ID)
		if !ok {
			continue
		}
		summary, exists := byRequest[reqID]
		if !exists {
			summary = &models.RequestSummary{RequestID: reqID, CreatedAt: task.CreatedAt}
			byRequest[reqID] = summary
			order = append(order, reqID)
		}
		if task.CreatedAt.Before(summary.CreatedAt) {
			summary.CreatedAt = task.CreatedAt
		}
		summary.Stages = append(summary.Stages, taskState(task))
	}

	out := make([]*models.RequestSummary, 0, len(order))
	for _, reqID := range order {
		if limit > 0 && len(out) == limit {
			break
		}
		summary := byRequest[reqID]
		summary.Progress = models.Progress(summary.Stages)
		out = append(out, summary)
	}
	return out, nil
}

// RunMemorySweep prunes memoization entries past the retention cap until
// ctx is done. Runs as a background goroutine from main.
func (c *Core) RunMemorySweep(ctx context.Context, interval time.Duration) {
	retention := c.cfg.Pipeline.MemoryRetention()
	if retention <= 0 {
		return
	}
	if interval <= 0 {
		interval = time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.memos.Prune(ctx, retention)
			if err != nil {
				c.logger.Error("memory sweep failed", "error", err)
				continue
			}
			if n > 0 {
				c.logger.Info("pruned expired memory entries", "count", n)
			}
		}
	}
}

// Drain waits for all in-flight requests to settle, up to ctx. Used by
// graceful shutdown after the HTTP surface stops accepting submissions.
func (c *Core) Drain(ctx context.Context) error {
	c.mu.Lock()
	waiting := make([]*run, 0, len(c.running))
	for _, r := range c.running {
		waiting = append(waiting, r)
	}
	c.mu.Unlock()

	for _, r := range waiting {
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// taskState projects a durable task onto the external stage state.
func taskState(task *models.AgentTask) models.StageState {
	state := models.StageState{
		Kind:   task.AgentID,
		Status: task.Status,
		Error:  task.Error,
	}
	if task.StartedAt != nil && task.CompletedAt != nil {
		state.ElapsedMs = task.CompletedAt.Sub(*task.StartedAt).Milliseconds()
	}
	if task.Status == models.TaskStatusCompleted && len(task.Result) > 0 {
		var env struct {
			UsedFallback bool `json:"used_fallback"`
		}
		if json.Unmarshal(task.Result, &env) == nil {
			state.UsedFallback = env.UsedFallback
		}
	}
	return state
}

// requestOf extracts the request id from a "<requestID>:<stage>" task id.
func requestOf(taskID string) (string, bool) {
	idx := strings.LastIndex(taskID, ":")
	if idx <= 0 {
		return "", false
	}
	return taskID[:idx], true
}
