// Package pipeline schedules stage agents over the paper-processing DAG:
// wave-parallel execution, per-stage credit metering, result persistence,
// progress emission, and request-level dedup, cancellation and deadlines.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scholarlab/paperflow/pkg/agent"
	"github.com/scholarlab/paperflow/pkg/collab"
	"github.com/scholarlab/paperflow/pkg/models"
	"github.com/scholarlab/paperflow/pkg/store"
)

// TaskLog is the slice of the task store the orchestrator writes through;
// satisfied by *store.TaskStore.
type TaskLog interface {
	Create(ctx context.Context, task *models.AgentTask) error
	Settle(ctx context.Context, id string, status models.TaskStatus, result json.RawMessage, errText string, completedAt time.Time) error
	ListByPrefix(ctx context.Context, prefix string) ([]*models.AgentTask, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.AgentTask, error)
}

// Orchestrator runs one pipeline request to completion: it materializes
// the wave plan, creates and dispatches stage tasks wave by wave, and
// assembles the final result.
type Orchestrator struct {
	agents      *agent.Set
	tasks       TaskLog
	papers      collab.PaperStore
	credits     collab.CreditLedger
	observers   []collab.ProgressObserver
	stageBudget time.Duration
	logger      *slog.Logger
}

// NewOrchestrator wires an orchestrator.
func NewOrchestrator(agents *agent.Set, tasks TaskLog, papers collab.PaperStore, credits collab.CreditLedger, observers []collab.ProgressObserver, stageBudget time.Duration, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		agents:      agents,
		tasks:       tasks,
		papers:      papers,
		credits:     credits,
		observers:   observers,
		stageBudget: stageBudget,
		logger:      logger,
	}
}

// Run executes the request and returns the assembled result. It never
// unwinds: every failure mode lands inside the result, and every stage in
// the plan ends up settled in the task store, even under cancellation.
// The caller controls the request deadline through ctx.
func (o *Orchestrator) Run(ctx context.Context, req *models.PipelineRequest) *models.PipelineResult {
	start := time.Now()
	log := o.logger.With("request_id", req.ID, "paper_id", req.PaperID)

	result := &models.PipelineResult{
		RequestID: req.ID,
		Stages:    make(map[models.StageKind]*models.StageResult),
	}

	pl, err := buildPlan(req.Stages)
	if err != nil {
		// Submit validates before Run; this guards direct callers.
		log.Error("rejecting invalid stage plan", "error", err)
		return result
	}

	content, lerr := o.loadContent(ctx, req.PaperID)
	results := make(map[models.StageKind]*models.StageResult, pl.stageCount())

	for _, wave := range pl.waves {
		upstream := snapshot(results)

		var mu sync.Mutex
		var wg sync.WaitGroup
		for _, kind := range wave {
			kind := kind
			wg.Add(1)
			go func() {
				defer wg.Done()
				var res *models.StageResult
				if lerr != nil {
					res = o.settleSkipped(ctx, req, kind, models.ErrKindInvalidInput,
						"paper content unavailable: "+lerr.Error())
				} else {
					res = o.runStage(ctx, log, req, kind, content, upstream)
				}
				mu.Lock()
				results[kind] = res
				mu.Unlock()
			}()
		}
		wg.Wait()
	}

	result.Success = true
	for kind, res := range results {
		result.Stages[kind] = res
		if pl.requested[kind] && !res.Success {
			result.Success = false
		}
	}
	result.Elapsed = time.Since(start)

	observePipeline(result)
	log.Info("pipeline settled",
		"success", result.Success,
		"stages", len(result.Stages),
		"elapsed", result.Elapsed)
	o.emitPipeline(req.ID, result)
	return result
}

// runStage executes one stage: dependency gate, task creation, credit
// reservation, the agent call under the stage budget, persistence and
// settlement of the outcome.
func (o *Orchestrator) runStage(ctx context.Context, log *slog.Logger, req *models.PipelineRequest, kind models.StageKind, content string, upstream map[models.StageKind]*models.StageResult) *models.StageResult {
	for _, dep := range kind.Dependencies() {
		if r, ok := upstream[dep]; !ok || !r.Success {
			return o.settleSkipped(ctx, req, kind, models.ErrKindUpstreamFailed,
				fmt.Sprintf("dependency %s did not complete", dep))
		}
	}
	if err := ctx.Err(); err != nil {
		return o.settleSkipped(ctx, req, kind, ctxErrKind(err), err.Error())
	}

	input, err := o.stageInput(req, kind, content, upstream)
	if err != nil {
		return o.settleSkipped(ctx, req, kind, models.ErrKindInvalidInput, err.Error())
	}

	task := &models.AgentTask{
		ID:        taskID(req.ID, kind),
		AgentID:   kind,
		UserID:    req.UserID,
		Input:     input,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.tasks.Create(ctx, task); err != nil && !errors.Is(err, store.ErrDuplicateID) {
		log.Error("failed to create stage task", "stage", string(kind), "error", err)
		return failedResult(kind, models.ErrKindProviderTransient, "task store unavailable: "+err.Error())
	}

	ag, ok := o.agents.Get(kind)
	if !ok {
		return o.settleSkipped(ctx, req, kind, models.ErrKindInvalidInput,
			fmt.Sprintf("no agent registered for stage %s", kind))
	}

	o.emitStage(req.ID, models.StageState{Kind: kind, Status: models.TaskStatusRunning})

	reservationID, err := o.credits.Reserve(ctx, req.UserID, kind, 1)
	if err != nil {
		kindErr := models.ErrKindProviderTransient
		if errors.Is(err, collab.ErrInsufficientCredits) {
			kindErr = models.ErrKindInvalidRequest
		}
		res := o.settleSkipped(ctx, req, kind, kindErr, "credit reservation failed: "+err.Error())
		return res
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.stageBudget)
	defer cancel()
	res := ag.Process(stageCtx, task)

	settleCtx := context.WithoutCancel(ctx)
	if res.Success {
		if serr := o.papers.SaveResult(settleCtx, req.PaperID, kind, res.Payload); serr != nil {
			// The payload is durable in the task store; the paper store
			// copy can be reconciled from it.
			log.Error("failed to persist stage result to paper store",
				"stage", string(kind), "error", serr)
		}
		if cerr := o.credits.Commit(settleCtx, reservationID); cerr != nil {
			log.Error("failed to commit credit reservation",
				"stage", string(kind), "error", cerr)
		}
	} else {
		if rerr := o.credits.Release(settleCtx, reservationID); rerr != nil {
			log.Error("failed to release credit reservation",
				"stage", string(kind), "error", rerr)
		}
	}

	observeStage(kind, res)
	o.emitStage(req.ID, settledState(res))
	return res
}

// settleSkipped records a stage that never dispatched: the task row is
// created (if absent) and settled failed in one motion, with an event.
func (o *Orchestrator) settleSkipped(ctx context.Context, req *models.PipelineRequest, kind models.StageKind, errKind models.ErrorKind, msg string) *models.StageResult {
	settleCtx := context.WithoutCancel(ctx)
	task := &models.AgentTask{
		ID:        taskID(req.ID, kind),
		AgentID:   kind,
		UserID:    req.UserID,
		CreatedAt: time.Now().UTC(),
	}
	if err := o.tasks.Create(settleCtx, task); err != nil && !errors.Is(err, store.ErrDuplicateID) {
		o.logger.Error("failed to create skipped task", "task_id", task.ID, "error", err)
	}
	errText := string(errKind) + ": " + msg
	if err := o.tasks.Settle(settleCtx, task.ID, models.TaskStatusFailed, nil, errText, time.Now().UTC()); err != nil {
		o.logger.Error("failed to settle skipped task", "task_id", task.ID, "error", err)
	}

	res := failedResult(kind, errKind, msg)
	observeStage(kind, res)
	o.emitStage(req.ID, settledState(res))
	return res
}

// stageInput assembles the typed input for a stage from the request and
// the upstream payloads. Upstream success is already established.
func (o *Orchestrator) stageInput(req *models.PipelineRequest, kind models.StageKind, content string, upstream map[models.StageKind]*models.StageResult) (json.RawMessage, error) {
	var in any
	switch kind {
	case models.StageTextExtractor:
		in = models.ExtractorInput{PaperID: req.PaperID, Content: content}

	case models.StageMetadataEnhancer:
		ext, err := upstreamExtraction(upstream)
		if err != nil {
			return nil, err
		}
		in = models.EnhancerInput{FullText: ext.FullText}

	case models.StageSummarizer:
		ext, err := upstreamExtraction(upstream)
		if err != nil {
			return nil, err
		}
		md, err := upstreamMetadata(upstream)
		if err != nil {
			return nil, err
		}
		in = models.SummarizerInput{FullText: ext.FullText, Metadata: md}

	case models.StageConceptExplainer:
		ext, err := upstreamExtraction(upstream)
		if err != nil {
			return nil, err
		}
		in = models.ExplainerInput{FullText: ext.FullText}

	case models.StageQualityChecker:
		ext, err := upstreamExtraction(upstream)
		if err != nil {
			return nil, err
		}
		sum, err := upstreamSummary(upstream)
		if err != nil {
			return nil, err
		}
		in = models.QualityInput{Summary: sum, FullText: ext.FullText}

	case models.StageCitationFormatter:
		ext, err := upstreamExtraction(upstream)
		if err != nil {
			return nil, err
		}
		in = models.FormatterInput{FullText: ext.FullText}

	case models.StageDiscoverer:
		md, err := upstreamMetadata(upstream)
		if err != nil {
			return nil, err
		}
		in = models.DiscovererInput{Metadata: md}

	default:
		return nil, fmt.Errorf("unknown stage kind %q", kind)
	}

	raw, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s input: %w", kind, err)
	}
	return raw, nil
}

// loadContent fetches the paper bytes once per run; every stage input
// derives from this single read.
func (o *Orchestrator) loadContent(ctx context.Context, paperID string) (string, error) {
	raw, err := o.papers.LoadBytes(ctx, paperID)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (o *Orchestrator) emitStage(requestID string, state models.StageState) {
	for _, obs := range o.observers {
		obs.StageChanged(requestID, state)
	}
}

func (o *Orchestrator) emitPipeline(requestID string, result *models.PipelineResult) {
	for _, obs := range o.observers {
		obs.PipelineChanged(requestID, result)
	}
}

func upstreamExtraction(upstream map[models.StageKind]*models.StageResult) (*models.Extraction, error) {
	r := upstream[models.StageTextExtractor]
	ext, ok := r.Payload.(*models.Extraction)
	if !ok {
		return nil, fmt.Errorf("extraction payload has unexpected type %T", r.Payload)
	}
	return ext, nil
}

func upstreamMetadata(upstream map[models.StageKind]*models.StageResult) (*models.Metadata, error) {
	r := upstream[models.StageMetadataEnhancer]
	md, ok := r.Payload.(*models.Metadata)
	if !ok {
		return nil, fmt.Errorf("metadata payload has unexpected type %T", r.Payload)
	}
	return md, nil
}

func upstreamSummary(upstream map[models.StageKind]*models.StageResult) (*models.SummarySet, error) {
	r := upstream[models.StageSummarizer]
	sum, ok := r.Payload.(*models.SummarySet)
	if !ok {
		return nil, fmt.Errorf("summary payload has unexpected type %T", r.Payload)
	}
	return sum, nil
}

// taskID derives the durable task id for one stage of one request.
func taskID(requestID string, kind models.StageKind) string {
	return requestID + ":" + string(kind)
}

func settledState(res *models.StageResult) models.StageState {
	state := models.StageState{
		Kind:         res.Kind,
		Status:       models.TaskStatusCompleted,
		UsedFallback: res.UsedFallback,
		ElapsedMs:    res.Elapsed.Milliseconds(),
	}
	if !res.Success {
		state.Status = models.TaskStatusFailed
		if res.Err != nil {
			state.Error = res.Err.Error()
		}
	}
	return state
}

func failedResult(kind models.StageKind, errKind models.ErrorKind, msg string) *models.StageResult {
	return &models.StageResult{
		Kind:    kind,
		Success: false,
		Err:     models.NewStageError(errKind, msg),
	}
}

func snapshot(results map[models.StageKind]*models.StageResult) map[models.StageKind]*models.StageResult {
	out := make(map[models.StageKind]*models.StageResult, len(results))
	for k, v := range results {
		out[k] = v
	}
	return out
}

// ctxErrKind maps a dead context to the settle kind for undispatched work.
func ctxErrKind(err error) models.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrKindDeadlineExceeded
	}
	return models.ErrKindCancelled
}
