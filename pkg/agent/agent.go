// Package agent implements the pipeline stage agents: a generic BaseAgent
// running the common execute path (replay, memoization, protected provider
// call, settlement) parameterized by per-stage specs, plus the fallback
// registry for the local degraded path.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/scholarlab/paperflow/pkg/llm"
	"github.com/scholarlab/paperflow/pkg/models"
	"github.com/scholarlab/paperflow/pkg/resilience"
	"github.com/scholarlab/paperflow/pkg/store"
)

// Agent executes one pipeline stage. Process never unwinds: failures come
// back as values inside the StageResult.
type Agent interface {
	Kind() models.StageKind
	Process(ctx context.Context, task *models.AgentTask) *models.StageResult
}

// TaskRecorder is the slice of the task store agents write through.
type TaskRecorder interface {
	Get(ctx context.Context, id string) (*models.AgentTask, error)
	MarkRunning(ctx context.Context, id string, startedAt time.Time) error
	Settle(ctx context.Context, id string, status models.TaskStatus, result json.RawMessage, errText string, completedAt time.Time) error
}

// MemoBank is the slice of the memo store agents read and write.
type MemoBank interface {
	Get(ctx context.Context, key string) (*models.MemoryEntry, error)
	Put(ctx context.Context, key string, data json.RawMessage) error
}

// resultEnvelope is the shape persisted in agent_tasks.result_json. The
// degraded-path markers ride along with the payload so replays reproduce
// the original StageResult exactly.
type resultEnvelope struct {
	Payload              json.RawMessage  `json:"payload"`
	UsedFallback         bool             `json:"used_fallback,omitempty"`
	PrimaryFailureReason models.ErrorKind `json:"primary_failure_reason,omitempty"`
	ProcessingNote       string           `json:"processing_note,omitempty"`
}

// BaseAgent runs the execute path shared by every stage:
//
//  1. replay a completed task from the store
//  2. short-circuit on a memoized fingerprint
//  3. run the stage spec against the primary provider under the retry
//     policy, falling back to the local path when registered
//  4. settle the task and memoize the payload
type BaseAgent struct {
	spec      StageSpec
	primary   *Executor
	fallbacks *FallbackRegistry
	retry     resilience.RetryPolicy
	tasks     TaskRecorder
	memos     MemoBank
	logger    *slog.Logger
}

// NewBaseAgent wires a stage agent.
func NewBaseAgent(spec StageSpec, primary *Executor, fallbacks *FallbackRegistry, retry resilience.RetryPolicy, tasks TaskRecorder, memos MemoBank, logger *slog.Logger) *BaseAgent {
	return &BaseAgent{
		spec:      spec,
		primary:   primary,
		fallbacks: fallbacks,
		retry:     retry,
		tasks:     tasks,
		memos:     memos,
		logger:    logger.With("stage", string(spec.Kind)),
	}
}

func (a *BaseAgent) Kind() models.StageKind { return a.spec.Kind }

// Process executes the task. Exactly one settle transition happens per
// call path: pending → running at entry, running → terminal at exit.
func (a *BaseAgent) Process(ctx context.Context, task *models.AgentTask) *models.StageResult {
	start := time.Now()
	log := a.logger.With("task_id", task.ID)

	// Idempotent replay: a task that already completed returns its stored
	// result without touching any provider.
	if existing, err := a.tasks.Get(ctx, task.ID); err == nil && existing.Status == models.TaskStatusCompleted {
		log.Info("replaying completed task")
		return a.replay(existing, start)
	} else if err != nil && !errors.Is(err, store.ErrTaskNotFound) {
		return a.failure(models.ErrKindProviderTransient, "task store unavailable: "+err.Error(), start)
	}

	if err := a.tasks.MarkRunning(ctx, task.ID, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrIllegalTransition) {
			// Settled between our read and the transition; re-read.
			if existing, gerr := a.tasks.Get(ctx, task.ID); gerr == nil && existing.Status == models.TaskStatusCompleted {
				return a.replay(existing, start)
			}
		}
		return a.failure(models.ErrKindProviderTransient, "failed to mark task running: "+err.Error(), start)
	}

	fp, err := a.spec.Fingerprint(task.Input)
	if err != nil {
		return a.settleFailure(ctx, task.ID, llm.Classify(err), stageMessage(err), start)
	}

	// Memoized inputs skip the provider entirely.
	if entry, merr := a.memos.Get(ctx, fp); merr == nil {
		if payload, derr := a.spec.Decode(entry.Data); derr == nil {
			log.Info("serving memoized result", "fingerprint", fp)
			return a.settleSuccess(ctx, task.ID, payload, entry.Data, resultEnvelope{Payload: entry.Data}, start)
		}
		log.Warn("dropping undecodable memo entry", "fingerprint", fp)
	}

	payload, env, perr := a.execute(ctx, log, task.Input)
	if perr != nil {
		kind := llm.Classify(perr)
		log.Error("stage failed", "kind", string(kind), "error", perr)
		return a.settleFailure(ctx, task.ID, kind, stageMessage(perr), start)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return a.settleFailure(ctx, task.ID, models.ErrKindInvalidResponse, "failed to encode payload: "+err.Error(), start)
	}
	env.Payload = raw

	// Memoize primary successes only: degraded payloads must not be
	// served to future requests that could get the real thing.
	if !env.UsedFallback {
		if merr := a.memos.Put(detach(ctx), fp, raw); merr != nil {
			log.Warn("failed to memoize result", "error", merr)
		}
	}
	return a.settleSuccess(ctx, task.ID, payload, raw, env, start)
}

// execute runs the retry-wrapped primary path with the fallback hook.
func (a *BaseAgent) execute(ctx context.Context, log *slog.Logger, input json.RawMessage) (any, resultEnvelope, error) {
	var payload any
	var env resultEnvelope

	op := func(ctx context.Context) error {
		p, err := a.spec.Execute(ctx, a.primary.Call, input)
		if err != nil {
			return err
		}
		payload = p
		return nil
	}

	var fb resilience.Fallback
	if fbExec := a.fallbacks.Lookup(a.spec.Kind); fbExec != nil {
		fb = func(ctx context.Context, cause error) error {
			p, err := a.spec.Execute(ctx, fbExec.Call, input)
			if err != nil {
				return err
			}
			payload = p
			env.UsedFallback = true
			env.PrimaryFailureReason = llm.Classify(cause)
			env.ProcessingNote = fbExec.Note()
			log.Warn("stage served by fallback provider",
				"provider", fbExec.ProviderName(),
				"primary_failure", string(env.PrimaryFailureReason))
			return nil
		}
	}

	err := a.retry.Do(ctx, log, op, fb)
	return payload, env, err
}

func (a *BaseAgent) replay(task *models.AgentTask, start time.Time) *models.StageResult {
	var env resultEnvelope
	if err := json.Unmarshal(task.Result, &env); err != nil {
		return a.failure(models.ErrKindInvalidResponse, "stored result unreadable: "+err.Error(), start)
	}
	payload, err := a.spec.Decode(env.Payload)
	if err != nil {
		return a.failure(models.ErrKindInvalidResponse, err.Error(), start)
	}
	return &models.StageResult{
		Kind:                 a.spec.Kind,
		Success:              true,
		Payload:              payload,
		UsedFallback:         env.UsedFallback,
		PrimaryFailureReason: env.PrimaryFailureReason,
		ProcessingNote:       env.ProcessingNote,
		Elapsed:              time.Since(start),
	}
}

func (a *BaseAgent) settleSuccess(ctx context.Context, id string, payload any, raw json.RawMessage, env resultEnvelope, start time.Time) *models.StageResult {
	envRaw, err := json.Marshal(env)
	if err != nil {
		return a.failure(models.ErrKindInvalidResponse, "failed to encode result: "+err.Error(), start)
	}
	if err := a.tasks.Settle(detach(ctx), id, models.TaskStatusCompleted, envRaw, "", time.Now().UTC()); err != nil {
		return a.failure(models.ErrKindProviderTransient, "failed to settle task: "+err.Error(), start)
	}
	return &models.StageResult{
		Kind:                 a.spec.Kind,
		Success:              true,
		Payload:              payload,
		UsedFallback:         env.UsedFallback,
		PrimaryFailureReason: env.PrimaryFailureReason,
		ProcessingNote:       env.ProcessingNote,
		Elapsed:              time.Since(start),
	}
}

func (a *BaseAgent) settleFailure(ctx context.Context, id string, kind models.ErrorKind, msg string, start time.Time) *models.StageResult {
	if err := a.tasks.Settle(detach(ctx), id, models.TaskStatusFailed, nil, string(kind)+": "+msg, time.Now().UTC()); err != nil {
		a.logger.Error("failed to settle failed task", "task_id", id, "error", err)
	}
	return a.failure(kind, msg, start)
}

func (a *BaseAgent) failure(kind models.ErrorKind, msg string, start time.Time) *models.StageResult {
	return &models.StageResult{
		Kind:    a.spec.Kind,
		Success: false,
		Err:     models.NewStageError(kind, msg),
		Elapsed: time.Since(start),
	}
}

// detach strips cancellation so settlement and memo writes survive a
// cancelled request; the terminal transition must still be recorded.
func detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// stageMessage extracts the human-readable part of a failure, avoiding a
// doubled kind prefix when the error is already a StageError.
func stageMessage(err error) string {
	var serr *models.StageError
	if errors.As(err, &serr) && serr.Message != "" {
		return serr.Message
	}
	return err.Error()
}
