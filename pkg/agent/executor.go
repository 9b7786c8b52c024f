package agent

import (
	"context"
	"errors"
	"time"

	"github.com/scholarlab/paperflow/pkg/llm"
	"github.com/scholarlab/paperflow/pkg/models"
	"github.com/scholarlab/paperflow/pkg/resilience"
)

// ProviderCall issues one guarded completion call. Stage specs receive a
// ProviderCall instead of a raw provider so every call they make passes
// the rate limiter and circuit breaker, each call charging one permit.
type ProviderCall func(ctx context.Context, req llm.Request) (*llm.Response, error)

// Executor binds a provider to its process-wide protection state. One
// executor per (provider, role): agents for the same provider share the
// limiter and breaker through it.
type Executor struct {
	provider llm.Provider
	limiter  *resilience.Limiter
	breaker  *resilience.Breaker
	timeout  time.Duration

	// contentCap truncates the prompt body; fallback executors use it to
	// fit local model context windows. Zero means no cap.
	contentCap int

	// note marks results produced through this executor as degraded.
	note string
}

// NewExecutor creates an executor for a primary provider path.
func NewExecutor(provider llm.Provider, limiter *resilience.Limiter, breaker *resilience.Breaker, timeout time.Duration) *Executor {
	return &Executor{provider: provider, limiter: limiter, breaker: breaker, timeout: timeout}
}

// WithDegradation derives a fallback-path view of the executor: prompts
// are truncated to contentCap characters and results carry the note. The
// limiter and breaker stay shared with the primary view, keeping provider
// protection state process-wide.
func (e *Executor) WithDegradation(contentCap int, note string) *Executor {
	derived := *e
	derived.contentCap = contentCap
	derived.note = note
	return &derived
}

// ProviderName returns the underlying provider's registry name.
func (e *Executor) ProviderName() string { return e.provider.Name() }

// Note returns the degraded-path marker, empty for primary executors.
func (e *Executor) Note() string { return e.note }

// Call acquires a limiter permit, consults the breaker, and issues the
// completion under the per-call timeout. Outcomes feed the breaker window;
// rate-limit rejections (429) and schema problems downstream do not.
func (e *Executor) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	if e.contentCap > 0 {
		req.Prompt = truncate(req.Prompt, e.contentCap)
	}

	if err := e.limiter.Acquire(ctx); err != nil {
		if errors.Is(err, resilience.ErrOverloaded) {
			// Queue at high-water mark counts as a breaker failure.
			e.breaker.Record(true)
			return nil, llm.NewError(models.ErrKindProviderOverloaded, err)
		}
		return nil, err // context cancellation or deadline
	}

	if err := e.breaker.Allow(); err != nil {
		return nil, llm.NewError(models.ErrKindProviderUnavailable, err)
	}

	cctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resp, err := e.provider.Complete(cctx, req)
	if err != nil {
		// A caller-cancelled call says nothing about provider health:
		// recording it as a success could close a half-open breaker
		// without a genuine probe.
		if kind := llm.Classify(err); kind == models.ErrKindCancelled {
			e.breaker.Discard()
		} else {
			e.breaker.Record(kind.BreakerFailure())
		}
		return nil, err
	}
	e.breaker.Record(false)
	return resp, nil
}
