package resilience

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/scholarlab/paperflow/pkg/llm"
	"github.com/scholarlab/paperflow/pkg/models"
)

// RetryPolicy drives repeated provider attempts with exponential backoff
// and jitter, and hands off to a fallback exactly once when the final
// failure permits it.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// Jitter is the randomization fraction applied to each delay.
	Jitter float64
}

// DefaultRetryPolicy matches the builtin configuration.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Multiplier:  2.0,
		Jitter:      0.2,
	}
}

// Operation is one provider attempt.
type Operation func(ctx context.Context) error

// Fallback runs after the retry budget is exhausted, when the final
// error's kind allows degraded processing. It is invoked at most once
// and is never itself retried.
type Fallback func(ctx context.Context, cause error) error

// Do runs op up to MaxAttempts times. Non-retryable errors return
// immediately. Rate-limited errors wait at least the provider's
// retry-after hint, and consume a retry attempt like any other failure.
//
// If all attempts fail and fb is non-nil and the final error allows
// fallback, fb runs exactly once; its error (or nil) becomes the result.
func (p RetryPolicy) Do(ctx context.Context, logger *slog.Logger, op Operation, fb Fallback) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.Multiplier = p.Multiplier
	bo.RandomizationFactor = p.Jitter
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0 // bounded by ctx, not wall time
	bo.Reset()

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return models.NewStageError(ctxKind(err), err.Error())
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}

		kind := llm.Classify(lastErr)
		if !kind.Retryable() || attempt == attempts {
			break
		}

		delay := bo.NextBackOff()
		if hint := llm.RetryAfter(lastErr); hint > delay {
			delay = hint
		}
		logger.Debug("retrying after provider failure",
			"attempt", attempt,
			"kind", string(kind),
			"delay", delay,
			"error", lastErr)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return models.NewStageError(ctxKind(ctx.Err()), ctx.Err().Error())
		}
	}

	if fb != nil && llm.Classify(lastErr).AllowsFallback() {
		logger.Info("primary attempts exhausted, delegating to fallback",
			"kind", string(llm.Classify(lastErr)),
			"error", lastErr)
		return fb(ctx, lastErr)
	}
	return lastErr
}

// ctxKind maps a context error to the matching stage error kind: the
// request deadline and cooperative cancellation settle differently.
func ctxKind(err error) models.ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return models.ErrKindDeadlineExceeded
	}
	return models.ErrKindCancelled
}
