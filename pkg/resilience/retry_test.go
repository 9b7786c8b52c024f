package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarlab/paperflow/pkg/llm"
	"github.com/scholarlab/paperflow/pkg/models"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		Multiplier:  2.0,
		Jitter:      0,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRetry_SucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), testLogger(), func(ctx context.Context) error {
		calls++
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetriesTransientErrors(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), testLogger(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return llm.NewError(models.ErrKindProviderTransient, errors.New("upstream 503"))
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_NonRetryableFailsImmediately(t *testing.T) {
	calls := 0
	cause := llm.NewError(models.ErrKindInvalidResponse, errors.New("schema mismatch"))
	err := fastPolicy(3).Do(context.Background(), testLogger(), func(ctx context.Context) error {
		calls++
		return cause
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, models.ErrKindInvalidResponse, llm.Classify(err))
}

func TestRetry_QuotaExhaustedNotRetried(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), testLogger(), func(ctx context.Context) error {
		calls++
		return llm.NewError(models.ErrKindProviderQuotaExhausted, errors.New("quota"))
	}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RateLimitedConsumesAttemptAndHonorsHint(t *testing.T) {
	calls := 0
	var start time.Time
	hint := 50 * time.Millisecond

	start = time.Now()
	err := fastPolicy(2).Do(context.Background(), testLogger(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &llm.Error{
				Kind:       models.ErrKindProviderRateLimited,
				RetryAfter: hint,
				Err:        errors.New("429"),
			}
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), hint)
}

func TestRetry_FallbackRunsOnceAfterExhaustion(t *testing.T) {
	primary, fallback := 0, 0
	err := fastPolicy(2).Do(context.Background(), testLogger(), func(ctx context.Context) error {
		primary++
		return llm.NewError(models.ErrKindProviderUnavailable, errors.New("breaker open"))
	}, func(ctx context.Context, cause error) error {
		fallback++
		assert.Equal(t, models.ErrKindProviderUnavailable, llm.Classify(cause))
		return nil
	})

	require.NoError(t, err)
	// provider-unavailable is not retryable, so one primary attempt.
	assert.Equal(t, 1, primary)
	assert.Equal(t, 1, fallback)
}

func TestRetry_FallbackSkippedWhenKindForbidsIt(t *testing.T) {
	fallback := 0
	err := fastPolicy(1).Do(context.Background(), testLogger(), func(ctx context.Context) error {
		return llm.NewError(models.ErrKindInvalidInput, errors.New("empty paper"))
	}, func(ctx context.Context, cause error) error {
		fallback++
		return nil
	})

	require.Error(t, err)
	assert.Equal(t, 0, fallback)
}

func TestRetry_FallbackErrorPropagates(t *testing.T) {
	fbErr := models.NewStageError(models.ErrKindProviderUnavailable, "local model down")
	err := fastPolicy(1).Do(context.Background(), testLogger(), func(ctx context.Context) error {
		return llm.NewError(models.ErrKindProviderTransient, errors.New("boom"))
	}, func(ctx context.Context, cause error) error {
		return fbErr
	})

	assert.ErrorIs(t, err, fbErr)
}

func TestRetry_CancelledContextStopsRetries(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, Multiplier: 2, Jitter: 0}.
		Do(ctx, testLogger(), func(ctx context.Context) error {
			calls++
			cancel()
			return llm.NewError(models.ErrKindProviderTransient, errors.New("boom"))
		}, nil)

	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, models.ErrKindCancelled, llm.Classify(err))
}
