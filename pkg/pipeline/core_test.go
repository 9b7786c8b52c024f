package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarlab/paperflow/pkg/models"
)

func submit(t *testing.T, f *fixture, stages ...models.StageKind) string {
	t.Helper()
	id, err := f.core.Submit(context.Background(), "user-1", "paper-1", stages, nil)
	require.NoError(t, err)
	return id
}

func waitFor(t *testing.T, f *fixture, requestID string) *models.PipelineResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	result, err := f.core.Wait(ctx, requestID)
	require.NoError(t, err)
	return result
}

func TestCore_SubmitRunsToCompletion(t *testing.T) {
	f := newFixture(t)
	id := submit(t, f, models.StageSummarizer)

	result := waitFor(t, f, id)
	require.True(t, result.Success)

	status, err := f.core.Status(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, status.Running)
	assert.InDelta(t, 1.0, status.Progress, 0.001)
	for _, st := range status.Stages {
		assert.Equal(t, models.TaskStatusCompleted, st.Status)
	}
}

func TestCore_SubmitValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.core.Submit(context.Background(), "", "paper-1", []models.StageKind{models.StageSummarizer}, nil)
	require.Error(t, err)

	_, err = f.core.Submit(context.Background(), "user-1", "paper-1", nil, nil)
	require.Error(t, err)

	past := time.Now().Add(-time.Minute)
	_, err = f.core.Submit(context.Background(), "user-1", "paper-1", []models.StageKind{models.StageSummarizer}, &past)
	require.Error(t, err)
	var serr *models.StageError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, models.ErrKindInvalidInput, serr.Kind)
}

func TestCore_DeduplicatesIdenticalSubmissions(t *testing.T) {
	f := newFixture(t, withPrimary(&blockingProvider{name: "primary"}))
	first := submit(t, f, models.StageTextExtractor)
	second := submit(t, f, models.StageTextExtractor)
	assert.Equal(t, first, second)

	// A different stage set is new work.
	third := submit(t, f, models.StageTextExtractor, models.StageMetadataEnhancer)
	assert.NotEqual(t, first, third)

	require.NoError(t, f.core.Cancel(context.Background(), first))
	require.NoError(t, f.core.Cancel(context.Background(), third))
	waitFor(t, f, first)
	waitFor(t, f, third)
}

func TestCore_Cancel(t *testing.T) {
	f := newFixture(t, withPrimary(&blockingProvider{name: "primary"}))
	id := submit(t, f, models.StageTextExtractor)

	// Let the stage reach the provider before cancelling.
	require.Eventually(t, func() bool {
		status, err := f.core.Status(context.Background(), id)
		if err != nil {
			return false
		}
		for _, st := range status.Stages {
			if st.Status == models.TaskStatusRunning {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.core.Cancel(context.Background(), id))
	result := waitFor(t, f, id)

	require.False(t, result.Success)
	task := f.tasks.task(t, taskID(id, models.StageTextExtractor))
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Contains(t, task.Error, string(models.ErrKindCancelled))

	// Cancelling a settled request is a no-op.
	assert.NoError(t, f.core.Cancel(context.Background(), id))
}

func TestCore_CancelUnknownRequest(t *testing.T) {
	f := newFixture(t)
	err := f.core.Cancel(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestCore_DeadlineSettlesStages(t *testing.T) {
	f := newFixture(t, withPrimary(&blockingProvider{name: "primary"}))
	deadline := time.Now().Add(150 * time.Millisecond)
	id, err := f.core.Submit(context.Background(), "user-1", "paper-1",
		[]models.StageKind{models.StageTextExtractor}, &deadline)
	require.NoError(t, err)

	result := waitFor(t, f, id)
	require.False(t, result.Success)

	task := f.tasks.task(t, taskID(id, models.StageTextExtractor))
	assert.Equal(t, models.TaskStatusFailed, task.Status)
	assert.Contains(t, task.Error, string(models.ErrKindDeadlineExceeded))
}

func TestCore_StatusSynthesizesPending(t *testing.T) {
	f := newFixture(t, withPrimary(&blockingProvider{name: "primary"}))
	id := submit(t, f, models.StageSummarizer)

	require.Eventually(t, func() bool {
		status, err := f.core.Status(context.Background(), id)
		return err == nil && len(status.Stages) == 3
	}, 5*time.Second, 10*time.Millisecond)

	status, err := f.core.Status(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, status.Running)

	// The extractor is parked on the provider; downstream stages have no
	// task row yet and show as pending.
	byKind := make(map[models.StageKind]models.StageState)
	for _, st := range status.Stages {
		byKind[st.Kind] = st
	}
	assert.Equal(t, models.TaskStatusPending, byKind[models.StageSummarizer].Status)

	require.NoError(t, f.core.Cancel(context.Background(), id))
	waitFor(t, f, id)
}

func TestCore_StatusUnknownRequest(t *testing.T) {
	f := newFixture(t)
	_, err := f.core.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestCore_ListRequests(t *testing.T) {
	f := newFixture(t)
	id := submit(t, f, models.StageSummarizer)
	waitFor(t, f, id)

	summaries, err := f.core.ListRequests(context.Background(), "user-1", 10)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, id, summaries[0].RequestID)
	assert.Len(t, summaries[0].Stages, 3)
	assert.InDelta(t, 1.0, summaries[0].Progress, 0.001)
}

func TestCore_Drain(t *testing.T) {
	f := newFixture(t)
	id := submit(t, f, models.StageTextExtractor)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, f.core.Drain(ctx))

	status, err := f.core.Status(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, status.Running)
}
