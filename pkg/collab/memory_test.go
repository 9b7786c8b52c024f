package collab

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scholarlab/paperflow/pkg/models"
)

func TestInMemoryPaperStore_SaveResultIdempotentPerStage(t *testing.T) {
	s := NewInMemoryPaperStore()
	ctx := context.Background()

	set := &models.SummarySet{Brief: "b", Standard: "s", Detailed: "d"}
	require.NoError(t, s.SaveResult(ctx, "paper-1", models.StageSummarizer, set))
	require.NoError(t, s.SaveResult(ctx, "paper-1", models.StageSummarizer, set))

	got, ok := s.SavedResult("paper-1", models.StageSummarizer)
	require.True(t, ok)
	assert.Equal(t, set, got)
	assert.Equal(t, 2, s.SaveCount())
}

func TestInMemoryPaperStore_MissingPaper(t *testing.T) {
	s := NewInMemoryPaperStore()
	_, err := s.LoadBytes(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrPaperNotFound)
}

func TestInMemoryCreditLedger_ReserveCommitRelease(t *testing.T) {
	l := NewInMemoryCreditLedger()
	ctx := context.Background()
	l.Grant("u1", 10)

	resID, err := l.Reserve(ctx, "u1", models.StageSummarizer, 7)
	require.NoError(t, err)
	assert.Equal(t, 3, l.Balance("u1"))

	// Over-reserving the remainder fails.
	_, err = l.Reserve(ctx, "u1", models.StageDiscoverer, 5)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	require.NoError(t, l.Commit(ctx, resID))
	assert.Equal(t, 3, l.Balance("u1"))

	// Settling twice is an error, not a double charge.
	assert.ErrorIs(t, l.Commit(ctx, resID), ErrReservationNotFound)
}

func TestInMemoryCreditLedger_ReleaseRestoresBalance(t *testing.T) {
	l := NewInMemoryCreditLedger()
	ctx := context.Background()
	l.Grant("u1", 10)

	resID, err := l.Reserve(ctx, "u1", models.StageSummarizer, 4)
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx, resID))
	assert.Equal(t, 10, l.Balance("u1"))
}
