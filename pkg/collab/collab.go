// Package collab declares the boundaries to the services the pipeline
// core collaborates with: the paper store, the credit ledger, and
// progress observers. The core programs against these interfaces; the
// in-memory implementations here back tests and single-node deployments.
package collab

import (
	"context"
	"errors"

	"github.com/scholarlab/paperflow/pkg/models"
)

// Paper-store sentinel errors.
var (
	ErrPaperNotFound = errors.New("paper not found")
)

// Credit-ledger sentinel errors.
var (
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrReservationNotFound = errors.New("reservation not found")
)

// PaperStore is the document service holding uploaded papers and their
// derived artifacts.
type PaperStore interface {
	// LoadBytes returns the raw bytes of the uploaded paper.
	LoadBytes(ctx context.Context, paperID string) ([]byte, error)

	// LoadMetadata returns previously stored metadata for the paper, or
	// ErrPaperNotFound if none exists yet.
	LoadMetadata(ctx context.Context, paperID string) (*models.Metadata, error)

	// SaveResult persists one successful stage payload. Called exactly
	// once per successful stage per request; must be idempotent on
	// (paperID, kind).
	SaveResult(ctx context.Context, paperID string, kind models.StageKind, payload any) error
}

// CreditLedger meters pipeline usage per user. A reservation is taken
// before each stage dispatch and settled exactly once afterwards:
// committed when the stage succeeds (directly or via fallback; the
// original reservation covers both paths), released when it fails.
type CreditLedger interface {
	// Reserve puts a hold on the user's balance for one stage and
	// returns a reservation handle. Returns ErrInsufficientCredits when
	// the balance cannot cover the hold.
	Reserve(ctx context.Context, userID string, stage models.StageKind, amount int) (reservationID string, err error)

	// Commit converts the hold into a charge. The original reservation
	// also covers fallback work, so a degraded run commits the same
	// amount.
	Commit(ctx context.Context, reservationID string) error

	// Release returns the hold to the balance.
	Release(ctx context.Context, reservationID string) error
}

// ProgressObserver receives stage and pipeline status transitions.
// Emission is best-effort: a slow or failed observer never blocks or
// fails the pipeline.
type ProgressObserver interface {
	// StageChanged reports a stage entering running or settling.
	StageChanged(requestID string, state models.StageState)

	// PipelineChanged reports the request-level status.
	PipelineChanged(requestID string, result *models.PipelineResult)
}
