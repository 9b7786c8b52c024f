package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/scholarlab/paperflow/pkg/collab"
	"github.com/scholarlab/paperflow/pkg/models"
	"github.com/scholarlab/paperflow/pkg/store"
)

// Publisher persists progress events and signals listeners over NOTIFY.
// Persist-then-notify: an event a live listener missed is still visible
// to catch-up queries.
type Publisher struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPublisher creates a publisher over the store client.
func NewPublisher(client *store.Client, logger *slog.Logger) *Publisher {
	return &Publisher{db: client.DB(), logger: logger}
}

// Publish stores the event, assigns its id, and notifies listeners.
func (p *Publisher) Publish(ctx context.Context, evt *Event) error {
	channel := SubscriptionChannel(evt.RequestID)

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	err = p.db.GetContext(ctx, &evt.ID, `
		INSERT INTO progress_events (request_id, channel, payload)
		VALUES ($1, $2, $3)
		RETURNING id`,
		evt.RequestID, channel, payload,
	)
	if err != nil {
		return fmt.Errorf("failed to persist event: %w", err)
	}

	// Re-encode with the assigned id so live subscribers can dedupe
	// against catch-up.
	wire, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	if _, err := p.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(wire)); err != nil {
		return fmt.Errorf("failed to notify listeners: %w", err)
	}
	return nil
}

// Observer adapts the publisher to the orchestrator's progress-observer
// contract. Emission is best-effort: failures are logged, never returned.
type Observer struct {
	publisher *Publisher
	logger    *slog.Logger
	timeout   time.Duration
}

// NewObserver wraps a publisher.
func NewObserver(publisher *Publisher, logger *slog.Logger) *Observer {
	return &Observer{publisher: publisher, logger: logger, timeout: 5 * time.Second}
}

var _ collab.ProgressObserver = (*Observer)(nil)

func (o *Observer) StageChanged(requestID string, state models.StageState) {
	o.emit(&Event{
		RequestID:    requestID,
		Type:         TypeStageStatus,
		StageKind:    state.Kind,
		Status:       string(state.Status),
		Error:        state.Error,
		ElapsedMs:    state.ElapsedMs,
		UsedFallback: state.UsedFallback,
	})
}

func (o *Observer) PipelineChanged(requestID string, result *models.PipelineResult) {
	evt := &Event{RequestID: requestID, Type: TypePipelineStatus, Progress: 1}
	success := result.Success
	evt.Success = &success
	evt.ElapsedMs = result.Elapsed.Milliseconds()
	o.emit(evt)
}

func (o *Observer) emit(evt *Event) {
	// Detached context: progress must outlive a cancelled request.
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	if err := o.publisher.Publish(ctx, evt); err != nil {
		o.logger.Warn("failed to publish progress event",
			"request_id", evt.RequestID, "type", string(evt.Type), "error", err)
	}
}
