// Package events carries pipeline progress from the orchestrator to
// subscribers. Events are persisted to progress_events for catch-up and
// fanned out live over Postgres NOTIFY to WebSocket clients, so every
// process in a multi-replica deployment sees every event.
package events

import (
	"github.com/scholarlab/paperflow/pkg/models"
)

// notifyChannel is the single Postgres NOTIFY channel all events ride on;
// subscribers filter by the per-request subscription channel.
const notifyChannel = "paperflow_events"

// EventType discriminates progress event payloads.
type EventType string

// Event types.
const (
	TypeStageStatus    EventType = "stage.status"
	TypePipelineStatus EventType = "pipeline.status"
)

// Event is one progress notification. Stage fields are set for
// stage.status, pipeline fields for pipeline.status.
type Event struct {
	// ID is the monotonically increasing event id assigned at persist
	// time; clients resume catch-up from the last id they saw.
	ID        int64     `json:"id,omitempty"`
	RequestID string    `json:"request_id"`
	Type      EventType `json:"type"`

	StageKind    models.StageKind `json:"stage_kind,omitempty"`
	Status       string           `json:"status,omitempty"`
	Error        string           `json:"error,omitempty"`
	ElapsedMs    int64            `json:"elapsed_ms,omitempty"`
	UsedFallback bool             `json:"used_fallback,omitempty"`

	Success  *bool   `json:"success,omitempty"`
	Progress float64 `json:"progress,omitempty"`
}

// SubscriptionChannel returns the logical channel for one request's
// events; it is the value stored in progress_events.channel.
func SubscriptionChannel(requestID string) string {
	return "pipeline:" + requestID
}
