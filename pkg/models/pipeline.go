package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// PipelineRequest is a single paper-processing job. Immutable after creation.
type PipelineRequest struct {
	ID        string
	PaperID   string
	UserID    string
	Stages    []StageKind
	CreatedAt time.Time
	Deadline  *time.Time
}

// Fingerprint returns the stable content-addressed key used to deduplicate
// concurrent submissions of the same work. Stage order does not matter.
func (r *PipelineRequest) Fingerprint() string {
	kinds := make([]string, len(r.Stages))
	for i, k := range r.Stages {
		kinds[i] = string(k)
	}
	sort.Strings(kinds)
	h := sha256.Sum256([]byte(r.UserID + "\x00" + r.PaperID + "\x00" + strings.Join(kinds, ",")))
	return hex.EncodeToString(h[:])
}

// StageResult is the transient, in-memory outcome of one stage execution.
type StageResult struct {
	Kind                 StageKind   `json:"kind"`
	Success              bool        `json:"success"`
	Payload              any         `json:"payload,omitempty"`
	UsedFallback         bool        `json:"used_fallback"`
	PrimaryFailureReason ErrorKind   `json:"primary_failure_reason,omitempty"`
	// ProcessingNote is set on fallback results so the UI can surface that
	// a degraded path produced the payload.
	ProcessingNote string      `json:"processing_note,omitempty"`
	Err            *StageError `json:"error,omitempty"`
	Elapsed        time.Duration
}

// StageState is the externally visible state of one stage, reported by
// getPipelineStatus.
type StageState struct {
	Kind         StageKind  `json:"kind"`
	Status       TaskStatus `json:"status"`
	Error        string     `json:"error,omitempty"`
	UsedFallback bool       `json:"used_fallback"`
	ElapsedMs    int64      `json:"elapsed_ms"`
}

// PipelineResult is assembled by the orchestrator once every requested
// stage has settled (or the deadline elapsed). Success means every
// requested stage succeeded, directly or via fallback.
type PipelineResult struct {
	RequestID string                     `json:"request_id"`
	Success   bool                       `json:"success"`
	Stages    map[StageKind]*StageResult `json:"stages"`
	Elapsed   time.Duration              `json:"-"`
}

// PipelineStatus is the external view of one request: per-stage states
// plus overall progress. Running distinguishes an in-flight request from
// a settled one with the same stage states.
type PipelineStatus struct {
	RequestID string       `json:"request_id"`
	Running   bool         `json:"running"`
	Stages    []StageState `json:"stages"`
	Progress  float64      `json:"progress"`
}

// RequestSummary is one row of a user's pipeline listing.
type RequestSummary struct {
	RequestID string       `json:"request_id"`
	CreatedAt time.Time    `json:"created_at"`
	Stages    []StageState `json:"stages"`
	Progress  float64      `json:"progress"`
}

// Progress computes overall progress in [0,1]: the fraction of requested
// stages that have settled.
func Progress(states []StageState) float64 {
	if len(states) == 0 {
		return 0
	}
	settled := 0
	for _, s := range states {
		if s.Status.IsTerminal() {
			settled++
		}
	}
	return float64(settled) / float64(len(states))
}
