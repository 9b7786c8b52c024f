package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of an agent task.
// Transitions: pending → running → (completed | failed). Terminal states
// are absorbing, no resurrection.
type TaskStatus string

// Task status constants.
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// IsTerminal reports whether s is a terminal status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// AgentTask is the durable unit of work: one stage execution of one
// pipeline request.
//
// Invariants (enforced by the task store):
//   - completed ⟹ Result != nil and Error == ""
//   - failed    ⟹ Error != ""
//   - StartedAt <= CompletedAt when both are set
//   - IDs are unique process-wide
type AgentTask struct {
	ID          string          `db:"id" json:"id"`
	AgentID     StageKind       `db:"agent_id" json:"agent_id"`
	UserID      string          `db:"user_id" json:"user_id"`
	Input       json.RawMessage `db:"input_json" json:"input"`
	Status      TaskStatus      `db:"status" json:"status"`
	Error       string          `db:"error" json:"error,omitempty"`
	Result      json.RawMessage `db:"result_json" json:"result,omitempty"`
	CreatedAt   time.Time       `db:"created_at" json:"created_at"`
	StartedAt   *time.Time      `db:"started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time      `db:"completed_at" json:"completed_at,omitempty"`
}

// MemoryEntry is an idempotency record keyed by a content fingerprint.
// Entries outlive pipeline requests and are pruned by retention policy,
// never by task completion.
type MemoryEntry struct {
	Key       string          `db:"key" json:"key"`
	Data      json.RawMessage `db:"data_json" json:"data"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}
