package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/scholarlab/paperflow/pkg/models"
)

// Sentinel errors for task store operations.
var (
	// ErrDuplicateID indicates a create with an already-used task id.
	ErrDuplicateID = errors.New("duplicate task id")

	// ErrIllegalTransition indicates an attempt to move a task out of a
	// terminal state, or to settle it differently than it already settled.
	ErrIllegalTransition = errors.New("illegal task transition")

	// ErrTaskNotFound indicates the task id does not exist.
	ErrTaskNotFound = errors.New("task not found")
)

const pgUniqueViolation = "23505"

// TaskStore persists AgentTask records. All operations are safe under
// concurrent callers: state transitions are single conditional UPDATEs, so
// per-task-id serialization comes from row-level locking.
type TaskStore struct {
	db queryer
}

// queryer is the subset of sqlx.DB the store needs; satisfied by *sqlx.DB
// and *sqlx.Tx.
type queryer interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
}

// NewTaskStore creates a task store over the given client.
func NewTaskStore(client *Client) *TaskStore {
	return &TaskStore{db: client.DB()}
}

// Create inserts a new pending task. Fails with ErrDuplicateID if the task
// id already exists.
func (s *TaskStore) Create(ctx context.Context, task *models.AgentTask) error {
	if task.ID == "" {
		return fmt.Errorf("%w: empty task id", ErrIllegalTransition)
	}
	input := task.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_tasks (id, agent_id, user_id, input_json, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		task.ID, task.AgentID, task.UserID, input, models.TaskStatusPending, task.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateID, task.ID)
		}
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// MarkRunning transitions pending → running. Idempotent: calling it again
// keeps the earliest started_at. Fails with ErrIllegalTransition if the
// task has already settled.
func (s *TaskStore) MarkRunning(ctx context.Context, id string, startedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks
		SET status = $2, started_at = LEAST(COALESCE(started_at, $3), $3)
		WHERE id = $1 AND status IN ($4, $2)`,
		id, models.TaskStatusRunning, startedAt, models.TaskStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to mark task running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return s.transitionConflict(ctx, id, "mark running")
	}
	return nil
}

// Settle transitions running (or pending, for upstream failures that never
// dispatched) to a terminal state. Idempotent when re-settling to the same
// terminal state with the same payload; any other re-settle fails with
// ErrIllegalTransition.
func (s *TaskStore) Settle(ctx context.Context, id string, status models.TaskStatus, result json.RawMessage, errText string, completedAt time.Time) error {
	switch status {
	case models.TaskStatusCompleted:
		if len(result) == 0 || errText != "" {
			return fmt.Errorf("%w: completed requires result and no error", ErrIllegalTransition)
		}
	case models.TaskStatusFailed:
		if errText == "" {
			return fmt.Errorf("%w: failed requires an error", ErrIllegalTransition)
		}
	default:
		return fmt.Errorf("%w: %s is not a terminal status", ErrIllegalTransition, status)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks
		SET status = $2, result_json = $3, error = $4,
		    completed_at = GREATEST($5, COALESCE(started_at, $5))
		WHERE id = $1 AND status IN ($6, $7)`,
		id, status, nullableJSON(result), errText, completedAt,
		models.TaskStatusPending, models.TaskStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("failed to settle task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}

	// No transition happened: either idempotent re-settle or a conflict.
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if existing.Status == status && existing.Error == errText && jsonEqual(existing.Result, result) {
		return nil
	}
	return fmt.Errorf("%w: task %s already %s", ErrIllegalTransition, id, existing.Status)
}

// Get returns the full task, or ErrTaskNotFound.
func (s *TaskStore) Get(ctx context.Context, id string) (*models.AgentTask, error) {
	var task models.AgentTask
	err := s.db.GetContext(ctx, &task, `
		SELECT id, agent_id, user_id, input_json, status, error, result_json,
		       created_at, started_at, completed_at
		FROM agent_tasks WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, id)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// ListByPrefix returns all tasks whose id starts with the given prefix, in
// creation order. Task ids embed the request id as "<requestID>:<stage>",
// so this lists a request's tasks.
func (s *TaskStore) ListByPrefix(ctx context.Context, prefix string) ([]*models.AgentTask, error) {
	var tasks []*models.AgentTask
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT id, agent_id, user_id, input_json, status, error, result_json,
		       created_at, started_at, completed_at
		FROM agent_tasks
		WHERE id LIKE $1 || '%'
		ORDER BY created_at ASC`, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return tasks, nil
}

// ListByUser returns a user's tasks, most recent first, capped at limit
// (0 means a default of 200). Backs the per-user pipeline listing.
func (s *TaskStore) ListByUser(ctx context.Context, userID string, limit int) ([]*models.AgentTask, error) {
	if limit <= 0 {
		limit = 200
	}
	var tasks []*models.AgentTask
	err := s.db.SelectContext(ctx, &tasks, `
		SELECT id, agent_id, user_id, input_json, status, error, result_json,
		       created_at, started_at, completed_at
		FROM agent_tasks
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks by user: %w", err)
	}
	return tasks, nil
}

// RecoverOrphans settles every task still marked running to failed. Called
// once at startup: a running task with no live process is lost work, and
// terminal-after-settle correctness requires it never looks running again.
// Returns the number of recovered tasks.
func (s *TaskStore) RecoverOrphans(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agent_tasks
		SET status = $1, error = 'orphaned', completed_at = now()
		WHERE status IN ($2, $3)`,
		models.TaskStatusFailed, models.TaskStatusPending, models.TaskStatusRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to recover orphans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

// transitionConflict distinguishes "not found" from "already terminal" for
// a conditional update that matched zero rows.
func (s *TaskStore) transitionConflict(ctx context.Context, id, op string) error {
	existing, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: cannot %s task %s in state %s", ErrIllegalTransition, op, id, existing.Status)
}

// jsonEqual compares two payloads semantically: jsonb round-trips lose
// the original formatting, so byte equality is too strict.
func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == 0 && len(b) == 0
	}
	var av, bv any
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return bytes.Equal(a, b)
	}
	return reflect.DeepEqual(av, bv)
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
