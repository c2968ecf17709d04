package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/aidehq/aide/internal/core"
)

// TaskStore persists scheduled tasks. The invariant it guards: at most one
// pending or running task per (user_id, task_type, dedupe_key).
type TaskStore struct {
	db *DB
}

// NewTaskStore creates a task store
func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db}
}

// Register inserts a task, first cancelling any pending task with the same
// dedupe identity. Running tasks are left alone: the replacement fires next.
func (s *TaskStore) Register(t *core.ScheduledTask) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return err
	}

	return s.db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			UPDATE scheduled_tasks SET status = ?, updated_at = ?
			WHERE user_id = ? AND task_type = ? AND dedupe_key = ? AND status = ?
		`, core.TaskCancelled, t.UpdatedAt, t.UserID, t.Type, t.DedupeKey, core.TaskPending)
		if err != nil {
			return err
		}

		_, err = tx.Exec(`
			INSERT INTO scheduled_tasks (
			    id, user_id, task_type, dedupe_key, scheduled_at, recurrence,
			    priority, payload, status, retry_count, max_retries,
			    last_run_at, next_run_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			t.ID, t.UserID, t.Type, t.DedupeKey, t.ScheduledAt, t.Recurrence,
			t.Priority, string(payload), t.Status, t.RetryCount, t.MaxRetries,
			t.LastRunAt, t.NextRunAt, t.CreatedAt, t.UpdatedAt,
		)
		return err
	})
}

// GetByID returns one task.
func (s *TaskStore) GetByID(id string) (*core.ScheduledTask, error) {
	row := s.db.conn.QueryRow(`
		SELECT id, user_id, task_type, dedupe_key, scheduled_at, recurrence,
		       priority, payload, status, retry_count, max_retries,
		       last_run_at, next_run_at, created_at, updated_at
		FROM scheduled_tasks WHERE id = ?
	`, id)

	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrTaskNotFound
	}
	return t, err
}

// Due returns pending tasks with next_run_at <= now. Ordering: per user by
// priority then registration order, so same-instant tasks fire predictably.
func (s *TaskStore) Due(now time.Time) ([]*core.ScheduledTask, error) {
	rows, err := s.db.conn.Query(`
		SELECT id, user_id, task_type, dedupe_key, scheduled_at, recurrence,
		       priority, payload, status, retry_count, max_retries,
		       last_run_at, next_run_at, created_at, updated_at
		FROM scheduled_tasks
		WHERE status = ? AND next_run_at <= ?
		ORDER BY user_id, priority ASC, created_at ASC
	`, core.TaskPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ListByUser returns a user's non-terminal tasks, soonest first.
func (s *TaskStore) ListByUser(userID string) ([]*core.ScheduledTask, error) {
	rows, err := s.db.conn.Query(`
		SELECT id, user_id, task_type, dedupe_key, scheduled_at, recurrence,
		       priority, payload, status, retry_count, max_retries,
		       last_run_at, next_run_at, created_at, updated_at
		FROM scheduled_tasks
		WHERE user_id = ? AND status IN (?, ?)
		ORDER BY next_run_at ASC
	`, userID, core.TaskPending, core.TaskRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTasks(rows)
}

// MarkRunning claims a pending task for dispatch. Returns ErrTaskNotFound
// if the task is no longer pending, which makes the claim race-safe.
func (s *TaskStore) MarkRunning(id string, now time.Time) error {
	res, err := s.db.conn.Exec(`
		UPDATE scheduled_tasks
		SET status = ?, last_run_at = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, core.TaskRunning, now, now, id, core.TaskPending)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrTaskNotFound
	}
	return nil
}

// Complete moves a running task to done.
func (s *TaskStore) Complete(id string, now time.Time) error {
	_, err := s.db.conn.Exec(`
		UPDATE scheduled_tasks SET status = ?, updated_at = ? WHERE id = ?
	`, core.TaskDone, now, id)
	return err
}

// Fail moves a task to failed after its retry budget is spent.
func (s *TaskStore) Fail(id string, now time.Time) error {
	_, err := s.db.conn.Exec(`
		UPDATE scheduled_tasks SET status = ?, updated_at = ? WHERE id = ?
	`, core.TaskFailed, now, id)
	return err
}

// Reschedule puts a task back to pending with a new due time, incrementing
// the retry count when the reschedule is a retry.
func (s *TaskStore) Reschedule(id string, nextRun time.Time, incrementRetry bool, now time.Time) error {
	retry := 0
	if incrementRetry {
		retry = 1
	}
	_, err := s.db.conn.Exec(`
		UPDATE scheduled_tasks
		SET status = ?, next_run_at = ?, retry_count = retry_count + ?, updated_at = ?
		WHERE id = ?
	`, core.TaskPending, nextRun, retry, now, id)
	return err
}

// CancelPending cancels the pending task matching the dedupe identity.
// Cancelling a task that does not exist is not an error.
func (s *TaskStore) CancelPending(userID string, taskType core.TaskType, dedupeKey string, now time.Time) (bool, error) {
	res, err := s.db.conn.Exec(`
		UPDATE scheduled_tasks SET status = ?, updated_at = ?
		WHERE user_id = ? AND task_type = ? AND dedupe_key = ? AND status = ?
	`, core.TaskCancelled, now, userID, taskType, dedupeKey, core.TaskPending)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecoverRunning flips tasks stranded in running back to pending. Called
// once at startup: a crash mid-dispatch must not lose the trigger.
func (s *TaskStore) RecoverRunning(now time.Time) (int, error) {
	res, err := s.db.conn.Exec(`
		UPDATE scheduled_tasks SET status = ?, updated_at = ? WHERE status = ?
	`, core.TaskPending, now, core.TaskRunning)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanTask(row rowScanner) (*core.ScheduledTask, error) {
	t := &core.ScheduledTask{}
	var payload sql.NullString
	var lastRun sql.NullTime

	err := row.Scan(
		&t.ID, &t.UserID, &t.Type, &t.DedupeKey, &t.ScheduledAt, &t.Recurrence,
		&t.Priority, &payload, &t.Status, &t.RetryCount, &t.MaxRetries,
		&lastRun, &t.NextRunAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid && payload.String != "" && payload.String != "null" {
		json.Unmarshal([]byte(payload.String), &t.Payload)
	}
	if lastRun.Valid {
		t.LastRunAt = &lastRun.Time
	}

	return t, nil
}

func scanTasks(rows *sql.Rows) ([]*core.ScheduledTask, error) {
	var tasks []*core.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
