package storage

import (
	"time"

	"github.com/aidehq/aide/internal/core"
)

// ActionStore persists the audit trail of proactive decisions. Rows are
// write-once; nothing updates them.
type ActionStore struct {
	db *DB
}

// NewActionStore creates an action store
func NewActionStore(db *DB) *ActionStore {
	return &ActionStore{db: db}
}

// Insert appends one decision record.
func (s *ActionStore) Insert(a *core.ProactiveAction) error {
	_, err := s.db.conn.Exec(`
		INSERT INTO proactive_actions (
		    id, user_id, task_id, action_type, decision, result_summary, executed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.TaskID, a.ActionType, a.Decision, a.ResultSummary, a.ExecutedAt)
	return err
}

// ListByUser returns a user's recent decisions, newest first.
func (s *ActionStore) ListByUser(userID string, limit int) ([]*core.ProactiveAction, error) {
	rows, err := s.db.conn.Query(`
		SELECT id, user_id, task_id, action_type, decision, result_summary, executed_at
		FROM proactive_actions
		WHERE user_id = ?
		ORDER BY executed_at DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var actions []*core.ProactiveAction
	for rows.Next() {
		a := &core.ProactiveAction{}
		if err := rows.Scan(
			&a.ID, &a.UserID, &a.TaskID, &a.ActionType, &a.Decision,
			&a.ResultSummary, &a.ExecutedAt,
		); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, rows.Err()
}

// CountSentSince counts actions actually delivered since the cutoff.
// Feeds the per-day proactive cap; suppressed and failed rows don't count.
func (s *ActionStore) CountSentSince(userID string, since time.Time) (int, error) {
	var n int
	err := s.db.conn.QueryRow(`
		SELECT COUNT(*) FROM proactive_actions
		WHERE user_id = ? AND decision = ? AND executed_at >= ?
	`, userID, core.DecisionSent, since).Scan(&n)
	return n, err
}
