package storage

import (
	"database/sql"

	"github.com/aidehq/aide/internal/core"
)

// WakeupStore persists wake-up sessions.
type WakeupStore struct {
	db *DB
}

// NewWakeupStore creates a wakeup store
func NewWakeupStore(db *DB) *WakeupStore {
	return &WakeupStore{db: db}
}

// Insert writes a new session.
func (s *WakeupStore) Insert(w *core.WakeupSession) error {
	_, err := s.db.conn.Exec(`
		INSERT INTO wakeup_sessions (
		    id, user_id, target_time, state, attempt_count, max_attempts,
		    attempt_interval_secs, confirmed_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		w.ID, w.UserID, w.TargetTime, w.State, w.AttemptCount, w.MaxAttempts,
		w.AttemptIntervalSecs, w.ConfirmedAt, w.CreatedAt, w.UpdatedAt,
	)
	return err
}

// GetByID returns one session.
func (s *WakeupStore) GetByID(id string) (*core.WakeupSession, error) {
	row := s.db.conn.QueryRow(`
		SELECT id, user_id, target_time, state, attempt_count, max_attempts,
		       attempt_interval_secs, confirmed_at, created_at, updated_at
		FROM wakeup_sessions WHERE id = ?
	`, id)

	w, err := scanWakeup(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrSessionNotFound
	}
	return w, err
}

// Update rewrites a session's mutable fields.
func (s *WakeupStore) Update(w *core.WakeupSession) error {
	res, err := s.db.conn.Exec(`
		UPDATE wakeup_sessions
		SET state = ?, attempt_count = ?, confirmed_at = ?, updated_at = ?
		WHERE id = ?
	`, w.State, w.AttemptCount, w.ConfirmedAt, w.UpdatedAt, w.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrSessionNotFound
	}
	return nil
}

// ListActive returns a user's non-terminal sessions, soonest target first.
func (s *WakeupStore) ListActive(userID string) ([]*core.WakeupSession, error) {
	rows, err := s.db.conn.Query(`
		SELECT id, user_id, target_time, state, attempt_count, max_attempts,
		       attempt_interval_secs, confirmed_at, created_at, updated_at
		FROM wakeup_sessions
		WHERE user_id = ? AND state IN (?, ?)
		ORDER BY target_time ASC
	`, userID, core.WakeupScheduled, core.WakeupAttempting)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*core.WakeupSession
	for rows.Next() {
		w, err := scanWakeup(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, w)
	}
	return sessions, rows.Err()
}

func scanWakeup(row rowScanner) (*core.WakeupSession, error) {
	w := &core.WakeupSession{}
	var confirmed sql.NullTime

	err := row.Scan(
		&w.ID, &w.UserID, &w.TargetTime, &w.State, &w.AttemptCount, &w.MaxAttempts,
		&w.AttemptIntervalSecs, &confirmed, &w.CreatedAt, &w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if confirmed.Valid {
		w.ConfirmedAt = &confirmed.Time
	}

	return w, nil
}
