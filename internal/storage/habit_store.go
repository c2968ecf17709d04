package storage

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/aidehq/aide/internal/core"
)

// HabitStore persists detected habit patterns. The detector re-derives
// patterns from scratch each scan, so writes are last-writer-wins on
// (user_id, pattern_type, pattern_key).
type HabitStore struct {
	db *DB
}

// NewHabitStore creates a habit store
func NewHabitStore(db *DB) *HabitStore {
	return &HabitStore{db: db}
}

// Upsert writes a pattern, replacing any existing row with the same
// (user, type, key). The original created_at and id survive the update.
func (s *HabitStore) Upsert(p *core.HabitPattern) error {
	data, err := json.Marshal(p.Data)
	if err != nil {
		return err
	}

	_, err = s.db.conn.Exec(`
		INSERT INTO habit_patterns (
		    id, user_id, pattern_type, pattern_key, pattern_data, confidence,
		    observation_count, last_observed_at, next_predicted_at, active,
		    created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, pattern_type, pattern_key) DO UPDATE SET
		    pattern_data      = excluded.pattern_data,
		    confidence        = excluded.confidence,
		    observation_count = excluded.observation_count,
		    last_observed_at  = excluded.last_observed_at,
		    next_predicted_at = excluded.next_predicted_at,
		    active            = excluded.active,
		    updated_at        = excluded.updated_at
	`,
		p.ID, p.UserID, p.Type, p.Data.Key, string(data), p.Confidence,
		p.ObservationCount, p.LastObservedAt, p.NextPredictedAt, p.Active,
		p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetByID returns one pattern.
func (s *HabitStore) GetByID(userID, id string) (*core.HabitPattern, error) {
	row := s.db.conn.QueryRow(`
		SELECT id, user_id, pattern_type, pattern_data, confidence,
		       observation_count, last_observed_at, next_predicted_at, active,
		       created_at, updated_at
		FROM habit_patterns WHERE user_id = ? AND id = ?
	`, userID, id)

	p, err := scanHabitPattern(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrPatternNotFound
	}
	return p, err
}

// ListByUser returns every active pattern for a user regardless of
// confidence, newest update first.
func (s *HabitStore) ListByUser(userID string) ([]*core.HabitPattern, error) {
	rows, err := s.db.conn.Query(`
		SELECT id, user_id, pattern_type, pattern_data, confidence,
		       observation_count, last_observed_at, next_predicted_at, active,
		       created_at, updated_at
		FROM habit_patterns
		WHERE user_id = ? AND active = 1
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanHabitPatterns(rows)
}

// ListEligible returns patterns that clear the surfacing bar: confidence at
// or above floor, enough observations, and observed since staleBefore.
// This is the only read path the orchestrator uses.
func (s *HabitStore) ListEligible(userID string, floor float64, minObservations int, staleBefore time.Time) ([]*core.HabitPattern, error) {
	rows, err := s.db.conn.Query(`
		SELECT id, user_id, pattern_type, pattern_data, confidence,
		       observation_count, last_observed_at, next_predicted_at, active,
		       created_at, updated_at
		FROM habit_patterns
		WHERE user_id = ? AND active = 1
		  AND confidence >= ?
		  AND observation_count >= ?
		  AND last_observed_at >= ?
		ORDER BY confidence DESC
	`, userID, floor, minObservations, staleBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanHabitPatterns(rows)
}

// MarkExecuted reinforces a pattern after the user acted on its suggestion:
// confidence bumps by delta (capped), last_observed_at moves forward.
func (s *HabitStore) MarkExecuted(userID, id string, delta, cap float64, now time.Time) error {
	res, err := s.db.conn.Exec(`
		UPDATE habit_patterns
		SET confidence = MIN(?, confidence + ?),
		    last_observed_at = ?,
		    updated_at = ?
		WHERE user_id = ? AND id = ? AND active = 1
	`, cap, delta, now, now, userID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrPatternNotFound
	}
	return nil
}

// Deactivate retires a pattern without deleting its history.
func (s *HabitStore) Deactivate(userID, id string) error {
	res, err := s.db.conn.Exec(`
		UPDATE habit_patterns SET active = 0, updated_at = ? WHERE user_id = ? AND id = ?
	`, time.Now().UTC(), userID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrPatternNotFound
	}
	return nil
}

func scanHabitPattern(row rowScanner) (*core.HabitPattern, error) {
	p := &core.HabitPattern{}
	var data string
	var next sql.NullTime

	err := row.Scan(
		&p.ID, &p.UserID, &p.Type, &data, &p.Confidence,
		&p.ObservationCount, &p.LastObservedAt, &next, &p.Active,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(data), &p.Data); err != nil {
		return nil, err
	}
	if next.Valid {
		p.NextPredictedAt = &next.Time
	}

	return p, nil
}

func scanHabitPatterns(rows *sql.Rows) ([]*core.HabitPattern, error) {
	var patterns []*core.HabitPattern
	for rows.Next() {
		p, err := scanHabitPattern(rows)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, p)
	}
	return patterns, rows.Err()
}
