// Package storage provides persistence for Aide.
package storage

import (
	"database/sql"
	"encoding/json"
	"math"
	"time"

	"github.com/aidehq/aide/internal/core"
)

// MemoryStore handles memory record persistence. Records are append-only:
// the only UPDATEs touch importance and the active flag.
type MemoryStore struct {
	db *DB
}

// NewMemoryStore creates a memory store
func NewMemoryStore(db *DB) *MemoryStore {
	return &MemoryStore{db: db}
}

// Insert writes a record. Inserting an id that already exists is a no-op,
// which makes caller retries idempotent.
func (s *MemoryStore) Insert(rec *core.MemoryRecord) error {
	embedding, _ := json.Marshal(rec.Embedding)
	tags, _ := json.Marshal(rec.Tags)

	_, err := s.db.conn.Exec(`
		INSERT OR IGNORE INTO memory_records (
		    id, user_id, ts, kind, content, embedding, importance, tags, active, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID, rec.UserID, rec.Timestamp, rec.Kind, rec.Content,
		string(embedding), rec.Importance, string(tags), rec.Active, rec.CreatedAt,
	)

	return err
}

// GetByID returns a record by id, including forgotten ones. This is the
// audit read path: a forgotten record comes back with Active=false.
func (s *MemoryStore) GetByID(userID, id string) (*core.MemoryRecord, error) {
	row := s.db.conn.QueryRow(`
		SELECT id, user_id, ts, kind, content, embedding, importance, tags, active, created_at
		FROM memory_records WHERE user_id = ? AND id = ?
	`, userID, id)

	rec, err := scanMemoryRecord(row)
	if err == sql.ErrNoRows {
		return nil, core.ErrMemoryNotFound
	}
	return rec, err
}

// ActiveSince returns all active records for a user with timestamp >= since,
// oldest first. Indexed on (user_id, active, ts) so cost tracks the window,
// not total history.
func (s *MemoryStore) ActiveSince(userID string, since time.Time) ([]*core.MemoryRecord, error) {
	rows, err := s.db.conn.Query(`
		SELECT id, user_id, ts, kind, content, embedding, importance, tags, active, created_at
		FROM memory_records
		WHERE user_id = ? AND active = 1 AND ts >= ?
		ORDER BY ts ASC
	`, userID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMemoryRecords(rows)
}

// RecentActive returns the newest active records, capped at limit.
// This is the recency-only fallback ranking for recall.
func (s *MemoryStore) RecentActive(userID string, limit int) ([]*core.MemoryRecord, error) {
	rows, err := s.db.conn.Query(`
		SELECT id, user_id, ts, kind, content, embedding, importance, tags, active, created_at
		FROM memory_records
		WHERE user_id = ? AND active = 1
		ORDER BY ts DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMemoryRecords(rows)
}

// Deactivate soft-deletes a record. The row stays for audit and the
// semantic index stays consistent; filtering happens at read time.
func (s *MemoryStore) Deactivate(userID, id string) error {
	res, err := s.db.conn.Exec(`
		UPDATE memory_records SET active = 0 WHERE user_id = ? AND id = ?
	`, userID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return core.ErrMemoryNotFound
	}
	return nil
}

// Reinforce bumps importance of active records of the same kind that share
// a context tag with the new record, capped at 1.0. A habit acted on again
// keeps its supporting memories from fading.
func (s *MemoryStore) Reinforce(userID string, kind core.MemoryKind, tags map[string]string, since time.Time, bump float64) error {
	for k, v := range tags {
		_, err := s.db.conn.Exec(`
			UPDATE memory_records
			SET importance = MIN(1.0, importance + ?)
			WHERE user_id = ? AND active = 1 AND kind = ? AND ts >= ?
			  AND json_extract(tags, '$.' || ?) = ?
		`, bump, userID, kind, since, k, v)
		if err != nil {
			return err
		}
	}
	return nil
}

// DecayImportance applies exponential importance decay, never going below
// floor. Each row decays by the time elapsed since the last pass that
// touched it (its timestamp for the first pass), so total decay is a
// function of elapsed time and re-running the pass is idempotent.
// Rows with less than a day of accrued elapsed time are left for a later
// pass. Returns how many rows changed.
func (s *MemoryStore) DecayImportance(now time.Time, ratePerDay, floor float64) (int, error) {
	rows, err := s.db.conn.Query(`
		SELECT id, ts, decayed_at, importance FROM memory_records
		WHERE active = 1 AND importance > ?
	`, floor)
	if err != nil {
		return 0, err
	}

	type decayRow struct {
		id         string
		importance float64
	}
	var updates []decayRow

	for rows.Next() {
		var id string
		var ts time.Time
		var decayedAt sql.NullTime
		var importance float64
		if err := rows.Scan(&id, &ts, &decayedAt, &importance); err != nil {
			rows.Close()
			return 0, err
		}

		since := ts
		if decayedAt.Valid {
			since = decayedAt.Time
		}
		days := now.Sub(since).Hours() / 24
		if days < 1 {
			continue
		}
		decayed := importance * math.Exp(-ratePerDay*days)
		if decayed < floor {
			decayed = floor
		}
		if decayed < importance {
			updates = append(updates, decayRow{id: id, importance: decayed})
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	err = s.db.Transaction(func(tx *sql.Tx) error {
		for _, u := range updates {
			if _, err := tx.Exec(
				"UPDATE memory_records SET importance = ?, decayed_at = ? WHERE id = ?",
				u.importance, now, u.id,
			); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return len(updates), nil
}

// Summarize aggregates a user's active memory by kind and by day.
func (s *MemoryStore) Summarize(userID string) (*core.MemorySummary, error) {
	summary := &core.MemorySummary{
		UserID: userID,
		ByKind: make(map[core.MemoryKind]core.KindAggregate),
		ByDay:  make(map[string]int),
	}

	rows, err := s.db.conn.Query(`
		SELECT kind, COUNT(*), AVG(importance)
		FROM memory_records
		WHERE user_id = ? AND active = 1
		GROUP BY kind
	`, userID)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var kind string
		var count int
		var avg float64
		if err := rows.Scan(&kind, &count, &avg); err != nil {
			rows.Close()
			return nil, err
		}
		summary.ByKind[core.MemoryKind(kind)] = core.KindAggregate{Count: count, AvgImportance: avg}
		summary.Total += count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.conn.Query(`
		SELECT date(ts), COUNT(*)
		FROM memory_records
		WHERE user_id = ? AND active = 1
		GROUP BY date(ts)
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var day string
		var count int
		if err := rows.Scan(&day, &count); err != nil {
			return nil, err
		}
		summary.ByDay[day] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var oldest, newest sql.NullTime
	err = s.db.conn.QueryRow(`
		SELECT MIN(ts), MAX(ts) FROM memory_records WHERE user_id = ? AND active = 1
	`, userID).Scan(&oldest, &newest)
	if err != nil {
		return nil, err
	}
	if oldest.Valid {
		summary.Oldest = &oldest.Time
	}
	if newest.Valid {
		summary.Newest = &newest.Time
	}

	return summary, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemoryRecord(row rowScanner) (*core.MemoryRecord, error) {
	rec := &core.MemoryRecord{}
	var embedding, tags sql.NullString

	err := row.Scan(
		&rec.ID, &rec.UserID, &rec.Timestamp, &rec.Kind, &rec.Content,
		&embedding, &rec.Importance, &tags, &rec.Active, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if embedding.Valid && embedding.String != "" && embedding.String != "null" {
		json.Unmarshal([]byte(embedding.String), &rec.Embedding)
	}
	if tags.Valid && tags.String != "" && tags.String != "null" {
		json.Unmarshal([]byte(tags.String), &rec.Tags)
	}

	return rec, nil
}

func scanMemoryRecords(rows *sql.Rows) ([]*core.MemoryRecord, error) {
	var records []*core.MemoryRecord
	for rows.Next() {
		rec, err := scanMemoryRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
